// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package rpc implements request/reply over queues. Replies are matched to calls by
// correlation id, never by delivery order.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GwynCerbin/whiterabbit/pkg/broker"
	"github.com/GwynCerbin/whiterabbit/pkg/metrics"
	"github.com/GwynCerbin/whiterabbit/pkg/pending"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type reply struct {
	delivery broker.Delivery
	err      error
}

// Client issues calls on one channel. Every call owns a transient consumer on the
// reply queue. Calls of one Client may share a reply queue; a reply that belongs to no
// pending call of the Client is acked and dropped, so separate Clients need separate
// reply queues.
type Client struct {
	ch      broker.Channel
	replies *pending.Registry[string, reply]
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewClient returns a Client publishing and consuming on ch.
func NewClient(ch broker.Channel, opts ...Option) *Client {
	o := newOptions(opts)

	c := &Client{
		ch:      ch,
		replies: pending.New[string, reply](),
		logger:  o.logger,
		metrics: o.metrics,
	}

	ch.NotifyClose(c.onClose)

	return c
}

// Call publishes msg to exchange with routing key requestQueue, reply-to replyQueue
// and a fresh correlation id, then waits for the reply carrying that id.
func (c *Client) Call(ctx context.Context, exchange, requestQueue, replyQueue string, msg broker.OutboundMessage) (broker.Delivery, error) {
	return c.call(ctx, exchange, requestQueue, replyQueue, msg, 0)
}

// CallWithTimeout is Call bounded by timeout. On expiry the reply slot and the
// transient consumer are gone before broker.TimeoutCancelledError is returned.
func (c *Client) CallWithTimeout(ctx context.Context, exchange, requestQueue, replyQueue string, msg broker.OutboundMessage, timeout time.Duration) (broker.Delivery, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return c.call(ctx, exchange, requestQueue, replyQueue, msg, timeout)
}

// QueueManager declares and deletes the temporary reply queue of
// CallWithTemporaryReply. adapter.Con implements it.
type QueueManager interface {
	DeclareTemporaryQueue() (string, error)
	DeleteQueue(name string) error
}

// CallWithTemporaryReply is Call with a reply queue of its own: the queue is declared
// through queues before the request is sent and deleted once the call is over, also
// when it failed. A timeout of 0 leaves the call bounded by ctx only.
func (c *Client) CallWithTemporaryReply(ctx context.Context, queues QueueManager, exchange, requestQueue string, msg broker.OutboundMessage, timeout time.Duration) (broker.Delivery, error) {
	replyQueue, err := queues.DeclareTemporaryQueue()
	if err != nil {
		return broker.Delivery{}, broker.ChannelError{Op: "declare", Err: err}
	}

	defer func() {
		if err := queues.DeleteQueue(replyQueue); err != nil {
			c.logger.Warn("can't delete reply queue", zap.String("reply_queue", replyQueue), zap.Error(err))
		}
	}()

	if timeout > 0 {
		return c.CallWithTimeout(ctx, exchange, requestQueue, replyQueue, msg, timeout)
	}

	return c.Call(ctx, exchange, requestQueue, replyQueue, msg)
}

// Pending returns the number of calls waiting for a reply.
func (c *Client) Pending() int {
	return c.replies.Len()
}

func (c *Client) call(ctx context.Context, exchange, requestQueue, replyQueue string, msg broker.OutboundMessage, timeout time.Duration) (broker.Delivery, error) {
	id := uuid.NewString()

	slot, err := c.replies.Register(id)
	if err != nil {
		return broker.Delivery{}, err
	}
	c.metrics.PendingInc(metrics.KindReply)

	msg.Exchange = exchange
	msg.RoutingKey = requestQueue
	msg.Properties.CorrelationID = id
	msg.Properties.ReplyTo = replyQueue

	log := c.logger.With(zap.String("correlation_id", id))

	tag := "rpc-" + id

	err = c.ch.Dispatch(func(w broker.Writer) error {
		if err := w.Publish(ctx, msg); err != nil {
			return broker.PublishCancelledError{Err: err}
		}

		if _, err := w.Consume(replyQueue, tag, false, broker.ConsumeCallbacks{
			OnDelivery: c.onReply(id),
			OnCancel:   c.onCancel(id),
		}); err != nil {
			return broker.ChannelError{Op: "consume", Err: err}
		}

		return nil
	})
	if err != nil {
		c.forget(id)
		c.metrics.Call(metrics.ResultError)

		return broker.Delivery{}, err
	}

	log.Debug("request sent", zap.String("request_queue", requestQueue), zap.String("reply_queue", replyQueue))

	select {
	case r := <-slot.Done():
		return c.finish(r)
	case <-ctx.Done():
		if _, ok := c.replies.Remove(id); !ok {
			return c.finish(<-slot.Done())
		}
		c.metrics.PendingDec(metrics.KindReply)
		c.cancelConsumer(tag)

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.metrics.Call(metrics.ResultTimeout)
			log.Debug("call timed out")

			return broker.Delivery{}, broker.TimeoutCancelledError{CorrelationID: id, Timeout: timeout}
		}

		c.metrics.Call(metrics.ResultCancelled)

		return broker.Delivery{}, fmt.Errorf("call %s: %w", id, context.Cause(ctx))
	}
}

func (c *Client) finish(r reply) (broker.Delivery, error) {
	if r.err != nil {
		c.metrics.Call(metrics.ResultError)
		return broker.Delivery{}, r.err
	}

	c.metrics.Call(metrics.ResultOK)

	return r.delivery, nil
}

func (c *Client) forget(id string) {
	if _, ok := c.replies.Remove(id); ok {
		c.metrics.PendingDec(metrics.KindReply)
	}
}

// onReply builds the delivery callback of the transient consumer of call id.
func (c *Client) onReply(id string) func(string, broker.Delivery) {
	return func(tag string, d broker.Delivery) {
		if cid := d.CorrelationID(); cid != id {
			if c.replies.Contains(cid) {
				// Reply of another live call: give it back so that call's consumer gets it.
				if err := c.ch.Dispatch(func(w broker.Writer) error {
					return w.Nack(d.DeliveryTag, false, true)
				}); err != nil {
					c.logger.Warn("can't requeue reply", zap.String("consumer_tag", tag), zap.Error(err))
				}

				return
			}

			c.logger.Debug("orphan reply dropped", zap.String("correlation_id", cid))
			c.ack(d)

			return
		}

		if c.replies.Resolve(id, reply{delivery: d}) {
			c.metrics.PendingDec(metrics.KindReply)
		} else {
			c.logger.Debug("late reply dropped", zap.String("correlation_id", id))
		}

		c.ack(d)
		c.cancelConsumer(tag)
	}
}

func (c *Client) ack(d broker.Delivery) {
	if err := c.ch.Dispatch(func(w broker.Writer) error {
		return w.Ack(d.DeliveryTag, false)
	}); err != nil {
		c.logger.Warn("can't ack reply", zap.String("correlation_id", d.CorrelationID()), zap.Error(err))
	}
}

func (c *Client) onCancel(id string) func(string) {
	return func(tag string) {
		if c.replies.Resolve(id, reply{err: broker.ConsumerCancelledError{ConsumerTag: tag, ByBroker: true}}) {
			c.metrics.PendingDec(metrics.KindReply)
		}
		c.logger.Debug("reply consumer cancelled by broker", zap.String("consumer_tag", tag))
	}
}

// cancelConsumer is best effort: a consumer that can't be cancelled goes away with the channel.
func (c *Client) cancelConsumer(tag string) {
	if err := c.ch.Dispatch(func(w broker.Writer) error {
		return w.Cancel(tag)
	}); err != nil {
		c.logger.Warn("can't cancel reply consumer", zap.String("consumer_tag", tag), zap.Error(err))
	}
}

func (c *Client) onClose(err error) {
	n := c.replies.ResolveAll(reply{err: broker.ChannelClosedError{Err: err}})
	c.metrics.PendingSub(metrics.KindReply, n)
}
