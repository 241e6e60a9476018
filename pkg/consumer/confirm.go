// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package consumer turns the broker's pushed deliveries into pull-based
// consumption with acknowledge-after-handling.
package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GwynCerbin/whiterabbit/pkg/broker"
	"github.com/GwynCerbin/whiterabbit/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the lifecycle position of a ConfirmConsumer.
type State int32

const (
	Active State = iota
	CancelledByBroker
	CancelledByCaller
	Closed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case CancelledByBroker:
		return "cancelled by broker"
	case CancelledByCaller:
		return "cancelled by caller"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

const defaultPrefetch = 1

// ConfirmConsumer pulls deliveries one at a time from a broker-side consumer and
// acks each of them once its handler succeeded.
type ConfirmConsumer struct {
	// ch is the channel the consumer and every ack live on.
	ch    broker.Channel
	queue string
	tag   string

	// handOff carries deliveries from the channel's delivery goroutine to pullers.
	// A full hand-off blocks the delivery goroutine.
	handOff chan broker.Delivery
	// done is closed when no delivery will be handed off any more.
	done      chan struct{}
	closeOnce sync.Once
	// reason is what pulls fail with once done is closed.
	reason error
	state  atomic.Int32
	// requeueDropped is set once the broker-side consumer is gone, so deliveries
	// that arrive after done was closed can be given back to the queue.
	requeueDropped atomic.Bool

	prefetch    int
	handOffSize int

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a ConfirmConsumer.
type Option func(*ConfirmConsumer)

// WithPrefetch sets how many unacked deliveries the broker may push. Default 1.
func WithPrefetch(n int) Option {
	return func(c *ConfirmConsumer) {
		c.prefetch = n
	}
}

// WithHandOffSize sets the hand-off buffer. The default 0 hands each delivery
// directly from the delivery goroutine to a waiting puller.
func WithHandOffSize(n int) Option {
	return func(c *ConfirmConsumer) {
		c.handOffSize = n
	}
}

// WithConsumerTag sets the consumer tag. By default a random one is used.
func WithConsumerTag(tag string) Option {
	return func(c *ConfirmConsumer) {
		c.tag = tag
	}
}

// WithLogger sets the logger. It is named "consumer".
func WithLogger(logger *zap.Logger) Option {
	return func(c *ConfirmConsumer) {
		c.logger = logger.Named("consumer")
	}
}

// WithMetrics makes the consumer count handling outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *ConfirmConsumer) {
		c.metrics = m
	}
}

// NewConfirmConsumer sets the channel prefetch and starts a manual-ack consumer on queue.
func NewConfirmConsumer(ch broker.Channel, queue string, opts ...Option) (*ConfirmConsumer, error) {
	c := &ConfirmConsumer{
		ch:       ch,
		queue:    queue,
		tag:      "ctag-" + uuid.NewString(),
		done:     make(chan struct{}),
		prefetch: defaultPrefetch,
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.handOff = make(chan broker.Delivery, c.handOffSize)

	ch.NotifyClose(c.onClose)

	err := ch.Dispatch(func(w broker.Writer) error {
		if err := w.Qos(c.prefetch); err != nil {
			return broker.ChannelError{Op: "qos", Err: err}
		}

		tag, err := w.Consume(queue, c.tag, false, broker.ConsumeCallbacks{
			OnDelivery: c.onDelivery,
			OnCancel:   c.onCancel,
		})
		if err != nil {
			return broker.ChannelError{Op: "consume", Err: err}
		}
		if tag != c.tag {
			c.tag = tag
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("consumer started", zap.String("queue", queue), zap.String("consumer_tag", c.tag))

	return c, nil
}

// Tag returns the broker consumer tag.
func (c *ConfirmConsumer) Tag() string {
	return c.tag
}

// State returns the lifecycle position of the consumer.
func (c *ConfirmConsumer) State() State {
	return State(c.state.Load())
}

// ConsumeOne waits for one delivery, runs handler and acks the delivery. A handler
// error is returned unchanged and the delivery stays unacked, unless it is a
// broker.RejectError: then the delivery is rejected without requeue. A failed ack is
// returned as broker.AcknowledgeError. Once the consumer is cancelled every call
// fails with broker.ConsumerCancelledError.
func (c *ConfirmConsumer) ConsumeOne(ctx context.Context, handler broker.Handler) error {
	d, err := c.pull(ctx)
	if err != nil {
		return err
	}

	return c.handle(ctx, d, handler)
}

// ConsumeOneWithTimeout is ConsumeOne with the wait bounded by timeout. When no
// delivery arrives in time it returns broker.TimeoutError and the consumer stays
// usable. A delivery that was already taken is always handled and acked before
// returning; the handler sees the deadline through its context.
func (c *ConfirmConsumer) ConsumeOneWithTimeout(ctx context.Context, handler broker.Handler, timeout time.Duration) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d, err := c.pull(tctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			c.metrics.Consumed(metrics.ResultTimeout)
			return broker.TimeoutError{Op: "consume", Timeout: timeout}
		}

		return err
	}

	return c.handle(tctx, d, handler)
}

func (c *ConfirmConsumer) pull(ctx context.Context) (broker.Delivery, error) {
	select {
	case <-c.done:
		return broker.Delivery{}, c.reason
	default:
	}

	select {
	case d := <-c.handOff:
		return d, nil
	case <-c.done:
		return broker.Delivery{}, c.reason
	case <-ctx.Done():
		return broker.Delivery{}, ctx.Err()
	}
}

func (c *ConfirmConsumer) handle(ctx context.Context, d broker.Delivery, handler broker.Handler) error {
	if err := handler(ctx, d); err != nil {
		if errors.As(err, new(broker.RejectError)) {
			return c.reject(d, err)
		}

		c.metrics.Consumed(metrics.ResultHandler)
		c.logger.Debug("handler failed, delivery left unacked",
			zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))

		return err
	}

	if err := c.ch.Dispatch(func(w broker.Writer) error {
		return w.Ack(d.DeliveryTag, false)
	}); err != nil {
		c.metrics.Consumed(metrics.ResultAckError)
		c.logger.Error("ack failed", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))

		return broker.AcknowledgeError{DeliveryTag: d.DeliveryTag, Err: err}
	}

	c.metrics.Consumed(metrics.ResultOK)

	return nil
}

func (c *ConfirmConsumer) reject(d broker.Delivery, cause error) error {
	if err := c.ch.Dispatch(func(w broker.Writer) error {
		return w.Nack(d.DeliveryTag, false, false)
	}); err != nil {
		c.metrics.Consumed(metrics.ResultAckError)
		c.logger.Error("reject failed", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))

		return broker.AcknowledgeError{DeliveryTag: d.DeliveryTag, Err: err}
	}

	c.metrics.Consumed(metrics.ResultRejected)
	c.logger.Debug("delivery rejected", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(cause))

	return cause
}

// Cancel cancels the broker-side consumer and fails every waiting and future pull.
// Deliveries the broker already pushed but nobody pulled are requeued. When the
// broker-side cancel fails they stay unacked until the channel closes. Calling it
// again is a no-op.
func (c *ConfirmConsumer) Cancel() error {
	if !c.state.CompareAndSwap(int32(Active), int32(CancelledByCaller)) {
		return nil
	}

	err := c.ch.Dispatch(func(w broker.Writer) error {
		return w.Cancel(c.tag)
	})
	if err == nil {
		c.requeueDropped.Store(true)
	}

	c.close(broker.ConsumerCancelledError{ConsumerTag: c.tag})

	if err != nil {
		c.logger.Warn("broker-side cancel failed", zap.String("consumer_tag", c.tag), zap.Error(err))
		return broker.ChannelError{Op: "cancel", Err: err}
	}

	c.requeueBuffered()
	c.logger.Debug("consumer cancelled", zap.String("consumer_tag", c.tag))

	return nil
}

func (c *ConfirmConsumer) close(reason error) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

// requeueBuffered gives back the deliveries left in the hand-off.
func (c *ConfirmConsumer) requeueBuffered() {
	for {
		select {
		case d := <-c.handOff:
			c.requeue(d)
		default:
			return
		}
	}
}

func (c *ConfirmConsumer) requeue(d broker.Delivery) {
	if !c.requeueDropped.Load() || c.State() == Closed {
		c.logger.Warn("delivery left unacked after cancel",
			zap.String("consumer_tag", d.ConsumerTag), zap.Uint64("delivery_tag", d.DeliveryTag))
		return
	}

	if err := c.ch.Dispatch(func(w broker.Writer) error {
		return w.Nack(d.DeliveryTag, false, true)
	}); err != nil {
		c.logger.Warn("can't requeue delivery after cancel",
			zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
	}
}

// onDelivery runs on the channel's delivery goroutine.
func (c *ConfirmConsumer) onDelivery(_ string, d broker.Delivery) {
	select {
	case <-c.done:
		c.requeue(d)
		return
	default:
	}

	select {
	case c.handOff <- d:
		// A slot freed by requeueBuffered may be taken after the drain ended.
		select {
		case <-c.done:
			c.requeueBuffered()
		default:
		}
	case <-c.done:
		c.requeue(d)
	}
}

func (c *ConfirmConsumer) onCancel(tag string) {
	if !c.state.CompareAndSwap(int32(Active), int32(CancelledByBroker)) {
		return
	}

	c.logger.Debug("consumer cancelled by broker", zap.String("consumer_tag", tag))
	c.requeueDropped.Store(true)
	c.close(broker.ConsumerCancelledError{ConsumerTag: tag, ByBroker: true})
	c.requeueBuffered()
}

func (c *ConfirmConsumer) onClose(err error) {
	c.state.Store(int32(Closed))
	c.close(broker.ChannelClosedError{Err: err})
}
