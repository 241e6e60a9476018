// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package publisher publishes messages on a confirm-mode channel and turns the
// broker's asynchronous acks and nacks into sequential results.
package publisher

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/GwynCerbin/whiterabbit/pkg/broker"
	"github.com/GwynCerbin/whiterabbit/pkg/metrics"
	"github.com/GwynCerbin/whiterabbit/pkg/pending"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type outcome struct {
	ack bool
	err error
}

// ConfirmPublisher tracks one pending confirmation per publish, keyed by the
// channel's publish sequence number.
type ConfirmPublisher struct {
	// ch is the confirm-mode channel every publish goes through.
	ch broker.Channel
	// pending holds the confirmations the broker has not answered yet.
	pending *pending.Registry[uint64, outcome]
	// closed is set once the channel shut down.
	closed atomic.Pointer[broker.ChannelClosedError]

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a ConfirmPublisher.
type Option func(*ConfirmPublisher)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(p *ConfirmPublisher) {
		p.logger = logger.Named("publisher")
	}
}

// WithMetrics records confirm outcomes into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *ConfirmPublisher) {
		p.metrics = m
	}
}

// NewConfirmPublisher switches ch to confirm mode and starts listening for confirms.
func NewConfirmPublisher(ch broker.Channel, opts ...Option) (*ConfirmPublisher, error) {
	p := &ConfirmPublisher{
		ch:      ch,
		pending: pending.New[uint64, outcome](),
		logger:  zap.NewNop(),
	}

	for _, opt := range opts {
		opt(p)
	}

	if err := ch.Dispatch(func(w broker.Writer) error {
		return w.Confirm()
	}); err != nil {
		return nil, broker.ChannelError{Op: "confirm", Err: err}
	}

	ch.NotifyConfirm(p.onConfirm)
	ch.NotifyClose(p.onClose)

	return p, nil
}

// PublishWithConfirm publishes msg and waits until the broker acks (true) or nacks
// (false) it. When ctx ends first the confirmation is dropped and a
// broker.PublishCancelledError is returned, unless the broker answered in the
// meantime, in which case its answer wins.
func (p *ConfirmPublisher) PublishWithConfirm(ctx context.Context, msg broker.OutboundMessage) (bool, error) {
	seq, slot, err := p.publish(ctx, msg)
	if err != nil {
		return false, err
	}

	select {
	case out := <-slot.Done():
		return out.ack, out.err
	case <-ctx.Done():
		if _, ok := p.pending.Remove(seq); !ok {
			out := <-slot.Done()
			return out.ack, out.err
		}

		p.metrics.PendingDec(metrics.KindConfirm)
		p.metrics.PublishCancelled()
		p.logger.Debug("confirmation abandoned", zap.Uint64("seq", seq), zap.Error(ctx.Err()))

		return false, broker.PublishCancelledError{SeqNo: seq, Err: context.Cause(ctx)}
	}
}

// publish registers the confirmation and sends msg under one write so that no
// confirm can arrive for a sequence number that is not registered yet.
func (p *ConfirmPublisher) publish(ctx context.Context, msg broker.OutboundMessage) (uint64, *pending.Slot[outcome], error) {
	var (
		seq  uint64
		slot *pending.Slot[outcome]
	)

	err := p.ch.Dispatch(func(w broker.Writer) error {
		seq = w.NextPublishSeqNo()

		if closed := p.closed.Load(); closed != nil {
			return broker.PublishCancelledError{SeqNo: seq, Err: *closed}
		}

		var err error
		if slot, err = p.pending.Register(seq); err != nil {
			return err
		}
		p.metrics.PendingInc(metrics.KindConfirm)

		if err := w.Publish(ctx, msg); err != nil {
			if _, ok := p.pending.Remove(seq); ok {
				p.metrics.PendingDec(metrics.KindConfirm)
			}
			p.metrics.PublishCancelled()

			return broker.PublishCancelledError{SeqNo: seq, Err: err}
		}

		return nil
	})
	if err != nil {
		return 0, nil, err
	}

	p.logger.Debug("published", zap.Uint64("seq", seq), zap.String("routing_key", msg.RoutingKey))

	return seq, slot, nil
}

// onConfirm runs on the channel's confirm goroutine.
func (p *ConfirmPublisher) onConfirm(tag uint64, ack, multiple bool) {
	out := outcome{ack: ack}

	if !multiple {
		if p.pending.Resolve(tag, out) {
			p.metrics.PendingDec(metrics.KindConfirm)
			p.metrics.Confirmed(ack, 1)
		}

		return
	}

	n := p.pending.ResolveWhere(func(seq uint64) bool { return seq <= tag }, out)
	p.metrics.PendingSub(metrics.KindConfirm, n)
	p.metrics.Confirmed(ack, n)

	p.logger.Debug("multiple confirm", zap.Uint64("tag", tag), zap.Bool("ack", ack), zap.Int("resolved", n))
}

func (p *ConfirmPublisher) onClose(err error) {
	closed := broker.ChannelClosedError{Err: err}
	p.closed.Store(&closed)

	n := p.pending.ResolveAll(outcome{err: closed})
	p.metrics.PendingSub(metrics.KindConfirm, n)

	if n > 0 {
		p.logger.Warn("channel closed with unconfirmed publishes", zap.Int("pending", n), zap.Error(err))
	}
}

// Pending returns the number of publishes still waiting for a confirm.
func (p *ConfirmPublisher) Pending() int {
	return p.pending.Len()
}

// Confirmation is the pending result of one message of an asynchronous batch.
type Confirmation struct {
	done chan struct{}
	ack  bool
	err  error
}

// Done is closed once the confirmation is resolved.
func (c *Confirmation) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the confirmation resolves or ctx ends. Ending ctx only stops
// this wait; the publish itself stays bound to the context it was submitted with.
func (c *Confirmation) Wait(ctx context.Context) (bool, error) {
	select {
	case <-c.done:
		return c.ack, c.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// PublishWithConfirmAsync submits every message concurrently and returns one
// Confirmation per message in input order. Each resolves on its own.
func (p *ConfirmPublisher) PublishWithConfirmAsync(ctx context.Context, msgs []broker.OutboundMessage) []*Confirmation {
	confs := make([]*Confirmation, len(msgs))

	for i, msg := range msgs {
		conf := &Confirmation{done: make(chan struct{})}
		confs[i] = conf

		go func() {
			defer close(conf.done)
			conf.ack, conf.err = p.PublishWithConfirm(ctx, msg)
		}()
	}

	return confs
}

// PublishAll publishes msgs and waits for all of them. It returns the first
// publish error, or broker.NackError listing the messages the broker nacked.
func (p *ConfirmPublisher) PublishAll(ctx context.Context, msgs []broker.OutboundMessage) error {
	var (
		confs  = p.PublishWithConfirmAsync(ctx, msgs)
		nacked = make([]bool, len(confs))
		g      errgroup.Group
	)

	for i, conf := range confs {
		g.Go(func() error {
			ack, err := conf.Wait(ctx)
			if err != nil {
				return fmt.Errorf("message %d: %w", i, err)
			}
			nacked[i] = !ack

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	var nack broker.NackError
	for i, n := range nacked {
		if n {
			nack.Indexes = append(nack.Indexes, i)
		}
	}

	if len(nack.Indexes) > 0 {
		return nack
	}

	return nil
}
