// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package tx runs a block of publishes and consumes as one AMQP transaction:
// committed when the block returns normally, rolled back when it fails.
package tx

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/GwynCerbin/whiterabbit/pkg/broker"
	"github.com/GwynCerbin/whiterabbit/pkg/consumer"
	"github.com/GwynCerbin/whiterabbit/pkg/metrics"
	"go.uber.org/zap"
)

// State of a Transaction.
type State int32

const (
	Open State = iota
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled back"
	default:
		return "unknown"
	}
}

// Channel runs transactions on a channel, one at a time.
type Channel struct {
	ch broker.Channel
	// running rejects a transaction started while another one is open.
	running atomic.Bool

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger. It is named "tx".
func WithLogger(logger *zap.Logger) Option {
	return func(c *Channel) {
		c.logger = logger.Named("tx")
	}
}

// WithMetrics makes the channel count transaction outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) {
		c.metrics = m
	}
}

// NewChannel wraps ch. The channel must not be in confirm mode.
func NewChannel(ch broker.Channel, opts ...Option) *Channel {
	c := &Channel{
		ch:     ch,
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Consumer starts a consumer on the transactional channel, so its acks take effect on commit.
// Acks held back by an open transaction still count against prefetch.
func (c *Channel) Consumer(queue string, opts ...consumer.Option) (*consumer.ConfirmConsumer, error) {
	return consumer.NewConfirmConsumer(c.ch, queue, append([]consumer.Option{consumer.WithLogger(c.logger)}, opts...)...)
}

// Transaction opens a transaction and runs block in it. Unless block commits or rolls
// back itself, a nil return commits and an error or panic rolls back. The error or
// panic of block always reaches the caller; a failed rollback is only logged.
func (c *Channel) Transaction(ctx context.Context, block func(ctx context.Context, t *Transaction) error) error {
	if !c.running.CompareAndSwap(false, true) {
		return broker.TransactionStateError{Op: "begin", State: Open.String()}
	}
	defer c.running.Store(false)

	if err := c.ch.Dispatch(func(w broker.Writer) error {
		return w.Tx()
	}); err != nil {
		return broker.ChannelError{Op: "tx", Err: err}
	}

	t := &Transaction{ch: c.ch, metrics: c.metrics}

	defer func() {
		if r := recover(); r != nil {
			c.rollback(t, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	if err := block(ctx, t); err != nil {
		c.rollback(t, err)
		return err
	}

	if t.State() != Open {
		return nil
	}

	if err := t.Commit(); err != nil {
		c.rollback(t, err)
		return err
	}

	return nil
}

// rollback ends a still open transaction after cause.
func (c *Channel) rollback(t *Transaction, cause error) {
	if t.State() != Open {
		return
	}

	if err := t.Rollback(); err != nil {
		c.logger.Error("rollback failed", zap.Error(err), zap.NamedError("cause", cause))
		return
	}

	c.logger.Debug("rolled back", zap.NamedError("cause", cause))
}

// Transaction is the handle a transaction block works with. Its operations are
// provisional until commit.
type Transaction struct {
	ch      broker.Channel
	mute    sync.Mutex
	state   State
	metrics *metrics.Metrics
}

// State returns where the transaction is in its lifecycle.
func (t *Transaction) State() State {
	t.mute.Lock()
	defer t.mute.Unlock()

	return t.state
}

func (t *Transaction) checkOpen(op string) error {
	if state := t.State(); state != Open {
		return broker.TransactionStateError{Op: op, State: state.String()}
	}

	return nil
}

// Publish publishes msg within the transaction.
func (t *Transaction) Publish(ctx context.Context, msg broker.OutboundMessage) error {
	if err := t.checkOpen("publish"); err != nil {
		return err
	}

	if err := t.ch.Dispatch(func(w broker.Writer) error {
		return w.Publish(ctx, msg)
	}); err != nil {
		return broker.PublishCancelledError{Err: err}
	}

	return nil
}

// ConsumeOne consumes one delivery within the transaction. c must live on the
// transaction's channel, see Channel.Consumer.
func (t *Transaction) ConsumeOne(ctx context.Context, c broker.Consumer, handler broker.Handler) error {
	if err := t.checkOpen("consume"); err != nil {
		return err
	}

	return c.ConsumeOne(ctx, handler)
}

// Commit commits the transaction. The transaction can't be used afterwards.
func (t *Transaction) Commit() error {
	return t.finish("commit", Committed, metrics.ResultCommit, func(w broker.Writer) error {
		return w.TxCommit()
	})
}

// Rollback discards everything done in the transaction.
func (t *Transaction) Rollback() error {
	return t.finish("rollback", RolledBack, metrics.ResultRollback, func(w broker.Writer) error {
		return w.TxRollback()
	})
}

func (t *Transaction) finish(op string, to State, result string, fn func(w broker.Writer) error) error {
	t.mute.Lock()
	defer t.mute.Unlock()

	if t.state != Open {
		return broker.TransactionStateError{Op: op, State: t.state.String()}
	}

	if err := t.ch.Dispatch(fn); err != nil {
		return broker.ChannelError{Op: op, Err: err}
	}

	t.state = to
	t.metrics.Tx(result)

	return nil
}
