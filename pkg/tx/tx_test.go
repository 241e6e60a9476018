// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package tx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/GwynCerbin/whiterabbit/internal/brokertest"
	"github.com/GwynCerbin/whiterabbit/pkg/broker"
	"github.com/GwynCerbin/whiterabbit/pkg/consumer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const queue = "tx_queue"

func newTxChannel(t *testing.T, opts ...Option) (*brokertest.Broker, *brokertest.Channel, *Channel) {
	t.Helper()

	b := brokertest.NewBroker()
	b.DeclareQueue(queue)

	ch := b.NewChannel()
	t.Cleanup(func() { ch.Close(nil) })

	return b, ch, NewChannel(ch, opts...)
}

func publishN(ctx context.Context, tx *Transaction, n int) error {
	for i := range n {
		if err := tx.Publish(ctx, broker.OutboundMessage{RoutingKey: queue, Body: []byte(fmt.Sprint(i))}); err != nil {
			return err
		}
	}

	return nil
}

func TestTransactionCommitsOnReturn(t *testing.T) {
	b, _, c := newTxChannel(t)

	err := c.Transaction(context.Background(), func(ctx context.Context, tx *Transaction) error {
		if err := publishN(ctx, tx, 3); err != nil {
			return err
		}
		assert.Equal(t, 0, b.QueueDepth(queue), "publishes must not be visible before commit")

		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, b.QueueDepth(queue))
}

func TestTransactionRollsBackOnError(t *testing.T) {
	b, _, c := newTxChannel(t)

	blockErr := errors.New("block failed")

	err := c.Transaction(context.Background(), func(ctx context.Context, tx *Transaction) error {
		if err := publishN(ctx, tx, 3); err != nil {
			return err
		}

		return blockErr
	})
	assert.Equal(t, blockErr, err)
	assert.Equal(t, 0, b.QueueDepth(queue))
}

func TestTransactionRollsBackOnPanic(t *testing.T) {
	b, _, c := newTxChannel(t)

	assert.PanicsWithValue(t, "boom", func() {
		_ = c.Transaction(context.Background(), func(ctx context.Context, tx *Transaction) error {
			require.NoError(t, publishN(ctx, tx, 2))
			panic("boom")
		})
	})
	assert.Equal(t, 0, b.QueueDepth(queue))

	// The channel is usable again after the panic.
	require.NoError(t, c.Transaction(context.Background(), func(ctx context.Context, tx *Transaction) error {
		return publishN(ctx, tx, 1)
	}))
	assert.Equal(t, 1, b.QueueDepth(queue))
}

func TestTransactionExplicitRollback(t *testing.T) {
	b, _, c := newTxChannel(t)

	var handle *Transaction

	err := c.Transaction(context.Background(), func(ctx context.Context, tx *Transaction) error {
		handle = tx
		if err := publishN(ctx, tx, 4); err != nil {
			return err
		}

		return tx.Rollback()
	})
	require.NoError(t, err)
	assert.Equal(t, 0, b.QueueDepth(queue))
	assert.Equal(t, RolledBack, handle.State())
}

func TestTransactionExplicitCommitTwice(t *testing.T) {
	b, _, c := newTxChannel(t)

	err := c.Transaction(context.Background(), func(ctx context.Context, tx *Transaction) error {
		if err := publishN(ctx, tx, 1); err != nil {
			return err
		}
		require.NoError(t, tx.Commit())

		var stateErr broker.TransactionStateError
		require.ErrorAs(t, tx.Commit(), &stateErr)
		assert.Equal(t, "commit", stateErr.Op)
		assert.Equal(t, "committed", stateErr.State)

		assert.ErrorAs(t, tx.Rollback(), &stateErr)
		assert.ErrorAs(t, tx.Publish(ctx, broker.OutboundMessage{RoutingKey: queue}), &stateErr)

		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, b.QueueDepth(queue))
}

func TestTransactionErrorAfterExplicitCommitKeepsCommit(t *testing.T) {
	b, _, c := newTxChannel(t)

	blockErr := errors.New("after commit")

	err := c.Transaction(context.Background(), func(ctx context.Context, tx *Transaction) error {
		if err := publishN(ctx, tx, 2); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		return blockErr
	})
	assert.Equal(t, blockErr, err)
	assert.Equal(t, 2, b.QueueDepth(queue))
}

func TestSequentialTransactionsAccumulate(t *testing.T) {
	b, _, c := newTxChannel(t)

	for range 2 {
		require.NoError(t, c.Transaction(context.Background(), func(ctx context.Context, tx *Transaction) error {
			return publishN(ctx, tx, 3)
		}))
	}
	assert.Equal(t, 6, b.QueueDepth(queue))
}

func TestTransactionPublishThenConsumeAll(t *testing.T) {
	const n = 10

	b, ch, c := newTxChannel(t)

	require.NoError(t, c.Transaction(context.Background(), func(ctx context.Context, tx *Transaction) error {
		return publishN(ctx, tx, n)
	}))
	require.Equal(t, n, b.QueueDepth(queue))

	cons, err := c.Consumer(queue, consumer.WithPrefetch(n))
	require.NoError(t, err)

	seen := make(map[string]int)

	require.NoError(t, c.Transaction(context.Background(), func(ctx context.Context, tx *Transaction) error {
		for range n {
			if err := tx.ConsumeOne(ctx, cons, func(_ context.Context, d broker.Delivery) error {
				seen[string(d.Body)]++
				return nil
			}); err != nil {
				return err
			}
		}
		assert.Equal(t, n, ch.Unacked(), "acks must wait for commit")

		return nil
	}))

	assert.Equal(t, 0, b.QueueDepth(queue))
	assert.Equal(t, 0, ch.Unacked())
	require.Len(t, seen, n)
	for body, count := range seen {
		assert.Equal(t, 1, count, "message %s", body)
	}
}

func TestTransactionNestingRejected(t *testing.T) {
	_, _, c := newTxChannel(t)

	var nestedErr error

	err := c.Transaction(context.Background(), func(ctx context.Context, _ *Transaction) error {
		nestedErr = c.Transaction(ctx, func(context.Context, *Transaction) error { return nil })
		return nil
	})
	require.NoError(t, err)

	var stateErr broker.TransactionStateError
	require.ErrorAs(t, nestedErr, &stateErr)
	assert.Equal(t, "begin", stateErr.Op)
}

func TestTransactionRollbackFailureDoesNotMaskError(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)

	_, ch, c := newTxChannel(t, WithLogger(zap.New(core)))
	ch.Fail("rollback", io.ErrUnexpectedEOF)

	blockErr := errors.New("block failed")

	err := c.Transaction(context.Background(), func(context.Context, *Transaction) error {
		return blockErr
	})
	assert.Equal(t, blockErr, err)

	entries := logs.FilterMessage("rollback failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "tx", entries[0].LoggerName)
}

func TestTransactionCommitFailure(t *testing.T) {
	b, ch, c := newTxChannel(t)
	ch.Fail("commit", io.ErrClosedPipe)

	err := c.Transaction(context.Background(), func(ctx context.Context, tx *Transaction) error {
		return publishN(ctx, tx, 2)
	})

	var chErr broker.ChannelError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, "commit", chErr.Op)
	assert.Equal(t, 0, b.QueueDepth(queue))
}

func TestTransactionSelectFailure(t *testing.T) {
	_, ch, c := newTxChannel(t)
	ch.Fail("tx", io.EOF)

	called := false
	err := c.Transaction(context.Background(), func(context.Context, *Transaction) error {
		called = true
		return nil
	})

	var chErr broker.ChannelError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, "tx", chErr.Op)
	assert.False(t, called)
}
