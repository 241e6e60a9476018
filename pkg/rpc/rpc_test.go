// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/GwynCerbin/whiterabbit/internal/brokertest"
	"github.com/GwynCerbin/whiterabbit/pkg/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	requestQueue = "rpc_request"
	replyQueue   = "rpc_reply"

	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func hello(_ context.Context, d broker.Delivery) ([]byte, error) {
	return []byte("Hello, " + string(d.Body)), nil
}

func setup(t *testing.T) (*brokertest.Broker, *brokertest.Channel, *Client) {
	t.Helper()

	b := brokertest.NewBroker()
	b.DeclareQueue(requestQueue)
	b.DeclareQueue(replyQueue)

	ch := b.NewChannel()
	t.Cleanup(func() { ch.Close(nil) })

	return b, ch, NewClient(ch)
}

func serve(t *testing.T, b *brokertest.Broker, handler HandlerFunc) *brokertest.Channel {
	t.Helper()

	ch := b.NewChannel()

	srv, err := NewServer(ch, requestQueue, handler)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		ch.Close(nil)
	})

	return ch
}

func request(body string) broker.OutboundMessage {
	return broker.OutboundMessage{Body: []byte(body)}
}

func TestCallRoundTrip(t *testing.T) {
	b, ch, client := setup(t)
	serve(t, b, hello)

	reply, err := client.CallWithTimeout(context.Background(), "", requestQueue, replyQueue, request("rabbit"), waitFor)
	require.NoError(t, err)

	assert.Equal(t, "Hello, rabbit", string(reply.Body))
	assert.NotEmpty(t, reply.CorrelationID())
	assert.Equal(t, 0, client.Pending())

	require.Eventually(t, func() bool { return ch.Consumers() == 0 }, waitFor, tick)
	assert.Equal(t, 0, ch.Unacked())
	assert.Equal(t, 0, b.QueueDepth(replyQueue))

	published := ch.Published()
	require.Len(t, published, 1)
	assert.Equal(t, requestQueue, published[0].RoutingKey)
	assert.Equal(t, replyQueue, published[0].Properties.ReplyTo)
	assert.Equal(t, reply.CorrelationID(), published[0].Properties.CorrelationID)
}

func TestConcurrentCallsGetOwnReplies(t *testing.T) {
	const calls = 10

	b, _, client := setup(t)
	serve(t, b, hello)

	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()

			body := fmt.Sprintf("caller-%d", i)

			reply, err := client.CallWithTimeout(context.Background(), "", requestQueue, replyQueue, request(body), 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, "Hello, "+body, string(reply.Body))
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, client.Pending())
}

func TestCallDropsOrphanReply(t *testing.T) {
	b, ch, client := setup(t)
	serve(t, b, hello)

	b.Enqueue(replyQueue, broker.OutboundMessage{
		Properties: broker.Properties{CorrelationID: "someone-else"},
		Body:       []byte("not yours"),
	})

	reply, err := client.CallWithTimeout(context.Background(), "", requestQueue, replyQueue, request("me"), waitFor)
	require.NoError(t, err)
	assert.Equal(t, "Hello, me", string(reply.Body))

	require.Eventually(t, func() bool {
		return ch.Consumers() == 0 && ch.Unacked() == 0 && b.QueueDepth(replyQueue) == 0
	}, waitFor, tick)
}

func TestLateReplyDoesNotDisturbNextCall(t *testing.T) {
	b, ch, client := setup(t)

	_, err := client.CallWithTimeout(context.Background(), "", requestQueue, replyQueue, request("first"), 30*time.Millisecond)

	var timeout broker.TimeoutCancelledError
	require.ErrorAs(t, err, &timeout)

	type result struct {
		reply broker.Delivery
		err   error
	}
	results := make(chan result, 1)
	go func() {
		reply, err := client.CallWithTimeout(context.Background(), "", requestQueue, replyQueue, request("second"), waitFor)
		results <- result{reply: reply, err: err}
	}()

	require.Eventually(t, func() bool { return ch.Consumers() == 1 }, waitFor, tick)

	published := ch.Published()
	require.Len(t, published, 2)
	assert.Equal(t, timeout.CorrelationID, published[0].Properties.CorrelationID)
	second := published[1].Properties.CorrelationID

	b.Enqueue(replyQueue, broker.OutboundMessage{
		Properties: broker.Properties{CorrelationID: timeout.CorrelationID},
		Body:       []byte("too late"),
	})

	require.Eventually(t, func() bool {
		return b.QueueDepth(replyQueue) == 0 && ch.Unacked() == 0
	}, waitFor, tick)
	assert.Equal(t, 1, client.Pending())

	b.Enqueue(replyQueue, broker.OutboundMessage{
		Properties: broker.Properties{CorrelationID: second},
		Body:       []byte("in time"),
	})

	select {
	case r := <-results:
		require.NoError(t, r.err)
		assert.Equal(t, "in time", string(r.reply.Body))
		assert.Equal(t, second, r.reply.CorrelationID())
	case <-time.After(waitFor):
		t.Fatal("call did not get its reply")
	}
	assert.Equal(t, 0, client.Pending())
}

func TestCallWithTimeout(t *testing.T) {
	b, ch, client := setup(t)

	_, err := client.CallWithTimeout(context.Background(), "", requestQueue, replyQueue, request("nobody"), 30*time.Millisecond)

	var timeout broker.TimeoutCancelledError
	require.ErrorAs(t, err, &timeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotEmpty(t, timeout.CorrelationID)
	assert.Equal(t, 0, client.Pending())
	assert.Equal(t, 0, ch.Consumers())

	// The request itself was published and is still waiting for a server.
	assert.Equal(t, 1, b.QueueDepth(requestQueue))
}

func TestCallCancelled(t *testing.T) {
	_, ch, client := setup(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return ch.Consumers() == 1 }, waitFor, tick)
		cancel()
	}()

	_, err := client.Call(ctx, "", requestQueue, replyQueue, request("x"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, client.Pending())
	assert.Equal(t, 0, ch.Consumers())
}

func TestCallPublishFails(t *testing.T) {
	_, ch, client := setup(t)
	ch.Fail("publish", io.ErrClosedPipe)

	_, err := client.Call(context.Background(), "", requestQueue, replyQueue, request("x"))

	var cancelled broker.PublishCancelledError
	require.ErrorAs(t, err, &cancelled)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Equal(t, 0, client.Pending())
	assert.Equal(t, 0, ch.Consumers())
}

func TestCallReplyConsumerCancelledByBroker(t *testing.T) {
	b, ch, client := setup(t)

	errs := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "", requestQueue, replyQueue, request("x"))
		errs <- err
	}()

	require.Eventually(t, func() bool { return ch.Consumers() == 1 }, waitFor, tick)
	b.DeleteQueue(replyQueue)

	select {
	case err := <-errs:
		var cancelled broker.ConsumerCancelledError
		require.ErrorAs(t, err, &cancelled)
		assert.True(t, cancelled.ByBroker)
	case <-time.After(waitFor):
		t.Fatal("call did not fail")
	}
}

func TestCallChannelClosed(t *testing.T) {
	_, ch, client := setup(t)

	errs := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "", requestQueue, replyQueue, request("x"))
		errs <- err
	}()

	require.Eventually(t, func() bool { return ch.Consumers() == 1 }, waitFor, tick)
	ch.Close(io.ErrUnexpectedEOF)

	select {
	case err := <-errs:
		assert.ErrorAs(t, err, new(broker.ChannelClosedError))
	case <-time.After(waitFor):
		t.Fatal("call did not fail")
	}
}

func TestServerRejectsFailedRequest(t *testing.T) {
	b, _, client := setup(t)
	srvCh := serve(t, b, func(context.Context, broker.Delivery) ([]byte, error) {
		return nil, errors.New("no")
	})

	_, err := client.CallWithTimeout(context.Background(), "", requestQueue, replyQueue, request("x"), 50*time.Millisecond)
	assert.ErrorAs(t, err, new(broker.TimeoutCancelledError))

	require.Eventually(t, func() bool { return srvCh.Unacked() == 0 }, waitFor, tick)
	assert.Equal(t, 0, b.QueueDepth(requestQueue))
}

func TestServerAcksRequestWithoutReplyTo(t *testing.T) {
	b := brokertest.NewBroker()
	b.DeclareQueue(requestQueue)

	ch := b.NewChannel()
	t.Cleanup(func() { ch.Close(nil) })

	srv, err := NewServer(ch, requestQueue, hello)
	require.NoError(t, err)

	b.Enqueue(requestQueue, request("fire and forget"))

	require.NoError(t, srv.ServeOne(context.Background()))
	assert.Equal(t, 0, ch.Unacked())
	assert.Empty(t, ch.Published())

	require.NoError(t, srv.Close())
	assert.ErrorAs(t, srv.Serve(context.Background()), new(broker.ConsumerCancelledError))
}

type failingQueues struct{}

func (failingQueues) DeclareTemporaryQueue() (string, error) { return "", io.ErrClosedPipe }

func (failingQueues) DeleteQueue(string) error { return nil }

func TestCallWithTemporaryReply(t *testing.T) {
	b, ch, client := setup(t)
	serve(t, b, hello)

	reply, err := client.CallWithTemporaryReply(context.Background(), b, "", requestQueue, request("temp"), waitFor)
	require.NoError(t, err)
	assert.Equal(t, "Hello, temp", string(reply.Body))

	published := ch.Published()
	require.Len(t, published, 1)

	replyTo := published[0].Properties.ReplyTo
	assert.NotEqual(t, replyQueue, replyTo)
	assert.False(t, b.HasQueue(replyTo))
	assert.Equal(t, 0, client.Pending())
}

func TestCallWithTemporaryReplyDeletesQueueOnTimeout(t *testing.T) {
	b, ch, client := setup(t)

	_, err := client.CallWithTemporaryReply(context.Background(), b, "", requestQueue, request("nobody"), 30*time.Millisecond)
	assert.ErrorAs(t, err, new(broker.TimeoutCancelledError))

	published := ch.Published()
	require.Len(t, published, 1)
	assert.False(t, b.HasQueue(published[0].Properties.ReplyTo))
	assert.Equal(t, 0, ch.Consumers())
}

func TestCallWithTemporaryReplyDeclareFails(t *testing.T) {
	_, ch, client := setup(t)

	_, err := client.CallWithTemporaryReply(context.Background(), failingQueues{}, "", requestQueue, request("x"), waitFor)

	var chErr broker.ChannelError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, "declare", chErr.Op)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Empty(t, ch.Published())
}
