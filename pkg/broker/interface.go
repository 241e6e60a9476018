// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package broker

import (
	"context"
	"time"
)

// Channel is a single-writer logical path to the broker. Implementations own the
// underlying protocol channel and deliver confirm, delivery and cancel callbacks on
// their own goroutines.
type Channel interface {
	// Dispatch runs fn with exclusive write access to the channel. Every write issued
	// against the channel must happen inside fn; the Writer must not escape it.
	// The error returned by fn is returned unchanged.
	Dispatch(fn func(w Writer) error) error

	// NotifyConfirm registers a listener for publisher confirms. The listener is
	// invoked in the order the broker sent the confirms.
	NotifyConfirm(listener ConfirmListener)

	// NotifyClose registers a listener invoked once when the channel shuts down.
	NotifyClose(listener func(err error))
}

// ConfirmListener receives a publisher confirm for tag. When multiple is true the
// confirm covers every outstanding tag up to and including tag.
type ConfirmListener func(tag uint64, ack, multiple bool)

// ConsumeCallbacks are invoked on the channel's delivery goroutine. OnDelivery may
// block; doing so throttles delivery for that consumer.
type ConsumeCallbacks struct {
	OnDelivery func(consumerTag string, delivery Delivery)
	OnCancel   func(consumerTag string)
}

// Writer is the set of protocol calls that require exclusive access to the channel.
type Writer interface {
	// NextPublishSeqNo returns the sequence number the next publish will be assigned.
	NextPublishSeqNo() uint64
	Publish(ctx context.Context, msg OutboundMessage) error
	// Consume starts a consumer and returns its tag. An empty consumerTag lets the
	// implementation generate one.
	Consume(queue, consumerTag string, autoAck bool, callbacks ConsumeCallbacks) (string, error)
	Ack(deliveryTag uint64, multiple bool) error
	Nack(deliveryTag uint64, multiple, requeue bool) error
	Cancel(consumerTag string) error
	Qos(prefetchCount int) error
	Confirm() error
	Tx() error
	TxCommit() error
	TxRollback() error
}

// Publisher defines publishing with broker confirmation.
type Publisher interface {
	// PublishWithConfirm publishes msg and waits for the broker to ack or nack it.
	PublishWithConfirm(ctx context.Context, msg OutboundMessage) (bool, error)

	// Pending returns the number of publishes still waiting for a confirm.
	Pending() int
}

// Handler processes a single delivery. Returning an error leaves the delivery
// unacknowledged, unless the error is a RejectError: then the delivery is rejected
// without requeue.
type Handler func(ctx context.Context, delivery Delivery) error

// Consumer defines pull-based consumption with acknowledge-after-handling.
type Consumer interface {
	// ConsumeOne pulls the next delivery, runs handler and acknowledges the delivery
	// once handler has returned nil.
	ConsumeOne(ctx context.Context, handler Handler) error

	// ConsumeOneWithTimeout is ConsumeOne with the wait for a delivery bounded by timeout.
	ConsumeOneWithTimeout(ctx context.Context, handler Handler, timeout time.Duration) error

	// Cancel stops the consumer on the broker and fails pending pulls. It is idempotent.
	Cancel() error
}
