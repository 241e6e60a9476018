// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package broker

import (
	"context"
	"fmt"
	"time"
)

// AcknowledgeError is returned when the broker rejected or failed an ack.
// The delivery is neither fully handled nor requeued by this layer.
type AcknowledgeError struct {
	DeliveryTag uint64
	Err         error
}

// PublishCancelledError is returned when a publish failed synchronously or its
// pending confirmation was cancelled before the broker answered.
type PublishCancelledError struct {
	SeqNo uint64
	Err   error
}

// TimeoutError is returned when a bounded consume wait exceeded its deadline.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

// TimeoutCancelledError is returned when an RPC call did not receive its reply in time.
// The reply slot and the transient consumer are gone when it is returned.
type TimeoutCancelledError struct {
	CorrelationID string
	Timeout       time.Duration
}

// ConsumerCancelledError is returned by every pull on a consumer that was cancelled,
// either by the broker (queue deleted, for example) or by the caller.
type ConsumerCancelledError struct {
	ConsumerTag string
	ByBroker    bool
}

// TransactionStateError signals a commit or rollback issued in a state that does not
// allow it, or a transaction opened while another one is running on the channel.
type TransactionStateError struct {
	Op    string
	State string
}

// DuplicateKeyError signals that a key was registered while a previous registration
// of the same key was still live. It is a programming error.
type DuplicateKeyError struct {
	Key string
}

// ChannelError wraps a protocol failure of a channel operation.
type ChannelError struct {
	Op  string
	Err error
}

// ChannelClosedError is used to resolve operations still pending when the channel shut down.
type ChannelClosedError struct {
	Err error
}

func (e AcknowledgeError) Error() string {
	return fmt.Sprintf("can't ack a message with delivery tag %d: %v", e.DeliveryTag, e.Err)
}

func (e AcknowledgeError) Unwrap() error {
	return e.Err
}

func (e PublishCancelledError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("publish %d cancelled", e.SeqNo)
	}

	return fmt.Sprintf("publish %d cancelled: %v", e.SeqNo, e.Err)
}

func (e PublishCancelledError) Unwrap() error {
	return e.Err
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// Unwrap lets errors.Is(err, context.DeadlineExceeded) match.
func (TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// Timeout reports true, as net.Error does.
func (TimeoutError) Timeout() bool {
	return true
}

func (e TimeoutCancelledError) Error() string {
	return fmt.Sprintf("call %s timed out after %s", e.CorrelationID, e.Timeout)
}

// Unwrap lets errors.Is(err, context.DeadlineExceeded) match.
func (TimeoutCancelledError) Unwrap() error {
	return context.DeadlineExceeded
}

// Timeout reports true, as net.Error does.
func (TimeoutCancelledError) Timeout() bool {
	return true
}

func (e ConsumerCancelledError) Error() string {
	if e.ByBroker {
		return fmt.Sprintf("consumer %s has been cancelled by the broker", e.ConsumerTag)
	}

	return fmt.Sprintf("consumer %s has been cancelled", e.ConsumerTag)
}

func (e TransactionStateError) Error() string {
	return fmt.Sprintf("can't %s transaction in state %s", e.Op, e.State)
}

func (e DuplicateKeyError) Error() string {
	return fmt.Sprintf("key %s is already registered", e.Key)
}

func (e ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e ChannelError) Unwrap() error {
	return e.Err
}

func (e ChannelClosedError) Error() string {
	if e.Err == nil {
		return "channel closed"
	}

	return fmt.Sprintf("channel closed: %v", e.Err)
}

func (e ChannelClosedError) Unwrap() error {
	return e.Err
}

// NackError is returned by a batch publish when the broker nacked some of its messages.
// Indexes refer to the input order of the batch.
type NackError struct {
	Indexes []int
}

func (e NackError) Error() string {
	return fmt.Sprintf("broker nacked %d message(s) at %v", len(e.Indexes), e.Indexes)
}

// RejectError is returned by a Handler to have its delivery rejected without requeue
// instead of left unacknowledged. The broker dead-letters or drops it.
type RejectError struct {
	Err error
}

func (e RejectError) Error() string {
	return fmt.Sprintf("delivery rejected: %v", e.Err)
}

func (e RejectError) Unwrap() error {
	return e.Err
}
