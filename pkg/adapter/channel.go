// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/GwynCerbin/whiterabbit/pkg/broker"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// confirmBuffer is how many confirms may queue up while listeners run.
const confirmBuffer = 256

// Channel is an AMQP channel behind the broker.Channel contract. Writes are
// serialized by Dispatch; confirms, deliveries and shutdown are relayed to
// listeners from goroutines owned by the channel.
type Channel struct {
	// rabChan is the underlying AMQP channel.
	rabChan *amqp091.Channel
	// cfg supplies the defaults of outbound messages.
	cfg PublisherConfig
	// write is held for the whole of a Dispatch.
	write sync.Mutex

	mute      sync.Mutex
	onConfirm []broker.ConfirmListener
	onClose   []func(error)
	// relaying is set once the confirm relay runs.
	relaying bool
	// cancelled holds consumer tags cancelled by the client, whose stream end is
	// not reported as a broker cancel.
	cancelled sync.Map

	logger *zap.Logger
}

func newChannel(rabChan *amqp091.Channel, cfg PublisherConfig, logger *zap.Logger) *Channel {
	c := &Channel{
		rabChan: rabChan,
		cfg:     cfg,
		logger:  logger,
	}

	go c.watchClose(rabChan.NotifyClose(make(chan *amqp091.Error, 1)))

	return c
}

// Dispatch implements broker.Channel.
func (c *Channel) Dispatch(fn func(w broker.Writer) error) error {
	c.write.Lock()
	defer c.write.Unlock()

	return fn(writer{c})
}

// NotifyConfirm implements broker.Channel. amqp091 hands out one confirmation per
// publish, so listeners are never called with multiple set.
func (c *Channel) NotifyConfirm(listener broker.ConfirmListener) {
	c.mute.Lock()
	defer c.mute.Unlock()

	c.onConfirm = append(c.onConfirm, listener)

	if !c.relaying {
		c.relaying = true
		go c.relayConfirms(c.rabChan.NotifyPublish(make(chan amqp091.Confirmation, confirmBuffer)))
	}
}

// NotifyClose implements broker.Channel.
func (c *Channel) NotifyClose(listener func(err error)) {
	c.mute.Lock()
	defer c.mute.Unlock()

	c.onClose = append(c.onClose, listener)
}

// Close closes the AMQP channel. Close listeners run with a nil error.
func (c *Channel) Close() error {
	if err := c.rabChan.Close(); err != nil {
		return fmt.Errorf("close channel: %w", err)
	}

	return nil
}

func (c *Channel) relayConfirms(confirms <-chan amqp091.Confirmation) {
	for conf := range confirms {
		c.mute.Lock()
		listeners := c.onConfirm
		c.mute.Unlock()

		for _, l := range listeners {
			l(conf.DeliveryTag, conf.Ack, false)
		}
	}
}

func (c *Channel) watchClose(closes <-chan *amqp091.Error) {
	var err error
	if amqpErr, ok := <-closes; ok && amqpErr != nil {
		err = amqpErr
		c.logger.Warn("channel closed by broker", zap.Error(amqpErr))
	}

	c.mute.Lock()
	listeners := c.onClose
	c.mute.Unlock()

	for _, l := range listeners {
		l(err)
	}
}

func (c *Channel) relayDeliveries(tag string, deliveries <-chan amqp091.Delivery, callbacks broker.ConsumeCallbacks) {
	for d := range deliveries {
		callbacks.OnDelivery(tag, delivery(d))
	}

	if _, ok := c.cancelled.LoadAndDelete(tag); ok || c.rabChan.IsClosed() {
		return
	}

	c.logger.Debug("consumer cancelled by broker", zap.String("consumer_tag", tag))

	if callbacks.OnCancel != nil {
		callbacks.OnCancel(tag)
	}
}

// writer is the broker.Writer handed out inside Dispatch.
type writer struct {
	c *Channel
}

func (w writer) NextPublishSeqNo() uint64 {
	return w.c.rabChan.GetNextPublishSeqNo()
}

func (w writer) Publish(ctx context.Context, msg broker.OutboundMessage) error {
	return w.c.rabChan.PublishWithContext(ctx, msg.Exchange, msg.RoutingKey, false, false, publishing(w.c.cfg, msg))
}

func (w writer) Consume(queue, consumerTag string, autoAck bool, callbacks broker.ConsumeCallbacks) (string, error) {
	if consumerTag == "" {
		consumerTag = "ctag-" + uuid.NewString()
	}

	deliveries, err := w.c.rabChan.Consume(queue, consumerTag, autoAck, false, false, false, nil)
	if err != nil {
		return "", err
	}

	go w.c.relayDeliveries(consumerTag, deliveries, callbacks)

	return consumerTag, nil
}

func (w writer) Ack(deliveryTag uint64, multiple bool) error {
	return w.c.rabChan.Ack(deliveryTag, multiple)
}

func (w writer) Nack(deliveryTag uint64, multiple, requeue bool) error {
	return w.c.rabChan.Nack(deliveryTag, multiple, requeue)
}

func (w writer) Cancel(consumerTag string) error {
	w.c.cancelled.Store(consumerTag, struct{}{})

	if err := w.c.rabChan.Cancel(consumerTag, false); err != nil {
		w.c.cancelled.Delete(consumerTag)
		return err
	}

	return nil
}

func (w writer) Qos(prefetchCount int) error {
	return w.c.rabChan.Qos(prefetchCount, 0, false)
}

func (w writer) Confirm() error {
	return w.c.rabChan.Confirm(false)
}

func (w writer) Tx() error {
	return w.c.rabChan.Tx()
}

func (w writer) TxCommit() error {
	return w.c.rabChan.TxCommit()
}

func (w writer) TxRollback() error {
	return w.c.rabChan.TxRollback()
}
