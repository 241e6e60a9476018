// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package brokertest provides an in-memory broker.Channel for tests. It routes
// publishes on the default exchange to queues named by the routing key, tracks
// unacknowledged deliveries, honours prefetch, and makes publishes and acks of a
// transactional channel visible only on commit.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/GwynCerbin/whiterabbit/pkg/broker"
)

// ErrClosed is returned by every write on a closed channel.
var ErrClosed = errors.New("brokertest: channel closed")

// Broker holds the queues shared by all channels opened on it.
type Broker struct {
	mute       sync.Mutex
	queues     map[string]*queue
	ctags      int
	tempQueues int
}

type queue struct {
	name      string
	ready     []broker.Delivery
	consumers []*consumer
	next      int
}

type event struct {
	delivery broker.Delivery
	cancel   bool
}

type consumer struct {
	tag       string
	queue     *queue
	channel   *Channel
	callbacks broker.ConsumeCallbacks
	autoAck   bool
	prefetch  int
	unacked   int
	inbox     chan event
	stop      chan struct{}
	stopOnce  sync.Once
	// cancelled is closed by a client cancel: what is already in inbox is still
	// delivered, nothing new arrives.
	cancelled chan struct{}
}

type unacked struct {
	queue    *queue
	delivery broker.Delivery
	consumer *consumer
}

type confirmEvent struct {
	tag      uint64
	ack      bool
	multiple bool
}

// NewBroker returns an empty in-memory broker.
func NewBroker() *Broker {
	return &Broker{queues: make(map[string]*queue)}
}

// DeclareQueue creates the queue if it does not exist.
func (b *Broker) DeclareQueue(name string) {
	b.mute.Lock()
	defer b.mute.Unlock()

	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &queue{name: name}
	}
}

// DeclareTemporaryQueue creates a queue with a broker-chosen name and returns the name.
func (b *Broker) DeclareTemporaryQueue() (string, error) {
	b.mute.Lock()
	defer b.mute.Unlock()

	b.tempQueues++
	name := fmt.Sprintf("amq.gen-%d", b.tempQueues)
	b.queues[name] = &queue{name: name}

	return name, nil
}

// HasQueue reports whether the queue exists.
func (b *Broker) HasQueue(name string) bool {
	b.mute.Lock()
	defer b.mute.Unlock()

	_, ok := b.queues[name]

	return ok
}

// DeleteQueue removes the queue and cancels its consumers the way the broker does.
// Deleting a missing queue is not an error.
func (b *Broker) DeleteQueue(name string) error {
	b.mute.Lock()
	q, ok := b.queues[name]
	if !ok {
		b.mute.Unlock()
		return nil
	}
	delete(b.queues, name)
	consumers := q.consumers
	q.consumers = nil
	for _, c := range consumers {
		c.channel.detach(c)
	}
	b.mute.Unlock()

	for _, c := range consumers {
		c.inbox <- event{cancel: true}
	}

	return nil
}

// QueueDepth returns the number of messages ready for delivery in the queue.
func (b *Broker) QueueDepth(name string) int {
	b.mute.Lock()
	defer b.mute.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return 0
	}

	return len(q.ready)
}

// Enqueue places a message on a queue as if it was published and committed. The
// delivery carries msg.RoutingKey when set, as if it came through a binding.
func (b *Broker) Enqueue(name string, msg broker.OutboundMessage) {
	b.mute.Lock()
	defer b.mute.Unlock()

	b.route(broker.OutboundMessage{RoutingKey: name, Properties: msg.Properties, Body: msg.Body})

	if q, ok := b.queues[name]; ok && msg.RoutingKey != "" {
		q.ready[len(q.ready)-1].RoutingKey = msg.RoutingKey
	}

	b.pump()
}

// route must be called with b.mute held.
func (b *Broker) route(msg broker.OutboundMessage) {
	if msg.Exchange != "" {
		return
	}

	q, ok := b.queues[msg.RoutingKey]
	if !ok {
		return
	}

	q.ready = append(q.ready, broker.Delivery{
		Exchange:   msg.Exchange,
		RoutingKey: msg.RoutingKey,
		Properties: msg.Properties,
		Body:       append([]byte(nil), msg.Body...),
	})
}

// pump hands ready messages to consumers with spare prefetch, round-robin.
// It must be called with b.mute held.
func (b *Broker) pump() {
	for _, q := range b.queues {
		for len(q.ready) > 0 && len(q.consumers) > 0 {
			c := q.pick()
			if c == nil {
				break
			}

			d := q.ready[0]
			q.ready = q.ready[1:]

			ch := c.channel
			ch.deliveryTag++
			d.DeliveryTag = ch.deliveryTag
			d.ConsumerTag = c.tag

			if !c.autoAck {
				c.unacked++
				ch.unacked[d.DeliveryTag] = &unacked{queue: q, delivery: d, consumer: c}
			}

			c.inbox <- event{delivery: d}
		}
	}
}

func (q *queue) pick() *consumer {
	for i := range len(q.consumers) {
		c := q.consumers[(q.next+i)%len(q.consumers)]
		if c.prefetch > 0 && c.unacked >= c.prefetch {
			continue
		}
		if len(c.inbox) == cap(c.inbox) {
			continue
		}
		q.next = (q.next + i + 1) % len(q.consumers)

		return c
	}

	return nil
}

// Channel is an in-memory broker.Channel.
type Channel struct {
	broker *Broker

	// write serializes Dispatch.
	write sync.Mutex

	// The fields below are guarded by broker.mute.
	closed      bool
	confirming  bool
	transacting bool
	publishSeq  uint64
	deliveryTag uint64
	prefetch    int
	unacked     map[uint64]*unacked
	consumers   map[string]*consumer
	// draining holds consumers cancelled by the client whose inbox is still being delivered.
	draining    map[string]*consumer
	txPublishes []broker.OutboundMessage
	txAcks      []uint64
	published   []broker.OutboundMessage
	failures    map[string]error

	listeners sync.Mutex
	onConfirm []broker.ConfirmListener
	onClose   []func(error)

	confirms chan confirmEvent
	done     chan struct{}
	autoAck  bool
}

// NewChannel opens a channel on b.
func (b *Broker) NewChannel() *Channel {
	ch := &Channel{
		broker:    b,
		unacked:   make(map[uint64]*unacked),
		consumers: make(map[string]*consumer),
		draining:  make(map[string]*consumer),
		failures:  make(map[string]error),
		confirms:  make(chan confirmEvent, 4096),
		done:      make(chan struct{}),
	}

	go ch.relayConfirms()

	return ch
}

// AutoConfirm makes the channel ack every publish on its own once it is in confirm mode.
func (ch *Channel) AutoConfirm(enabled bool) {
	ch.broker.mute.Lock()
	defer ch.broker.mute.Unlock()

	ch.autoAck = enabled
}

// Fail makes the next call of op ("publish", "ack", "nack", "cancel", "consume",
// "commit", "rollback", "tx", "qos", "confirm") fail with err.
func (ch *Channel) Fail(op string, err error) {
	ch.broker.mute.Lock()
	defer ch.broker.mute.Unlock()

	ch.failures[op] = err
}

// SendConfirm emits a confirm from the broker side.
func (ch *Channel) SendConfirm(tag uint64, ack, multiple bool) {
	ch.confirms <- confirmEvent{tag: tag, ack: ack, multiple: multiple}
}

// CancelConsumer cancels a consumer from the broker side.
func (ch *Channel) CancelConsumer(tag string) {
	ch.broker.mute.Lock()
	c, ok := ch.consumers[tag]
	if ok {
		ch.detach(c)
	}
	ch.broker.mute.Unlock()

	if ok {
		c.inbox <- event{cancel: true}
	}
}

// Published returns the messages whose publish reached the broker, in order.
// Transactional publishes are included only after commit.
func (ch *Channel) Published() []broker.OutboundMessage {
	ch.broker.mute.Lock()
	defer ch.broker.mute.Unlock()

	return append([]broker.OutboundMessage(nil), ch.published...)
}

// Unacked returns the number of deliveries waiting for an ack on this channel.
func (ch *Channel) Unacked() int {
	ch.broker.mute.Lock()
	defer ch.broker.mute.Unlock()

	return len(ch.unacked)
}

// Consumers returns the number of live consumers on this channel.
func (ch *Channel) Consumers() int {
	ch.broker.mute.Lock()
	defer ch.broker.mute.Unlock()

	return len(ch.consumers)
}

// Close shuts the channel down: consumers stop, unacked deliveries are requeued and
// close listeners run with err.
func (ch *Channel) Close(err error) {
	ch.broker.mute.Lock()
	if ch.closed {
		ch.broker.mute.Unlock()
		return
	}
	ch.closed = true

	for _, c := range ch.consumers {
		ch.dropConsumer(c)
	}
	for _, c := range ch.draining {
		c.stopOnce.Do(func() { close(c.stop) })
	}
	for tag, u := range ch.unacked {
		ch.requeue(tag, u)
	}
	close(ch.done)
	ch.broker.pump()
	ch.broker.mute.Unlock()

	ch.listeners.Lock()
	onClose := append([]func(error)(nil), ch.onClose...)
	ch.listeners.Unlock()

	for _, l := range onClose {
		l(err)
	}
}

// Dispatch implements broker.Channel.
func (ch *Channel) Dispatch(fn func(w broker.Writer) error) error {
	ch.write.Lock()
	defer ch.write.Unlock()

	return fn(writer{ch})
}

// NotifyConfirm implements broker.Channel.
func (ch *Channel) NotifyConfirm(listener broker.ConfirmListener) {
	ch.listeners.Lock()
	defer ch.listeners.Unlock()

	ch.onConfirm = append(ch.onConfirm, listener)
}

// NotifyClose implements broker.Channel.
func (ch *Channel) NotifyClose(listener func(err error)) {
	ch.listeners.Lock()
	defer ch.listeners.Unlock()

	ch.onClose = append(ch.onClose, listener)
}

func (ch *Channel) relayConfirms() {
	for {
		select {
		case <-ch.done:
			return
		case ev := <-ch.confirms:
			ch.listeners.Lock()
			listeners := append([]broker.ConfirmListener(nil), ch.onConfirm...)
			ch.listeners.Unlock()

			for _, l := range listeners {
				l(ev.tag, ev.ack, ev.multiple)
			}
		}
	}
}

// dropConsumer detaches c and stops its delivery loop without a cancel
// notification. It must be called with broker.mute held.
func (ch *Channel) dropConsumer(c *consumer) {
	ch.detach(c)
	c.stopOnce.Do(func() { close(c.stop) })
}

// detach must be called with broker.mute held.
func (ch *Channel) detach(c *consumer) {
	delete(ch.consumers, c.tag)

	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if len(q.consumers) > 0 {
		q.next %= len(q.consumers)
	} else {
		q.next = 0
	}
}

// requeue must be called with broker.mute held.
func (ch *Channel) requeue(tag uint64, u *unacked) {
	delete(ch.unacked, tag)
	u.consumer.unacked--

	d := u.delivery
	d.Redelivered = true
	d.DeliveryTag = 0
	d.ConsumerTag = ""
	u.queue.ready = append([]broker.Delivery{d}, u.queue.ready...)
}

// failure must be called with broker.mute held.
func (ch *Channel) failure(op string) error {
	if ch.closed {
		return ErrClosed
	}

	err, ok := ch.failures[op]
	if !ok {
		return nil
	}
	delete(ch.failures, op)

	return err
}

func (c *consumer) run() {
	for {
		select {
		case <-c.stop:
			return
		case <-c.cancelled:
			c.flush()
			return
		case ev := <-c.inbox:
			if ev.cancel {
				if c.callbacks.OnCancel != nil {
					c.callbacks.OnCancel(c.tag)
				}
				return
			}
			c.callbacks.OnDelivery(c.tag, ev.delivery)
		}
	}
}

// flush hands out the deliveries pushed before a client cancel. They stay unacked
// until the client settles them or the channel closes.
func (c *consumer) flush() {
	defer func() {
		b := c.channel.broker
		b.mute.Lock()
		if c.channel.draining[c.tag] == c {
			delete(c.channel.draining, c.tag)
		}
		b.mute.Unlock()
	}()

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		select {
		case ev := <-c.inbox:
			if !ev.cancel {
				c.callbacks.OnDelivery(c.tag, ev.delivery)
			}
		default:
			return
		}
	}
}

// writer is the broker.Writer handed out inside Dispatch.
type writer struct {
	ch *Channel
}

func (w writer) NextPublishSeqNo() uint64 {
	w.ch.broker.mute.Lock()
	defer w.ch.broker.mute.Unlock()

	return w.ch.publishSeq + 1
}

func (w writer) Publish(_ context.Context, msg broker.OutboundMessage) error {
	ch := w.ch
	b := ch.broker

	b.mute.Lock()
	defer b.mute.Unlock()

	var tag uint64
	if ch.confirming {
		ch.publishSeq++
		tag = ch.publishSeq
	}

	if err := ch.failure("publish"); err != nil {
		return err
	}

	if ch.transacting {
		ch.txPublishes = append(ch.txPublishes, msg)
		return nil
	}

	ch.published = append(ch.published, msg)
	b.route(msg)
	b.pump()

	if ch.confirming && ch.autoAck {
		ch.confirms <- confirmEvent{tag: tag, ack: true}
	}

	return nil
}

func (w writer) Consume(queueName, consumerTag string, autoAck bool, callbacks broker.ConsumeCallbacks) (string, error) {
	ch := w.ch
	b := ch.broker

	b.mute.Lock()
	defer b.mute.Unlock()

	if err := ch.failure("consume"); err != nil {
		return "", err
	}

	q, ok := b.queues[queueName]
	if !ok {
		return "", fmt.Errorf("brokertest: no queue %q", queueName)
	}

	if consumerTag == "" {
		b.ctags++
		consumerTag = fmt.Sprintf("ctag-%d", b.ctags)
	}
	if _, ok := ch.consumers[consumerTag]; ok {
		return "", fmt.Errorf("brokertest: consumer tag %q in use", consumerTag)
	}

	c := &consumer{
		tag:       consumerTag,
		queue:     q,
		channel:   ch,
		callbacks: callbacks,
		autoAck:   autoAck,
		prefetch:  ch.prefetch,
		inbox:     make(chan event, 1024),
		stop:      make(chan struct{}),
		cancelled: make(chan struct{}),
	}

	ch.consumers[consumerTag] = c
	q.consumers = append(q.consumers, c)

	go c.run()

	b.pump()

	return consumerTag, nil
}

func (w writer) Ack(deliveryTag uint64, multiple bool) error {
	ch := w.ch
	b := ch.broker

	b.mute.Lock()
	defer b.mute.Unlock()

	if err := ch.failure("ack"); err != nil {
		return err
	}

	tags := ch.tagsUpTo(deliveryTag, multiple)
	if len(tags) == 0 {
		return fmt.Errorf("brokertest: unknown delivery tag %d", deliveryTag)
	}

	if ch.transacting {
		ch.txAcks = append(ch.txAcks, tags...)
		return nil
	}

	ch.settle(tags)
	b.pump()

	return nil
}

func (w writer) Nack(deliveryTag uint64, multiple, requeue bool) error {
	ch := w.ch
	b := ch.broker

	b.mute.Lock()
	defer b.mute.Unlock()

	if err := ch.failure("nack"); err != nil {
		return err
	}

	tags := ch.tagsUpTo(deliveryTag, multiple)
	if len(tags) == 0 {
		return fmt.Errorf("brokertest: unknown delivery tag %d", deliveryTag)
	}

	for _, tag := range tags {
		if requeue {
			ch.requeue(tag, ch.unacked[tag])
			continue
		}
		ch.settle([]uint64{tag})
	}
	b.pump()

	return nil
}

func (w writer) Cancel(consumerTag string) error {
	ch := w.ch
	b := ch.broker

	b.mute.Lock()
	defer b.mute.Unlock()

	if err := ch.failure("cancel"); err != nil {
		return err
	}

	c, ok := ch.consumers[consumerTag]
	if !ok {
		return nil
	}

	// Like the real broker, deliveries already pushed are neither recalled nor requeued.
	ch.detach(c)
	ch.draining[c.tag] = c
	close(c.cancelled)
	b.pump()

	return nil
}

func (w writer) Qos(prefetchCount int) error {
	w.ch.broker.mute.Lock()
	defer w.ch.broker.mute.Unlock()

	if err := w.ch.failure("qos"); err != nil {
		return err
	}

	w.ch.prefetch = prefetchCount

	return nil
}

func (w writer) Confirm() error {
	w.ch.broker.mute.Lock()
	defer w.ch.broker.mute.Unlock()

	if err := w.ch.failure("confirm"); err != nil {
		return err
	}
	if w.ch.transacting {
		return errors.New("brokertest: channel is transactional")
	}

	w.ch.confirming = true

	return nil
}

func (w writer) Tx() error {
	w.ch.broker.mute.Lock()
	defer w.ch.broker.mute.Unlock()

	if err := w.ch.failure("tx"); err != nil {
		return err
	}
	if w.ch.confirming {
		return errors.New("brokertest: channel is in confirm mode")
	}

	w.ch.transacting = true

	return nil
}

func (w writer) TxCommit() error {
	ch := w.ch
	b := ch.broker

	b.mute.Lock()
	defer b.mute.Unlock()

	if err := ch.failure("commit"); err != nil {
		return err
	}
	if !ch.transacting {
		return errors.New("brokertest: channel is not transactional")
	}

	for _, msg := range ch.txPublishes {
		ch.published = append(ch.published, msg)
		b.route(msg)
	}
	ch.settle(ch.txAcks)
	ch.txPublishes, ch.txAcks = nil, nil
	b.pump()

	return nil
}

func (w writer) TxRollback() error {
	ch := w.ch

	ch.broker.mute.Lock()
	defer ch.broker.mute.Unlock()

	if err := ch.failure("rollback"); err != nil {
		return err
	}
	if !ch.transacting {
		return errors.New("brokertest: channel is not transactional")
	}

	ch.txPublishes, ch.txAcks = nil, nil

	return nil
}

// tagsUpTo must be called with broker.mute held.
func (ch *Channel) tagsUpTo(deliveryTag uint64, multiple bool) []uint64 {
	if !multiple {
		if _, ok := ch.unacked[deliveryTag]; !ok {
			return nil
		}
		return []uint64{deliveryTag}
	}

	var tags []uint64
	for tag := range ch.unacked {
		if tag <= deliveryTag {
			tags = append(tags, tag)
		}
	}

	return tags
}

// settle must be called with broker.mute held.
func (ch *Channel) settle(tags []uint64) {
	for _, tag := range tags {
		u, ok := ch.unacked[tag]
		if !ok {
			continue
		}
		delete(ch.unacked, tag)
		u.consumer.unacked--
	}
}
