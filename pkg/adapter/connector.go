// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/GwynCerbin/whiterabbit/pkg/consumer"
	"github.com/GwynCerbin/whiterabbit/pkg/metrics"
	"github.com/GwynCerbin/whiterabbit/pkg/publisher"
	"github.com/GwynCerbin/whiterabbit/pkg/rpc"
	"github.com/GwynCerbin/whiterabbit/pkg/tx"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Con encapsulates a RabbitMQ connection and hands out channels and the components
// built on them. Pending operations live as long as their channel, so a lost
// connection fails them instead of carrying them over to a new one.
type Con struct {
	// connection holds the active AMQP connection.
	connection *amqp091.Connection
	// url is the target URI the connection was dialed with.
	url *url.URL
	// mute guards closed.
	mute   sync.RWMutex
	closed bool

	logger  *zap.Logger
	metrics *metrics.Metrics
}

var _ rpc.QueueManager = (*Con)(nil)

// Option configures a Con.
type Option func(*Con)

// WithLogger sets the logger shared by the connection and every component it creates.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Con) {
		c.logger = logger
	}
}

// WithMetrics makes every component created by the connection record into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Con) {
		c.metrics = m
	}
}

// Dial establishes an AMQP connection using the provided client configuration.
// It returns a Con instance ready to declare exchanges, queues, and create components.
func Dial(cfg *Client, opts ...Option) (*Con, error) {
	if cfg == nil || cfg.Host == "" {
		return nil, ConConfEmptyError{}
	}

	var (
		clientCfg = amqp091.Config{
			SASL: []amqp091.Authentication{
				&amqp091.PlainAuth{Username: cfg.Username, Password: cfg.Password},
			},
			Vhost:      cfg.VHost,
			Properties: cfg.Properties,
			Heartbeat:  cfg.TcpHeartBeat,
		}
		uri = &url.URL{
			Scheme: "amqp",
			Host:   cfg.Host,
		}
	)

	c := &Con{
		url:    uri,
		logger: zap.NewNop(),
	}

	if cfg.Logging {
		logger, err := zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("create logger: %w", err)
		}
		c.logger = logger
	}

	for _, opt := range opts {
		opt(c)
	}

	mimetype.SetLimit(mimeReadLimit)

	con, err := amqp091.DialConfig(uri.String(), clientCfg)
	if err != nil {
		return nil, fmt.Errorf("dial amqp091: %w", err)
	}

	c.connection = con
	c.logger = c.logger.With(zap.String("host", uri.Host))

	return c, nil
}

// Channel opens a channel that publishes with default message settings.
func (c *Con) Channel() (*Channel, error) {
	return c.channel(PublisherConfig{})
}

func (c *Con) channel(cfg PublisherConfig) (*Channel, error) {
	c.mute.RLock()
	defer c.mute.RUnlock()

	if c.closed {
		return nil, ConnClosedError{}
	}

	rabbitChan, err := c.connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}

	return newChannel(rabbitChan, cfg, c.logger.Named("channel")), nil
}

// tempChannel runs fn on a short-lived raw channel.
func (c *Con) tempChannel(fn func(ch *amqp091.Channel) error) error {
	c.mute.RLock()
	defer c.mute.RUnlock()

	if c.closed {
		return ConnClosedError{}
	}

	ch, err := c.connection.Channel()
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}

	defer func() {
		if err := ch.Close(); err != nil {
			c.logger.Warn("close channel", zap.Error(err))
		}
	}()

	return fn(ch)
}

// DeclareExchange opens a channel, declares an exchange, and closes the channel.
func (c *Con) DeclareExchange(cfg *ExchangeDeclare) error {
	return c.tempChannel(func(ch *amqp091.Channel) error {
		if err := ch.ExchangeDeclare(cfg.Name, cfg.Type, cfg.Durable, cfg.AutoDelete, cfg.Internal, false, cfg.Args); err != nil {
			return fmt.Errorf("declare exchange: %w", err)
		}

		return nil
	})
}

// QueueDeclareAndBind declares a queue and optionally binds it to an exchange.
// It returns the queue name, which the broker picks when cfg.Name is empty.
func (c *Con) QueueDeclareAndBind(cfg *QueueDeclareAndBind) (string, error) {
	var name string

	err := c.tempChannel(func(ch *amqp091.Channel) error {
		queue, err := ch.QueueDeclare(cfg.Name, cfg.Durable, cfg.AutoDelete, cfg.Exclusive, false, cfg.Args)
		if err != nil {
			return fmt.Errorf("create queue: %w", err)
		}
		name = queue.Name

		if cfg.NoBind {
			return nil
		}

		if err = ch.QueueBind(queue.Name, cfg.RoutingKey, cfg.ExchangeName, false, cfg.BindArgs); err != nil {
			return fmt.Errorf("create queue binding: %w", err)
		}

		return nil
	})

	return name, err
}

// DeclareTemporaryQueue declares an exclusive auto-delete queue with a broker-chosen
// name, unbound. It lives at most as long as the connection.
func (c *Con) DeclareTemporaryQueue() (string, error) {
	return c.QueueDeclareAndBind(&QueueDeclareAndBind{NoBind: true, Exclusive: true, AutoDelete: true})
}

// Declare declares every exchange and then every queue of cfg.
func (c *Con) Declare(cfg *Config) error {
	for i := range cfg.Exchanges {
		if err := c.DeclareExchange(&cfg.Exchanges[i]); err != nil {
			return fmt.Errorf("exchange %s: %w", cfg.Exchanges[i].Name, err)
		}
	}

	for i := range cfg.Queues {
		if _, err := c.QueueDeclareAndBind(&cfg.Queues[i]); err != nil {
			return fmt.Errorf("queue %s: %w", cfg.Queues[i].Name, err)
		}
	}

	return nil
}

// DeleteExchange removes an existing exchange by name.
func (c *Con) DeleteExchange(name string) error {
	return c.tempChannel(func(ch *amqp091.Channel) error {
		if err := ch.ExchangeDelete(name, false, false); err != nil {
			return fmt.Errorf("delete exchange: %w", err)
		}

		return nil
	})
}

// DeleteQueue removes an existing queue by name. Consumers of the queue are
// cancelled by the broker.
func (c *Con) DeleteQueue(name string) error {
	return c.tempChannel(func(ch *amqp091.Channel) error {
		if _, err := ch.QueueDelete(name, false, false, false); err != nil {
			return fmt.Errorf("delete queue: %w", err)
		}

		return nil
	})
}

// CreateConfirmPublisher opens a confirm-mode channel and returns its publisher.
func (c *Con) CreateConfirmPublisher(cfg *PublisherConfig) (*publisher.ConfirmPublisher, error) {
	if cfg == nil {
		return nil, PublisherConfEmptyError{}
	}

	ch, err := c.channel(*cfg)
	if err != nil {
		return nil, err
	}

	p, err := publisher.NewConfirmPublisher(ch, publisher.WithLogger(c.logger), publisher.WithMetrics(c.metrics))
	if err != nil {
		c.discard(ch)
		return nil, err
	}

	return p, nil
}

// CreateConfirmConsumer opens a channel and starts a manual-ack consumer on it.
func (c *Con) CreateConfirmConsumer(cfg *ConsumerConfig) (*consumer.ConfirmConsumer, error) {
	if cfg == nil || cfg.QueueName == "" {
		return nil, ConsumerConfEmptyError{}
	}

	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}

	opts := []consumer.Option{consumer.WithLogger(c.logger), consumer.WithMetrics(c.metrics)}
	if cfg.Prefetch > 0 {
		opts = append(opts, consumer.WithPrefetch(cfg.Prefetch))
	}
	if cfg.HandOffSize > 0 {
		opts = append(opts, consumer.WithHandOffSize(cfg.HandOffSize))
	}
	if cfg.ConsumerTag != "" {
		opts = append(opts, consumer.WithConsumerTag(cfg.ConsumerTag))
	}

	cons, err := consumer.NewConfirmConsumer(ch, cfg.QueueName, opts...)
	if err != nil {
		c.discard(ch)
		return nil, err
	}

	return cons, nil
}

// CreateRPCClient opens a channel for request/reply calls.
func (c *Con) CreateRPCClient() (*rpc.Client, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}

	return rpc.NewClient(ch, rpc.WithLogger(c.logger), rpc.WithMetrics(c.metrics)), nil
}

// CreateRPCServer opens a channel and serves requests from queue with handler.
func (c *Con) CreateRPCServer(queue string, handler rpc.HandlerFunc, prefetch int) (*rpc.Server, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}

	opts := []rpc.Option{rpc.WithLogger(c.logger), rpc.WithMetrics(c.metrics)}
	if prefetch > 0 {
		opts = append(opts, rpc.WithPrefetch(prefetch))
	}

	srv, err := rpc.NewServer(ch, queue, handler, opts...)
	if err != nil {
		c.discard(ch)
		return nil, err
	}

	return srv, nil
}

// CreateTxChannel opens a channel for transactions.
func (c *Con) CreateTxChannel(cfg *PublisherConfig) (*tx.Channel, error) {
	if cfg == nil {
		return nil, PublisherConfEmptyError{}
	}

	ch, err := c.channel(*cfg)
	if err != nil {
		return nil, err
	}

	return tx.NewChannel(ch, tx.WithLogger(c.logger), tx.WithMetrics(c.metrics)), nil
}

func (c *Con) discard(ch *Channel) {
	if err := ch.Close(); err != nil {
		c.logger.Warn("discard channel", zap.Error(err))
	}
}

// Close closes the connection and with it every channel it opened. Operations
// still pending on those channels fail with broker.ChannelClosedError.
func (c *Con) Close() error {
	c.mute.Lock()
	defer c.mute.Unlock()

	if c.closed {
		return ConnClosedError{}
	}
	c.closed = true

	if err := c.connection.Close(); err != nil {
		return fmt.Errorf("close connection error: %w", err)
	}

	return nil
}
