// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"fmt"
	"os"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"gopkg.in/yaml.v3"
)

const mimeReadLimit = 512 //bytes that mime will read

type Client struct {
	Username     string        `env:"USERNAME" yaml:"-"`
	Password     string        `env:"PASSWORD" yaml:"-"`
	Host         string        `env:"HOST" yaml:"host"`
	VHost        string        `env:"VHOST" yaml:"vhost"`
	TcpHeartBeat time.Duration `env:"HEARTBEAT" yaml:"tcp_heartbeat"`
	Properties   amqp091.Table `env:"PROPERTIES" yaml:"properties"`
	Logging      bool          `env:"LOGGING" yaml:"logging"`
}

type ConsumerConfig struct {
	QueueName   string `env:"QUEUE" yaml:"queue"`
	ConsumerTag string `env:"TAG" yaml:"consumer_tag"`
	Prefetch    int    `env:"PREFETCH" yaml:"prefetch"`
	HandOffSize int    `env:"HAND_OFF" yaml:"hand_off_size"`
}

// PublisherConfig holds the defaults applied to every message published on a channel.
type PublisherConfig struct {
	MessagePersistent bool   `env:"PERSISTENT" yaml:"is_persistent"`
	AppId             string `env:"APP_ID" yaml:"app_id"`
}

type RPCConfig struct {
	Exchange     string        `env:"EXCHANGE" yaml:"exchange"`
	RequestQueue string        `env:"REQUEST_QUEUE" yaml:"request_queue"`
	ReplyQueue   string        `env:"REPLY_QUEUE" yaml:"reply_queue"`
	Timeout      time.Duration `env:"TIMEOUT" yaml:"timeout"`
}

type ExchangeDeclare struct {
	Name       string        `env:"NAME" yaml:"name"`
	Type       string        `env:"TYPE" yaml:"type"`
	Durable    bool          `env:"DURABLE" yaml:"durable"`
	AutoDelete bool          `env:"AUTO_DELETE" yaml:"auto_delete"`
	Internal   bool          `env:"INTERNAL" yaml:"internal"`
	Args       amqp091.Table `env:"ARGS" yaml:"args"`
}
type QueueDeclareAndBind struct {
	Name         string        `env:"NAME" yaml:"name"`
	NoBind       bool          `env:"NO_BIND" yaml:"no_bind"`
	RoutingKey   string        `env:"ROUTING_KEY" yaml:"routing_key"`
	ExchangeName string        `env:"EXCHANGE_NAME" yaml:"exchange_name"`
	BindArgs     amqp091.Table `env:"BIND_ARGS" yaml:"bind_args"`
	Durable      bool          `env:"DURABLE" yaml:"durable"`
	AutoDelete   bool          `env:"AUTO_DELETE" yaml:"auto_delete"`
	Exclusive    bool          `env:"EXCLUSIVE" yaml:"exclusive"`
	Args         amqp091.Table `env:"ARGS" yaml:"args"`
}

// Config is the file form of a whole setup: where to connect, what to declare and
// how the components are tuned.
type Config struct {
	Client    Client                `yaml:"client"`
	Exchanges []ExchangeDeclare     `yaml:"exchanges"`
	Queues    []QueueDeclareAndBind `yaml:"queues"`
	Publisher PublisherConfig       `yaml:"publisher"`
	Consumer  ConsumerConfig        `yaml:"consumer"`
	RPC       RPCConfig             `yaml:"rpc"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig decodes a YAML config. Credentials are never read from YAML; set
// Client.Username and Client.Password from the environment.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Client.Host == "" {
		return nil, ConConfEmptyError{}
	}

	return &cfg, nil
}
