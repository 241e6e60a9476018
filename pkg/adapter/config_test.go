// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
client:
  host: localhost:5672
  vhost: /
  tcp_heartbeat: 10s
  logging: true
exchanges:
  - name: events
    type: topic
    durable: true
queues:
  - name: jobs
    durable: true
    exchange_name: events
    routing_key: jobs.#
  - name: rpc_request
    no_bind: true
publisher:
  is_persistent: true
  app_id: billing
consumer:
  queue: jobs
  prefetch: 8
  hand_off_size: 2
rpc:
  request_queue: rpc_request
  reply_queue: rpc_reply
  timeout: 3s
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "localhost:5672", cfg.Client.Host)
	assert.Equal(t, 10*time.Second, cfg.Client.TcpHeartBeat)
	assert.True(t, cfg.Client.Logging)

	require.Len(t, cfg.Exchanges, 1)
	assert.Equal(t, "topic", cfg.Exchanges[0].Type)

	require.Len(t, cfg.Queues, 2)
	assert.Equal(t, "jobs.#", cfg.Queues[0].RoutingKey)
	assert.True(t, cfg.Queues[1].NoBind)

	assert.Equal(t, PublisherConfig{MessagePersistent: true, AppId: "billing"}, cfg.Publisher)
	assert.Equal(t, ConsumerConfig{QueueName: "jobs", Prefetch: 8, HandOffSize: 2}, cfg.Consumer)
	assert.Equal(t, 3*time.Second, cfg.RPC.Timeout)
}

func TestParseConfigErrors(t *testing.T) {
	var tests = []struct {
		name string
		data string
	}{
		{name: "malformed", data: "client: [1, 2"},
		{name: "no host", data: "client:\n  vhost: /\n"},
		{name: "empty", data: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestParseConfigIgnoresCredentials(t *testing.T) {
	cfg, err := ParseConfig([]byte("client:\n  host: h\n  username: u\n  password: p\n"))
	require.NoError(t, err)

	assert.Empty(t, cfg.Client.Username)
	assert.Empty(t, cfg.Client.Password)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rabbit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "jobs", cfg.Consumer.QueueName)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDialRejectsEmptyConfig(t *testing.T) {
	_, err := Dial(nil)
	assert.ErrorAs(t, err, new(ConConfEmptyError))

	_, err = Dial(&Client{})
	assert.ErrorAs(t, err, new(ConConfEmptyError))
}
