// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"testing"
	"time"

	"github.com/GwynCerbin/whiterabbit/pkg/broker"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestPublishingDefaults(t *testing.T) {
	var tests = []struct {
		name        string
		cfg         PublisherConfig
		msg         broker.OutboundMessage
		wantContent string
		wantMode    uint8
		wantApp     string
	}{
		{
			name:        "plain text",
			msg:         broker.OutboundMessage{Body: []byte("test")},
			wantContent: "text/plain; charset=utf-8",
		},
		{
			name:        "json",
			msg:         broker.OutboundMessage{Body: []byte(`{"json":"swagging"}`)},
			wantContent: "application/json",
		},
		{
			name: "explicit content type wins",
			msg: broker.OutboundMessage{
				Properties: broker.Properties{ContentType: "application/x-protobuf"},
				Body:       []byte("test"),
			},
			wantContent: "application/x-protobuf",
		},
		{
			name:        "publisher defaults",
			cfg:         PublisherConfig{MessagePersistent: true, AppId: "billing"},
			msg:         broker.OutboundMessage{Body: []byte("test")},
			wantContent: "text/plain; charset=utf-8",
			wantMode:    amqp091.Persistent,
			wantApp:     "billing",
		},
		{
			name: "message settings win over defaults",
			cfg:  PublisherConfig{MessagePersistent: true, AppId: "billing"},
			msg: broker.OutboundMessage{
				Properties: broker.Properties{DeliveryMode: amqp091.Transient, AppID: "audit"},
				Body:       []byte("test"),
			},
			wantContent: "text/plain; charset=utf-8",
			wantMode:    amqp091.Transient,
			wantApp:     "audit",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := publishing(tt.cfg, tt.msg)

			assert.Equal(t, tt.wantContent, p.ContentType)
			assert.Equal(t, tt.wantMode, p.DeliveryMode)
			assert.Equal(t, tt.wantApp, p.AppId)

			_, err := uuid.Parse(p.MessageId)
			assert.NoError(t, err)
		})
	}
}

func TestPublishingKeepsCorrelation(t *testing.T) {
	p := publishing(PublisherConfig{}, broker.OutboundMessage{
		Properties: broker.Properties{CorrelationID: "c1", ReplyTo: "replies", MessageID: "m1"},
	})

	assert.Equal(t, "c1", p.CorrelationId)
	assert.Equal(t, "replies", p.ReplyTo)
	assert.Equal(t, "m1", p.MessageId)
}

func TestDelivery(t *testing.T) {
	now := time.Now()

	d := delivery(amqp091.Delivery{
		DeliveryTag:   7,
		ConsumerTag:   "ctag",
		Exchange:      "events",
		RoutingKey:    "jobs.created",
		Redelivered:   true,
		CorrelationId: "c1",
		ReplyTo:       "replies",
		Timestamp:     now,
		Headers:       amqp091.Table{"x-retry": int32(2)},
		Body:          []byte("payload"),
	})

	assert.Equal(t, uint64(7), d.DeliveryTag)
	assert.Equal(t, "ctag", d.ConsumerTag)
	assert.Equal(t, "jobs.created", d.RoutingKey)
	assert.True(t, d.Redelivered)
	assert.Equal(t, "c1", d.CorrelationID())
	assert.Equal(t, "replies", d.Properties.ReplyTo)
	assert.Equal(t, now, d.Properties.Timestamp)
	assert.Equal(t, int32(2), d.Properties.Headers["x-retry"])
	assert.Equal(t, "payload", string(d.Body))
}
