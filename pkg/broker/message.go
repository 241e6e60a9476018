// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package broker

import "time"

// Properties holds the message metadata carried alongside the payload.
type Properties struct {
	ContentType     string
	ContentEncoding string
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	UserID          string
	AppID           string
	Headers         map[string]interface{}
}

// OutboundMessage is a message the caller wants published. It must not be mutated
// after it was handed to a publisher.
type OutboundMessage struct {
	Exchange   string
	RoutingKey string
	Properties Properties
	Body       []byte
}

// Delivery is a message received from the broker. DeliveryTag is scoped to the
// channel the delivery arrived on.
type Delivery struct {
	DeliveryTag uint64
	ConsumerTag string
	Exchange    string
	RoutingKey  string
	Redelivered bool
	Properties  Properties
	Body        []byte
}

// CorrelationID returns the correlation id set on the delivery, or an empty string.
func (d Delivery) CorrelationID() string {
	return d.Properties.CorrelationID
}
