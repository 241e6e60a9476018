// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"github.com/GwynCerbin/whiterabbit/pkg/broker"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// publishing maps msg to an AMQP publishing, filling the blanks from cfg: the content
// type is detected from the body, the message id is a fresh uuid.
func publishing(cfg PublisherConfig, msg broker.OutboundMessage) amqp091.Publishing {
	p := amqp091.Publishing{
		Headers:         amqp091.Table(msg.Properties.Headers),
		ContentType:     msg.Properties.ContentType,
		ContentEncoding: msg.Properties.ContentEncoding,
		DeliveryMode:    msg.Properties.DeliveryMode,
		Priority:        msg.Properties.Priority,
		CorrelationId:   msg.Properties.CorrelationID,
		ReplyTo:         msg.Properties.ReplyTo,
		Expiration:      msg.Properties.Expiration,
		MessageId:       msg.Properties.MessageID,
		Timestamp:       msg.Properties.Timestamp,
		Type:            msg.Properties.Type,
		UserId:          msg.Properties.UserID,
		AppId:           msg.Properties.AppID,
		Body:            msg.Body,
	}

	if p.ContentType == "" {
		p.ContentType = mimetype.Detect(msg.Body).String()
	}

	if p.MessageId == "" {
		p.MessageId = uuid.NewString()
	}

	if p.AppId == "" {
		p.AppId = cfg.AppId
	}

	if p.DeliveryMode == 0 && cfg.MessagePersistent {
		p.DeliveryMode = amqp091.Persistent
	}

	return p
}

// delivery copies an AMQP delivery into the broker form. The acknowledger is not
// kept; acks go through Channel.Dispatch.
func delivery(d amqp091.Delivery) broker.Delivery {
	return broker.Delivery{
		DeliveryTag: d.DeliveryTag,
		ConsumerTag: d.ConsumerTag,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Redelivered: d.Redelivered,
		Properties: broker.Properties{
			ContentType:     d.ContentType,
			ContentEncoding: d.ContentEncoding,
			DeliveryMode:    d.DeliveryMode,
			Priority:        d.Priority,
			CorrelationID:   d.CorrelationId,
			ReplyTo:         d.ReplyTo,
			Expiration:      d.Expiration,
			MessageID:       d.MessageId,
			Timestamp:       d.Timestamp,
			Type:            d.Type,
			UserID:          d.UserId,
			AppID:           d.AppId,
			Headers:         d.Headers,
		},
		Body: d.Body,
	}
}
