// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package rpc

import (
	"context"
	"errors"

	"github.com/GwynCerbin/whiterabbit/pkg/broker"
	"github.com/GwynCerbin/whiterabbit/pkg/consumer"
	"go.uber.org/zap"
)

// HandlerFunc computes the reply body for a request.
type HandlerFunc func(ctx context.Context, request broker.Delivery) ([]byte, error)

// Server answers requests from one queue. Each reply goes to the request's reply-to
// queue with the request's correlation id, and the request is acked after the reply
// was published. A request whose handler fails is rejected without requeue.
type Server struct {
	ch       broker.Channel
	consumer *consumer.ConfirmConsumer
	handler  HandlerFunc
	logger   *zap.Logger
}

// NewServer starts consuming queue on ch.
func NewServer(ch broker.Channel, queue string, handler HandlerFunc, opts ...Option) (*Server, error) {
	o := newOptions(opts)

	c, err := consumer.NewConfirmConsumer(ch, queue,
		consumer.WithPrefetch(o.prefetch),
		consumer.WithLogger(o.logger),
		consumer.WithMetrics(o.metrics),
	)
	if err != nil {
		return nil, err
	}

	return &Server{
		ch:       ch,
		consumer: c,
		handler:  handler,
		logger:   o.logger.With(zap.String("queue", queue)),
	}, nil
}

// Serve answers requests until ctx ends or the request consumer is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	for {
		err := s.ServeOne(ctx)

		var cancelled broker.ConsumerCancelledError
		switch {
		case err == nil:
		case errors.As(err, &cancelled), errors.As(err, new(broker.ChannelClosedError)):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			s.logger.Error("request failed", zap.Error(err))
		}
	}
}

// ServeOne answers a single request. A request whose handler fails or whose reply
// can't be published is rejected.
func (s *Server) ServeOne(ctx context.Context) error {
	return s.consumer.ConsumeOne(ctx, func(ctx context.Context, d broker.Delivery) error {
		body, err := s.handler(ctx, d)
		if err != nil {
			return broker.RejectError{Err: err}
		}

		if d.Properties.ReplyTo == "" {
			s.logger.Warn("request without reply-to", zap.String("correlation_id", d.CorrelationID()))
			return nil
		}

		if err := s.ch.Dispatch(func(w broker.Writer) error {
			return w.Publish(ctx, broker.OutboundMessage{
				RoutingKey: d.Properties.ReplyTo,
				Properties: broker.Properties{CorrelationID: d.CorrelationID()},
				Body:       body,
			})
		}); err != nil {
			return broker.RejectError{Err: broker.PublishCancelledError{Err: err}}
		}

		return nil
	})
}

// Close cancels the request consumer.
func (s *Server) Close() error {
	return s.consumer.Cancel()
}
