// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package rpc

import (
	"github.com/GwynCerbin/whiterabbit/pkg/metrics"
	"go.uber.org/zap"
)

type options struct {
	logger   *zap.Logger
	metrics  *metrics.Metrics
	prefetch int
}

// Option configures a Client or a Server.
type Option func(*options)

// WithLogger sets the logger. It is named "rpc".
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger.Named("rpc")
	}
}

// WithMetrics makes calls and served requests count their outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithPrefetch sets the prefetch of the server's request consumer.
func WithPrefetch(n int) Option {
	return func(o *options) {
		o.prefetch = n
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:   zap.NewNop(),
		prefetch: 1,
	}

	for _, opt := range opts {
		opt(&o)
	}

	return o
}
