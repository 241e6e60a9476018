// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package rabbit

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime"
	"sync"

	"github.com/GwynCerbin/whiterabbit/pkg/broker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Listener encapsulates common parameters of a message-queue subscriber.
//   - consumer: an object that implements the broker.Consumer interface.
//   - gos: desired number of concurrent pullers used by an Instance.
//
// Listener itself does not process messages; it acts as a factory that
// creates an Instance where the real work happens.
type Listener struct {
	consumer broker.Consumer
	gos      int
	logger   *zap.Logger
}

// NewListener constructs a Listener with a default parallelism level of 1.
func NewListener(consumer broker.Consumer) *Listener {
	return &Listener{
		gos:      1,
		consumer: consumer,
		logger:   zap.NewNop(),
	}
}

// SetConcurrency sets the number of pullers that will be spawned later
// inside an Instance. It validates the input (n >= 1) and clamps the value
// by runtime.GOMAXPROCS(0). More pullers than the consumer prefetch leaves
// the extra ones idle.
func (l *Listener) SetConcurrency(n int) error {
	if n < 1 {
		return fmt.Errorf("invalid goroutines count: %d", n)
	}

	l.gos = min(n, runtime.GOMAXPROCS(0))

	return nil
}

// SetLogger overrides the no-op logger. Pass nil to silence logging again.
func (l *Listener) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	l.logger = logger
}

// Instance is a running listener created from Listener.
//   - gos:      fixed puller count determined at Init() time.
//   - router:   map routingKey → handler.
//   - consumer: same consumer object shared with the parent Listener.
//   - done:     closed when ListenAndServe returns.
type Instance struct {
	gos      int
	router   Router
	consumer broker.Consumer
	logger   *zap.Logger

	mute    sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Init takes a Router snapshot and returns a ready-to-run Instance. To start
// with another router, create a new Instance instead of mutating the old one.
func (l *Listener) Init(router Router) *Instance {
	return &Instance{
		gos:      l.gos,
		router:   maps.Clone(router),
		consumer: l.consumer,
		logger:   l.logger.Named("listener"),
		done:     make(chan struct{}),
	}
}

// ListenAndServe runs the pullers until the consumer is cancelled or ctx ends.
// Each delivery is handed to the handler registered for its routing key and acked
// once the handler returns nil. Handler failures and unrouted deliveries are logged
// and rejected without requeue, so a dead-letter exchange of the queue gets them.
// A broker-side cancel or a closed channel is returned; a cancel
// issued by Shutdown is not.
func (l *Instance) ListenAndServe(ctx context.Context) error {
	if len(l.router) == 0 {
		return EmptyRoutError{}
	}

	l.mute.Lock()
	if l.started {
		l.mute.Unlock()
		return AlreadyServingError{}
	}
	l.started = true
	ctx, l.cancel = context.WithCancel(ctx)
	l.mute.Unlock()

	defer close(l.done)

	g, ctx := errgroup.WithContext(ctx)
	for range l.gos {
		g.Go(func() error {
			return l.serve(ctx)
		})
	}

	return g.Wait()
}

func (l *Instance) serve(ctx context.Context) error {
	for {
		err := l.consumer.ConsumeOne(ctx, l.route)

		var cancelled broker.ConsumerCancelledError

		switch {
		case err == nil:
		case errors.As(err, &cancelled):
			if cancelled.ByBroker {
				return err
			}
			return nil
		case errors.As(err, new(broker.ChannelClosedError)):
			return err
		case ctx.Err() != nil:
			return nil
		default:
			l.logger.Error("handle delivery", zap.Error(err))
		}
	}
}

func (l *Instance) route(ctx context.Context, d broker.Delivery) error {
	h, ok := l.router[d.RoutingKey]
	if !ok {
		return broker.RejectError{Err: fmt.Errorf("%w, routing key: %s", UnroutedMessage{}, d.RoutingKey)}
	}

	err := h(ctx, d)
	if err == nil || errors.As(err, new(broker.RejectError)) {
		return err
	}

	return broker.RejectError{Err: err}
}

// Shutdown cancels the consumer and waits either for the pullers to return or
// for ctx to be canceled/expired. A puller that is inside a handler finishes
// that delivery first.
func (l *Instance) Shutdown(ctx context.Context) error {
	if err := l.consumer.Cancel(); err != nil {
		l.logger.Warn(ConsumerCloseError{}.Error(), zap.Error(err))
	}

	l.mute.Lock()
	started, cancel := l.started, l.cancel
	l.started = true
	l.mute.Unlock()

	if !started {
		return nil
	}

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}
