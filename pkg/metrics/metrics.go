// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package metrics exposes Prometheus collectors for confirm, consume, rpc and
// transaction outcomes. A nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "whiterabbit"

// Operation kinds used as the "kind" label of the pending gauge.
const (
	KindConfirm = "confirm"
	KindReply   = "reply"
)

// Result label values.
const (
	ResultAck       = "ack"
	ResultNack      = "nack"
	ResultCancelled = "cancelled"
	ResultOK        = "ok"
	ResultHandler   = "handler_error"
	ResultAckError  = "ack_error"
	ResultRejected  = "rejected"
	ResultTimeout   = "timeout"
	ResultError     = "error"
	ResultCommit    = "commit"
	ResultRollback  = "rollback"
)

// Metrics holds the collectors shared by the components of one connection.
type Metrics struct {
	pending   *prometheus.GaugeVec
	confirms  *prometheus.CounterVec
	consumed  *prometheus.CounterVec
	calls     *prometheus.CounterVec
	txResults *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_operations",
			Help:      "Operations waiting for a broker event.",
		}, []string{"kind"}),
		confirms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_confirms_total",
			Help:      "Publishes by confirmation outcome.",
		}, []string{"result"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumed_total",
			Help:      "Pulled deliveries by handling outcome.",
		}, []string{"result"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "RPC calls by outcome.",
		}, []string{"result"}),
		txResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Transactions by terminal action.",
		}, []string{"result"}),
	}

	for _, c := range []prometheus.Collector{m.pending, m.confirms, m.consumed, m.calls, m.txResults} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}

	return m, nil
}

// PendingInc counts one more operation of kind waiting for the broker.
func (m *Metrics) PendingInc(kind string) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(kind).Inc()
}

// PendingDec counts one operation of kind resolved or abandoned.
func (m *Metrics) PendingDec(kind string) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(kind).Dec()
}

// PendingSub lowers the pending gauge by n, used when a range is resolved at once.
func (m *Metrics) PendingSub(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.pending.WithLabelValues(kind).Sub(float64(n))
}

// Confirmed counts n publishes resolved with the given outcome.
func (m *Metrics) Confirmed(ack bool, n int) {
	if m == nil || n == 0 {
		return
	}

	result := ResultNack
	if ack {
		result = ResultAck
	}

	m.confirms.WithLabelValues(result).Add(float64(n))
}

// PublishCancelled counts a publish that failed or whose wait was cancelled.
func (m *Metrics) PublishCancelled() {
	if m == nil {
		return
	}
	m.confirms.WithLabelValues(ResultCancelled).Inc()
}

// Consumed counts a pulled delivery by handling outcome.
func (m *Metrics) Consumed(result string) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(result).Inc()
}

// Call counts an RPC call by outcome.
func (m *Metrics) Call(result string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(result).Inc()
}

// Tx counts a commit or a rollback.
func (m *Metrics) Tx(result string) {
	if m == nil {
		return
	}
	m.txResults.WithLabelValues(result).Inc()
}
