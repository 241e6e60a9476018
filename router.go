// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package rabbit

import "github.com/GwynCerbin/whiterabbit/pkg/broker"

// Router maps a routing key to the handler of deliveries carrying it.
type Router map[string]broker.Handler

func NewRouter() Router {
	return make(Router)
}

func (r Router) Add(key string, h broker.Handler) {
	r[key] = h
}
