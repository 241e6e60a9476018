// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package pending tracks in-flight operations keyed by a protocol or application
// identifier and resolves each of them exactly once.
package pending

import (
	"fmt"
	"sort"
	"sync"

	"github.com/GwynCerbin/whiterabbit/pkg/broker"
)

// Slot is a single-resolution result holder handed to the waiter at registration.
type Slot[V any] struct {
	// done is buffered by one so a resolver never blocks.
	done chan V
	// order is the registration sequence used to resolve ranges in order.
	order uint64
}

// Done returns a channel that yields the resolved value exactly once.
func (s *Slot[V]) Done() <-chan V {
	return s.done
}

// Registry maps keys to live slots. A key is live from Register until it is either
// resolved or removed, whichever happens first.
type Registry[K comparable, V any] struct {
	mute  sync.Mutex
	slots map[K]*Slot[V]
	seq   uint64
}

// New returns an empty Registry.
func New[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{
		slots: make(map[K]*Slot[V]),
	}
}

// Register creates a slot for key. It returns broker.DuplicateKeyError if key is live.
func (r *Registry[K, V]) Register(key K) (*Slot[V], error) {
	r.mute.Lock()
	defer r.mute.Unlock()

	if _, ok := r.slots[key]; ok {
		return nil, broker.DuplicateKeyError{Key: fmt.Sprint(key)}
	}

	r.seq++

	slot := &Slot[V]{
		done:  make(chan V, 1),
		order: r.seq,
	}

	r.slots[key] = slot

	return slot, nil
}

// Resolve detaches key and hands value to its waiter. It reports false if key was
// not live: already resolved, removed, or never registered.
func (r *Registry[K, V]) Resolve(key K, value V) bool {
	r.mute.Lock()
	slot, ok := r.slots[key]
	if ok {
		delete(r.slots, key)
	}
	r.mute.Unlock()

	if !ok {
		return false
	}

	slot.done <- value

	return true
}

// ResolveWhere resolves every live key for which match returns true, in registration
// order, and returns how many were resolved.
func (r *Registry[K, V]) ResolveWhere(match func(K) bool, value V) int {
	r.mute.Lock()

	var matched []*Slot[V]
	for key, slot := range r.slots {
		if match(key) {
			matched = append(matched, slot)
			delete(r.slots, key)
		}
	}

	r.mute.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].order < matched[j].order
	})

	for _, slot := range matched {
		slot.done <- value
	}

	return len(matched)
}

// ResolveAll resolves every live key with value.
func (r *Registry[K, V]) ResolveAll(value V) int {
	return r.ResolveWhere(func(K) bool { return true }, value)
}

// Remove detaches key without resolving it. Once Remove reports true, no resolver can
// reach the slot any more. It reports false when a resolver got there first, in which
// case the value is already waiting in the slot.
func (r *Registry[K, V]) Remove(key K) (*Slot[V], bool) {
	r.mute.Lock()
	defer r.mute.Unlock()

	slot, ok := r.slots[key]
	if ok {
		delete(r.slots, key)
	}

	return slot, ok
}

// Contains reports whether key is live.
func (r *Registry[K, V]) Contains(key K) bool {
	r.mute.Lock()
	defer r.mute.Unlock()

	_, ok := r.slots[key]

	return ok
}

// Len returns the number of live keys.
func (r *Registry[K, V]) Len() int {
	r.mute.Lock()
	defer r.mute.Unlock()

	return len(r.slots)
}
