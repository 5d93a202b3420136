// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package realtime fans table change notifications out to subscribers.
package realtime

import (
	"sync"
)

// Op is the kind of row change.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
	// OpReconnect is published when the upstream notification stream was
	// re-established and changes may have been missed.
	OpReconnect Op = "RECONNECT"
)

// Change describes one notification. RowID is empty for OpReconnect.
type Change struct {
	Table string
	Op    Op
	RowID string
}

// Subscriber is satisfied by anything that hands out table subscriptions.
type Subscriber interface {
	Subscribe(table string, fn func(Change)) *Subscription
}

// Hub is the subscription manager. Each subscription gets its own delivery
// goroutine; changes that arrive while a callback is running are coalesced
// into a single follow-up call carrying the latest change.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers fn for changes on table. An empty table matches every
// table. The caller must Close the subscription.
func (h *Hub) Subscribe(table string, fn func(Change)) *Subscription {
	s := &Subscription{
		hub:    h,
		table:  table,
		fn:     fn,
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
	return s
}

// Publish queues c for every subscription scoped to c.Table. It never blocks
// on subscribers.
func (h *Hub) Publish(c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if s.table == "" || s.table == c.Table || c.Op == OpReconnect {
			s.offer(c)
		}
	}
}

// Len returns the number of open subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// Subscription is a scoped handle on a hub registration.
type Subscription struct {
	hub   *Hub
	table string
	fn    func(Change)

	mu     sync.Mutex
	last   Change
	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func (s *Subscription) offer(c Change) {
	s.mu.Lock()
	s.last = c
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closed:
			return
		case <-s.wake:
			s.mu.Lock()
			c := s.last
			s.mu.Unlock()
			s.fn(c)
		}
	}
}

// Close unregisters the subscription and waits for an in-flight callback to
// return. It is safe to call more than once. It must not be called from
// inside the subscription's own callback.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.closed)
		s.wg.Wait()
	})
}
