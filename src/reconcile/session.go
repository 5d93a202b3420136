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

// Package reconcile keeps a client-visible copy of the task collection in
// step with the store: optimistic local updates on drop, and a full re-read
// on every change notification.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"missioncontrol/src/board"
	"missioncontrol/src/logging"
	"missioncontrol/src/model"
	"missioncontrol/src/realtime"
	"missioncontrol/src/store"
)

// Session is one mounted board. Its local collection is a hint; the last
// successful resync is authoritative.
type Session struct {
	id    string
	store store.TaskStore
	subs  realtime.Subscriber
	now   func() time.Time

	mu      sync.RWMutex
	tasks   []model.Task
	pending map[string]time.Time
	stats   Stats

	resyncMu sync.Mutex

	subMu sync.Mutex
	sub   *realtime.Subscription

	watchMu  sync.Mutex
	watchers map[chan struct{}]struct{}
}

// Stats counts what the session has done since it was created.
type Stats struct {
	Resyncs         uint64    `json:"resyncs"`
	ResyncFailures  uint64    `json:"resync_failures"`
	Applied         uint64    `json:"transitions_applied"`
	Ignored         uint64    `json:"transitions_ignored"`
	PersistFailures uint64    `json:"persist_failures"`
	// InvalidRows is how many tasks in the last read break a status invariant.
	InvalidRows int       `json:"invalid_rows"`
	LastResync  time.Time `json:"last_resync"`
}

type Option func(*Session)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

func New(st store.TaskStore, subs realtime.Subscriber, opts ...Option) *Session {
	s := &Session{
		id:       uuid.NewString(),
		store:    st,
		subs:     subs,
		now:      func() time.Time { return time.Now().UTC() },
		pending:  map[string]time.Time{},
		watchers: map[chan struct{}]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) ID() string { return s.id }

// Mount subscribes to task changes, then performs the initial full read.
// Subscribing first means a write that lands during the read still triggers
// a resync. The subscription is kept even when the read fails, so the next
// notification or poll can recover; the read error is still returned.
func (s *Session) Mount(ctx context.Context) error {
	s.subMu.Lock()
	if s.sub == nil {
		s.sub = s.subs.Subscribe(model.TasksTable, func(c realtime.Change) {
			if err := s.Resync(context.Background()); err != nil {
				logging.Log(fmt.Sprintf("Resync after %s %s failed: %v", c.Op, c.RowID, err), slog.LevelWarn)
			}
		})
	}
	s.subMu.Unlock()

	return s.Resync(ctx)
}

// Unmount releases the subscription. It is safe to call more than once.
func (s *Session) Unmount() {
	s.subMu.Lock()
	sub := s.sub
	s.sub = nil
	s.subMu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// Mounted reports whether the session holds a subscription.
func (s *Session) Mounted() bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.sub != nil
}

// Run mounts the session, resyncs every pollInterval as a fallback for lost
// notifications, and unmounts when ctx is done.
func (s *Session) Run(ctx context.Context, pollInterval time.Duration) {
	if err := s.Mount(ctx); err != nil {
		logging.Log(fmt.Sprintf("Initial board read failed: %v", err), slog.LevelError)
	}
	defer s.Unmount()

	if pollInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Resync(ctx); err != nil && ctx.Err() == nil {
				logging.Log(fmt.Sprintf("Fallback resync failed: %v", err), slog.LevelWarn)
			}
		}
	}
}

// Resync re-reads every task and replaces the local collection. Resyncs run
// one at a time, so a replacement always comes from the latest read.
func (s *Session) Resync(ctx context.Context) error {
	s.resyncMu.Lock()
	defer s.resyncMu.Unlock()

	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		s.mu.Lock()
		s.stats.ResyncFailures++
		s.mu.Unlock()
		logging.Add(ctx, logging.BoardResyncFailures, 1)
		return fmt.Errorf("resync: %w", err)
	}

	invalid := 0
	for _, t := range tasks {
		if err := board.CheckInvariants(t); err != nil {
			invalid++
			logging.Log(fmt.Sprintf("Task %s: %v", t.ID, err), slog.LevelWarn)
		}
	}

	s.mu.Lock()
	s.tasks = tasks
	s.stats.InvalidRows = invalid
	for id, at := range s.pending {
		if confirmed(tasks, id, at) {
			delete(s.pending, id)
		}
	}
	s.stats.Resyncs++
	s.stats.LastResync = s.now()
	s.mu.Unlock()

	logging.Add(ctx, logging.BoardResyncs, 1)
	s.notifyWatchers()
	return nil
}

// confirmed reports whether the read shows the optimistic write made at "at",
// or a later one, or that the task is gone.
func confirmed(tasks []model.Task, id string, at time.Time) bool {
	for _, t := range tasks {
		if t.ID == id {
			return !t.UpdatedAt.Before(at.Truncate(time.Microsecond))
		}
	}
	return true
}

// DragStart reports whether the card may be picked up.
func (s *Session) DragStart(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexOf(id)
	return i >= 0 && board.CanDrag(s.tasks[i])
}

// Drop handles a card released on columnID. Anything but board.Applied
// changes nothing and sends nothing. On Applied the local copy is updated
// before the store is asked; a store error is returned but the local update
// stays until the next resync.
func (s *Session) Drop(ctx context.Context, id, columnID string) (board.Decision, error) {
	now := s.now()

	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.stats.Ignored++
		s.mu.Unlock()
		logging.Add(ctx, logging.BoardTransitionsIgnored, 1, attribute.String("decision", board.UnknownColumn.String()))
		return board.UnknownColumn, nil
	}
	next, patch, decision := board.ApplyTransition(s.tasks[i], columnID, now)
	if decision != board.Applied {
		s.stats.Ignored++
		s.mu.Unlock()
		logging.Add(ctx, logging.BoardTransitionsIgnored, 1, attribute.String("decision", decision.String()))
		return decision, nil
	}
	s.tasks[i] = next
	s.pending[id] = now
	s.stats.Applied++
	s.mu.Unlock()

	logging.Add(ctx, logging.BoardTransitions, 1, attribute.String("status", string(next.Status)))
	s.notifyWatchers()

	if err := s.store.UpdateTask(ctx, id, patch); err != nil {
		s.mu.Lock()
		s.stats.PersistFailures++
		s.mu.Unlock()
		logging.Add(ctx, logging.BoardPersistFailures, 1)
		logging.LogContext(ctx, slog.LevelError, "Board update not persisted", "task", id, "status", next.Status, "error", err)
		return decision, fmt.Errorf("persist transition of %s: %w", id, err)
	}
	return decision, nil
}

// Snapshot returns a copy of the local collection, newest first.
func (s *Session) Snapshot() []model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Task, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = t.Clone()
	}
	return out
}

// Task returns the local copy of one task.
func (s *Session) Task(id string) (model.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexOf(id)
	if i < 0 {
		return model.Task{}, false
	}
	return s.tasks[i].Clone(), true
}

// Board groups the local collection into columns.
func (s *Session) Board() []board.Column {
	return board.Group(s.Snapshot())
}

// Pending reports whether a local change to id has not yet shown up in a
// resync.
func (s *Session) Pending(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pending[id]
	return ok
}

func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Watch returns a channel that receives a value whenever the local
// collection changes. Call the returned func to stop watching.
func (s *Session) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.watchMu.Lock()
	s.watchers[ch] = struct{}{}
	s.watchMu.Unlock()
	return ch, func() {
		s.watchMu.Lock()
		delete(s.watchers, ch)
		s.watchMu.Unlock()
	}
}

func (s *Session) notifyWatchers() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Session) indexOf(id string) int {
	for i, t := range s.tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}
