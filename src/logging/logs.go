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

package logging

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "go.opentelemetry.io/otel/missioncontrol/board"

// Counter names used across the service.
const (
	BoardTransitions        = "board_transitions_total"
	BoardTransitionsIgnored = "board_transitions_ignored"
	BoardPersistFailures    = "board_persist_failures"
	BoardResyncs            = "board_resyncs_total"
	BoardResyncFailures     = "board_resync_failures"
	BlockersParsed          = "blockers_parsed_total"
	ExecutorClaims          = "executor_claims_total"
	TasksRecovered          = "tasks_recovered_total"
)

var (
	meter  = otel.Meter(instrumentationName)
	logger = otelslog.NewLogger(instrumentationName)
	tracer = otel.Tracer(instrumentationName)

	countersMu sync.Mutex
	counters   = map[string]metric.Float64Counter{}
)

func Log(content string, level slog.Level) {
	logger.Log(context.Background(), level, content)
}

// LogContext logs with request-scoped context and attributes, so records are
// correlated with the active span.
func LogContext(ctx context.Context, level slog.Level, content string, args ...any) {
	logger.Log(ctx, level, content, args...)
}

func InitializeFloatCounter(name, description, unit string) (metric.Float64Counter, error) {
	counter, err := meter.Float64Counter(name,
		metric.WithDescription(description),
		metric.WithUnit(unit))
	if err != nil {
		Log("Failed to create metric: "+err.Error(), slog.LevelError)
		return nil, err
	}
	countersMu.Lock()
	counters[name] = counter
	countersMu.Unlock()
	return counter, nil
}

// InitializeCounters registers every counter the service reports.
func InitializeCounters() {
	InitializeFloatCounter(BoardTransitions, "Drops applied to the task board", "Task")
	InitializeFloatCounter(BoardTransitionsIgnored, "Drops rejected as locked, no-op or unknown column", "Task")
	InitializeFloatCounter(BoardPersistFailures, "Optimistic board updates the store refused", "Task")
	InitializeFloatCounter(BoardResyncs, "Full task re-reads", "Resync")
	InitializeFloatCounter(BoardResyncFailures, "Full task re-reads that failed", "Resync")
	InitializeFloatCounter(BlockersParsed, "Blockers ingested from the blocker log", "Blocker")
	InitializeFloatCounter(ExecutorClaims, "Tasks claimed by executors", "Task")
	InitializeFloatCounter(TasksRecovered, "Stale IN_PROGRESS tasks moved to BLOCKED", "Task")
}

// Add increments a registered counter. Unknown names are ignored.
func Add(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	countersMu.Lock()
	counter, ok := counters[name]
	countersMu.Unlock()
	if !ok {
		return
	}
	counter.Add(ctx, value, metric.WithAttributes(attrs...))
}

// StartSpan opens a span on the service tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func UpdateSpanValue(ctx context.Context, key string, value float64) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Float64(key, value))
}
