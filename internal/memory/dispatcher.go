// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/jeranaias/rigrun-chat/internal/telemetry"
)

// =============================================================================
// SINK CONTRACT
// =============================================================================

// Record is one completed user/assistant exchange.
type Record struct {
	ChatID        string
	MessageID     string
	PersonaID     string
	UserText      string
	AssistantText string
	Timestamp     time.Time
	Incognito     bool
}

// Sink stores records for later recall.
type Sink interface {
	Ingest(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

// Ingest calls f.
func (f SinkFunc) Ingest(ctx context.Context, rec Record) error {
	return f(ctx, rec)
}

// ErrIncognito is reported for records that were skipped.
var ErrIncognito = errors.New("incognito turn not ingested")

// Result reports how one submission ended.
type Result struct {
	Record Record
	Err    error
}

// =============================================================================
// DISPATCHER
// =============================================================================

// Defaults used when Options fields are zero.
const (
	DefaultMaxConcurrent = 2
	DefaultTimeout       = 30 * time.Second
	resultBuffer         = 32
)

// Options configures a Dispatcher.
type Options struct {
	MaxConcurrent int64
	Timeout       time.Duration
	Logger        *zap.Logger
	Metrics       *telemetry.Metrics
}

// Dispatcher runs ingestion in the background.
type Dispatcher struct {
	sink    Sink
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *zap.Logger
	metrics *telemetry.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	results chan Result
}

// NewDispatcher creates a dispatcher. A nil sink makes every Submit a no-op.
func NewDispatcher(sink Sink, opts Options) *Dispatcher {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sink:    sink,
		sem:     semaphore.NewWeighted(opts.MaxConcurrent),
		timeout: opts.Timeout,
		logger:  opts.Logger.Named("memory"),
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		results: make(chan Result, resultBuffer),
	}
}

// Submit queues a record and returns at once. It reports false when the
// record was not queued: incognito, no sink, or the dispatcher is closed.
func (d *Dispatcher) Submit(rec Record) bool {
	if rec.Incognito {
		d.metrics.Ingested("skipped")
		d.notify(Result{Record: rec, Err: ErrIncognito})
		return false
	}
	if d.sink == nil {
		return false
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(rec)
	return true
}

func (d *Dispatcher) run(rec Record) {
	defer d.wg.Done()

	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		d.finish(rec, err)
		return
	}
	defer d.sem.Release(1)

	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()
	d.finish(rec, d.sink.Ingest(ctx, rec))
}

func (d *Dispatcher) finish(rec Record, err error) {
	if err != nil {
		d.logger.Warn("memory ingestion failed",
			zap.String("chat_id", rec.ChatID),
			zap.String("message_id", rec.MessageID),
			zap.Error(err))
		d.metrics.Ingested("failed")
	} else {
		d.logger.Debug("memory ingested",
			zap.String("chat_id", rec.ChatID),
			zap.String("message_id", rec.MessageID))
		d.metrics.Ingested("ok")
	}
	d.notify(Result{Record: rec, Err: err})
}

// notify offers a result without blocking.
func (d *Dispatcher) notify(r Result) {
	select {
	case d.results <- r:
	default:
		d.logger.Debug("memory result dropped, channel full",
			zap.String("chat_id", r.Record.ChatID))
	}
}

// Results returns the notification channel. It is never closed.
func (d *Dispatcher) Results() <-chan Result {
	return d.results
}

// Wait blocks until every submitted record has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting records and waits for queued ones. If ctx ends
// first, whatever is still pending is cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
