// Package ingest implements the telemetry intake path: the write-behind
// buffer (spec.md §4.C3) and the broker subscriber (spec.md §4.C8).
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cattlefeed/ingest/internal/clock"
	"github.com/cattlefeed/ingest/internal/domain"
	"github.com/cattlefeed/ingest/internal/metrics"
	"github.com/cattlefeed/ingest/internal/store"
)

// RawStore is the subset of *store.Store the buffer writes through.
type RawStore interface {
	UpsertDevices(ctx context.Context, devices []store.DeviceSeen) error
	UpsertTags(ctx context.Context, tags []string) error
	InsertRawSamples(ctx context.Context, samples []domain.RawSample) error
}

// Buffer accumulates raw samples in memory and flushes them to the store on
// a size or time trigger, per spec.md §4.C3. Single-producer (Add, called
// from the subscriber goroutine) / single-consumer (Run's flush loop)
// discipline: the mutex only ever guards the pending slice swap, never a
// store round-trip, mirroring the teacher's single-owner map discipline in
// internal/relay.
type Buffer struct {
	store    RawStore
	clk      clock.Clock
	size     int
	interval time.Duration
	backoff  time.Duration

	mu        sync.Mutex
	pending   []domain.RawSample
	lastFlush time.Time

	signal chan struct{}

	met *metrics.Metrics
}

func NewBuffer(st RawStore, clk clock.Clock, size int, interval, backoff time.Duration) *Buffer {
	return &Buffer{
		store:     st,
		clk:       clk,
		size:      size,
		interval:  interval,
		backoff:   backoff,
		lastFlush: clk.Now(),
		signal:    make(chan struct{}, 1),
	}
}

// SetMetrics wires m in to record flush counts and queue depth. Optional.
func (b *Buffer) SetMetrics(m *metrics.Metrics) {
	b.met = m
}

// Add appends sample to the pending batch and wakes the flush loop if a
// size or time trigger has fired.
func (b *Buffer) Add(sample domain.RawSample) {
	b.mu.Lock()
	b.pending = append(b.pending, sample)
	depth := len(b.pending)
	trigger := depth >= b.size || b.clk.Now().Sub(b.lastFlush) >= b.interval
	b.mu.Unlock()

	if b.met != nil {
		b.met.BufferDepth.Set(float64(depth))
	}

	if trigger {
		select {
		case b.signal <- struct{}{}:
		default:
		}
	}
}

// Len reports the number of samples currently pending.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush drains the pending batch and writes it to the store. On failure the
// batch is put back at the head of the pending queue — no sample is
// silently dropped, per spec.md §4.C3's failure semantics.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if err := b.write(ctx, batch); err != nil {
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		depth := len(b.pending)
		b.mu.Unlock()
		if b.met != nil {
			b.met.BufferFlushErrors.Inc()
			b.met.BufferDepth.Set(float64(depth))
		}
		return err
	}

	b.mu.Lock()
	b.lastFlush = b.clk.Now()
	b.mu.Unlock()
	if b.met != nil {
		b.met.BufferFlushes.Inc()
		b.met.BufferDepth.Set(0)
	}
	return nil
}

// write performs the three-step flush algorithm from spec.md §4.C3:
// devices, then tags, then raw samples, in that order for referential
// integrity.
func (b *Buffer) write(ctx context.Context, batch []domain.RawSample) error {
	devices := make(map[string]store.DeviceSeen)
	tagSet := make(map[string]struct{})
	for _, s := range batch {
		if existing, ok := devices[s.DeviceID]; !ok || s.Instant.After(existing.Instant) {
			devices[s.DeviceID] = store.DeviceSeen{DeviceID: s.DeviceID, Address: s.Address, Instant: s.Instant}
		}
		if s.Tag.Valid && s.Tag.String != "" {
			tagSet[s.Tag.String] = struct{}{}
		}
	}

	deviceBatch := make([]store.DeviceSeen, 0, len(devices))
	for _, d := range devices {
		deviceBatch = append(deviceBatch, d)
	}
	tags := make([]string, 0, len(tagSet))
	for t := range tagSet {
		tags = append(tags, t)
	}

	if err := b.store.UpsertDevices(ctx, deviceBatch); err != nil {
		return fmt.Errorf("flush buffer: upsert devices: %w", err)
	}
	if err := b.store.UpsertTags(ctx, tags); err != nil {
		return fmt.Errorf("flush buffer: upsert tags: %w", err)
	}
	if err := b.store.InsertRawSamples(ctx, batch); err != nil {
		return fmt.Errorf("flush buffer: insert samples: %w", err)
	}
	return nil
}

// Run drains the buffer whenever Add signals a trigger, retrying on failure
// with a bounded sleep between attempts — the buffer is a steady-state
// back-pressure valve, not a queue of record, so it never gives up. A ticker
// at the configured interval also drains independently of Add, so a
// trailing partial batch (below the size trigger) still flushes within
// FlushInterval even once the telemetry stream has gone quiet. On
// cancellation it performs one final flush attempt before returning.
func (b *Buffer) Run(ctx context.Context, onError func(error)) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := b.Flush(context.Background()); err != nil && onError != nil {
				onError(err)
			}
			return
		case <-b.signal:
			b.drainWithRetry(ctx, onError)
		case <-ticker.C:
			b.drainWithRetry(ctx, onError)
		}
	}
}

func (b *Buffer) drainWithRetry(ctx context.Context, onError func(error)) {
	for {
		err := b.Flush(ctx)
		if err == nil {
			return
		}
		if onError != nil {
			onError(err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.backoff):
		}
	}
}
