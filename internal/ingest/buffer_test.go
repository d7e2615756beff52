package ingest

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cattlefeed/ingest/internal/clock"
	"github.com/cattlefeed/ingest/internal/domain"
	"github.com/cattlefeed/ingest/internal/store"
)

type fakeStore struct {
	mu          sync.Mutex
	failUntil   int
	attempts    int
	devices     []store.DeviceSeen
	tags        []string
	samples     []domain.RawSample
	insertCalls int
}

func (f *fakeStore) UpsertDevices(_ context.Context, devices []store.DeviceSeen) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = append(f.devices, devices...)
	return nil
}

func (f *fakeStore) UpsertTags(_ context.Context, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags = append(f.tags, tags...)
	return nil
}

func (f *fakeStore) InsertRawSamples(_ context.Context, samples []domain.RawSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	f.insertCalls++
	if f.attempts <= f.failUntil {
		return errors.New("transient store error")
	}
	f.samples = append(f.samples, samples...)
	return nil
}

func sample(device, tag string, at time.Time) domain.RawSample {
	return domain.RawSample{
		Instant:  at,
		DeviceID: device,
		Tag:      sql.NullString{String: tag, Valid: tag != ""},
		Weight:   10,
		Address:  "10.0.0.1",
	}
}

func TestBufferFlushWritesPendingSamples(t *testing.T) {
	fs := &fakeStore{}
	clk := clock.NewFake(time.Unix(0, 0))
	buf := NewBuffer(fs, clk, 3, time.Hour, time.Millisecond)

	buf.Add(sample("d1", "t1", clk.Now()))
	buf.Add(sample("d1", "t1", clk.Now()))
	require.Equal(t, 2, buf.Len())

	require.NoError(t, buf.Flush(context.Background()))
	require.Len(t, fs.samples, 2)
	require.Equal(t, 0, buf.Len())
}

func TestBufferRetainsBatchOnFlushFailure(t *testing.T) {
	fs := &fakeStore{failUntil: 1}
	clk := clock.NewFake(time.Unix(0, 0))
	buf := NewBuffer(fs, clk, 100, time.Hour, time.Millisecond)

	buf.Add(sample("d1", "t1", clk.Now()))
	buf.Add(sample("d1", "t1", clk.Now()))

	err := buf.Flush(context.Background())
	require.Error(t, err)
	require.Equal(t, 2, buf.Len(), "failed batch must be retained, not dropped")

	require.NoError(t, buf.Flush(context.Background()))
	require.Len(t, fs.samples, 2)
}

func TestRunFlushesAndRetriesUntilSuccess(t *testing.T) {
	fs := &fakeStore{failUntil: 2}
	clk := clock.NewFake(time.Unix(0, 0))
	buf := NewBuffer(fs, clk, 1, time.Hour, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var errCount int
	var mu sync.Mutex
	go buf.Run(ctx, func(error) {
		mu.Lock()
		errCount++
		mu.Unlock()
	})

	buf.Add(sample("d1", "t1", clk.Now()))

	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.samples) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	require.GreaterOrEqual(t, errCount, 2)
	mu.Unlock()
}

func TestRunFlushesOnceMoreBeforeExit(t *testing.T) {
	fs := &fakeStore{}
	clk := clock.NewFake(time.Unix(0, 0))
	buf := NewBuffer(fs, clk, 100, time.Hour, time.Millisecond)

	buf.mu.Lock()
	buf.pending = append(buf.pending, sample("d1", "t1", clk.Now()))
	buf.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		buf.Run(ctx, nil)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after cancellation")
	}
	require.Len(t, fs.samples, 1)
}
