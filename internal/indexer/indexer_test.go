package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/UsamaSani/SIEM-Lite/internal/event"
	"github.com/UsamaSani/SIEM-Lite/internal/queue"
	"github.com/UsamaSani/SIEM-Lite/internal/telemetry"
)

type fakeStore struct {
	mu           sync.Mutex
	eventBatches [][]*event.ParsedEvent
	alertBatches [][]*event.Alert
	failNext     int  // fail this many event writes, then succeed
	failAlways   bool // every write fails
}

func (s *fakeStore) WriteEvents(ctx context.Context, events []*event.ParsedEvent) error {
	// Real drivers refuse a dead context before touching the database.
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAlways {
		return errors.New("store unavailable")
	}
	if s.failNext > 0 {
		s.failNext--
		return errors.New("transient store failure")
	}
	s.eventBatches = append(s.eventBatches, append([]*event.ParsedEvent(nil), events...))
	return nil
}

func (s *fakeStore) WriteAlerts(ctx context.Context, alerts []*event.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAlways {
		return errors.New("store unavailable")
	}
	s.alertBatches = append(s.alertBatches, append([]*event.Alert(nil), alerts...))
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) events() [][]*event.ParsedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]*event.ParsedEvent(nil), s.eventBatches...)
}

func (s *fakeStore) alerts() [][]*event.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]*event.Alert(nil), s.alertBatches...)
}

func indexedEvent(id uint64) *event.ParsedEvent {
	return &event.ParsedEvent{
		ID:         id,
		IP:         "203.0.113.7",
		Timestamp:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Status:     200,
		IngestedAt: time.Now().Add(-time.Millisecond),
	}
}

func newTestIndexer(t *testing.T, config Config, store *fakeStore) (*Indexer, *queue.Queue[*event.ParsedEvent], *queue.Queue[*event.Alert], *telemetry.Counters) {
	t.Helper()
	if config.DeadLetterPath == "" {
		config.DeadLetterPath = filepath.Join(t.TempDir(), "deadletter.bin")
	}
	evq := queue.New[*event.ParsedEvent]("index-feed", 2000)
	alq := queue.New[*event.Alert]("alerts", 100)
	counters := &telemetry.Counters{}
	ix, err := NewIndexer(zaptest.NewLogger(t), config, store, evq, alq, counters)
	require.NoError(t, err)
	return ix, evq, alq, counters
}

func TestIndexerBatchesBySize(t *testing.T) {
	store := &fakeStore{}
	ix, evq, alq, counters := newTestIndexer(t, Config{BatchSize: 100}, store)

	for i := 1; i <= 1000; i++ {
		require.NoError(t, evq.Put(context.Background(), indexedEvent(uint64(i))))
	}
	evq.Close()
	alq.Close()

	require.NoError(t, ix.Run(context.Background()))

	batches := store.events()
	require.Len(t, batches, 10)
	seen := map[uint64]int{}
	for _, batch := range batches {
		assert.Len(t, batch, 100)
		for _, ev := range batch {
			seen[ev.ID]++
		}
	}
	require.Len(t, seen, 1000)
	for id, n := range seen {
		require.Equal(t, 1, n, fmt.Sprintf("event %d stored %d times", id, n))
	}

	assert.Equal(t, uint64(1000), counters.Indexed.Load())
	assert.Equal(t, uint64(10), counters.Flushes.Load())
	_, _, _, latencyCount := counters.LatencyStats()
	assert.Equal(t, uint64(1000), latencyCount)
}

func TestIndexerFlushesTrailingPartialBatch(t *testing.T) {
	store := &fakeStore{}
	ix, evq, alq, counters := newTestIndexer(t, Config{BatchSize: 100}, store)

	for i := 1; i <= 250; i++ {
		require.NoError(t, evq.Put(context.Background(), indexedEvent(uint64(i))))
	}
	evq.Close()
	alq.Close()

	require.NoError(t, ix.Run(context.Background()))

	batches := store.events()
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 100)
	assert.Len(t, batches[1], 100)
	assert.Len(t, batches[2], 50)
	assert.Equal(t, uint64(250), counters.Indexed.Load())
}

func TestIndexerFlushesOnTimer(t *testing.T) {
	store := &fakeStore{}
	ix, evq, alq, _ := newTestIndexer(t, Config{BatchSize: 100, FlushInterval: 50 * time.Millisecond}, store)

	done := make(chan error, 1)
	go func() { done <- ix.Run(context.Background()) }()

	for i := 1; i <= 3; i++ {
		require.NoError(t, evq.Put(context.Background(), indexedEvent(uint64(i))))
	}

	// The timer, not the size threshold, must push these out.
	require.Eventually(t, func() bool {
		return len(store.events()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, store.events()[0], 3)

	evq.Close()
	alq.Close()
	require.NoError(t, <-done)
}

func TestIndexerForcedStopFlushesAcceptedBatches(t *testing.T) {
	// With a cancelled run context and closed queues the select in Run can
	// exit through any branch; iterate so each of them gets exercised.
	// Whatever the path, a healthy store must end the run clean: accepted
	// records written, the rest left queued, nothing spilled.
	for i := 0; i < 25; i++ {
		store := &fakeStore{}
		path := filepath.Join(t.TempDir(), "dead.bin")
		ix, evq, alq, _ := newTestIndexer(t, Config{
			RetryBackoff:   5 * time.Millisecond,
			DeadLetterPath: path,
		}, store)

		for id := 1; id <= 5; id++ {
			require.NoError(t, evq.Put(context.Background(), indexedEvent(uint64(id))))
		}
		for a := 0; a < 2; a++ {
			require.NoError(t, alq.Put(context.Background(), &event.Alert{
				ID:   fmt.Sprintf("a-%d", a),
				Rule: "HIGH_ERROR_RATE",
				Key:  "203.0.113.7",
			}))
		}
		evq.Close()
		alq.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.NoError(t, ix.Run(ctx))

		storedEvents := 0
		for _, batch := range store.events() {
			storedEvents += len(batch)
		}
		storedAlerts := 0
		for _, batch := range store.alerts() {
			storedAlerts += len(batch)
		}
		assert.Equal(t, 5, storedEvents+evq.Len())
		assert.Equal(t, 2, storedAlerts+alq.Len())

		_, statErr := os.Stat(path)
		assert.True(t, os.IsNotExist(statErr), "healthy store, nothing may spill")
	}
}

func TestIndexerWritesAlertBatches(t *testing.T) {
	store := &fakeStore{}
	ix, evq, alq, _ := newTestIndexer(t, Config{}, store)

	for i := 0; i < 3; i++ {
		require.NoError(t, alq.Put(context.Background(), &event.Alert{
			ID:   fmt.Sprintf("a-%d", i),
			Rule: "HIGH_ERROR_RATE",
			Key:  "203.0.113.7",
		}))
	}
	evq.Close()
	alq.Close()

	require.NoError(t, ix.Run(context.Background()))

	batches := store.alerts()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 3)
	assert.Empty(t, store.events())
}

func TestIndexerRetriesTransientFailure(t *testing.T) {
	store := &fakeStore{failNext: 1}
	ix, evq, alq, counters := newTestIndexer(t, Config{RetryBackoff: 10 * time.Millisecond}, store)

	for i := 1; i <= 5; i++ {
		require.NoError(t, evq.Put(context.Background(), indexedEvent(uint64(i))))
	}
	evq.Close()
	alq.Close()

	require.NoError(t, ix.Run(context.Background()))

	batches := store.events()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 5)
	assert.Equal(t, uint64(1), counters.FlushRetries.Load())
	assert.Equal(t, uint64(5), counters.Indexed.Load())
}

func TestIndexerSpillsAfterRetryBudget(t *testing.T) {
	store := &fakeStore{failAlways: true}
	path := filepath.Join(t.TempDir(), "spill.bin")
	ix, evq, alq, counters := newTestIndexer(t, Config{
		MaxRetries:     2,
		RetryBackoff:   5 * time.Millisecond,
		DeadLetterPath: path,
	}, store)

	for i := 1; i <= 5; i++ {
		require.NoError(t, evq.Put(context.Background(), indexedEvent(uint64(i))))
	}
	evq.Close()
	alq.Close()

	err := ix.Run(context.Background())
	require.Error(t, err)

	var werr *StoreWriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "events", werr.Kind)
	assert.Equal(t, 5, werr.Count)
	assert.Equal(t, uint64(1), werr.FirstID)
	assert.Equal(t, uint64(5), werr.LastID)
	assert.Equal(t, path, werr.SpillPath)
	assert.Zero(t, counters.Indexed.Load())
	assert.Equal(t, uint64(1), counters.FlushRetries.Load())

	frames, readErr := ReadFrames(path)
	require.NoError(t, readErr)
	require.Len(t, frames, 1)
	assert.Equal(t, "events", frames[0].Kind)
	assert.Len(t, frames[0].Events, 5)
	assert.Contains(t, frames[0].Reason, "store unavailable")
}

func TestDeadLetterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.bin")
	dead := NewDeadLetter(zaptest.NewLogger(t), path)

	events := []*event.ParsedEvent{indexedEvent(7), indexedEvent(8)}
	_, err := dead.SpillEvents(events, "unit test")
	require.NoError(t, err)

	alerts := []*event.Alert{{ID: "a-1", Rule: "HIGH_ERROR_RATE", Key: "203.0.113.7", Count: 6}}
	_, err = dead.SpillAlerts(alerts, "unit test")
	require.NoError(t, err)
	require.NoError(t, dead.Close())

	frames, err := ReadFrames(path)
	require.NoError(t, err)
	require.Len(t, frames, 2)

	assert.Equal(t, "events", frames[0].Kind)
	require.Len(t, frames[0].Events, 2)
	assert.Equal(t, uint64(7), frames[0].Events[0].ID)
	assert.Equal(t, "203.0.113.7", frames[0].Events[0].IP)

	assert.Equal(t, "alerts", frames[1].Kind)
	require.Len(t, frames[1].Alerts, 1)
	assert.Equal(t, "HIGH_ERROR_RATE", frames[1].Alerts[0].Rule)
	assert.Equal(t, 6, frames[1].Alerts[0].Count)
}

func TestStoreWriteErrorMessage(t *testing.T) {
	err := &StoreWriteError{
		Kind:      "events",
		Count:     100,
		FirstID:   201,
		LastID:    300,
		SpillPath: "/var/tmp/spill.bin",
		Err:       errors.New("connection refused"),
	}
	msg := err.Error()
	assert.Contains(t, msg, "100 events")
	assert.Contains(t, msg, "201..300")
	assert.Contains(t, msg, "/var/tmp/spill.bin")
	assert.Contains(t, msg, "connection refused")

	assert.ErrorIs(t, err, err.Err)
}
