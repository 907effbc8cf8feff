// Package indexer drains the index feed and the alert queue, batches
// records, and writes them to the configured store with retries and a
// dead-letter spill for batches the store will not take.
package indexer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/UsamaSani/SIEM-Lite/internal/event"
	"github.com/UsamaSani/SIEM-Lite/internal/queue"
	"github.com/UsamaSani/SIEM-Lite/internal/storage"
	"github.com/UsamaSani/SIEM-Lite/internal/telemetry"
)

// Config configures the indexer.
type Config struct {
	// BatchSize flushes an event batch when it reaches this many records.
	// Default 100.
	BatchSize int `mapstructure:"batch_size" json:"batch_size"`
	// FlushInterval flushes partial batches at this cadence. Default 2s.
	FlushInterval time.Duration `mapstructure:"flush_interval" json:"flush_interval"`
	// MaxRetries is the total write attempts per batch. Default 3.
	MaxRetries int `mapstructure:"max_retries" json:"max_retries"`
	// RetryBackoff is the first retry delay; it doubles per attempt.
	// Default 500ms.
	RetryBackoff time.Duration `mapstructure:"retry_backoff" json:"retry_backoff"`
	// DeadLetterPath is where failed batches are spilled.
	// Default "siemlite-deadletter.bin".
	DeadLetterPath string `mapstructure:"dead_letter_path" json:"dead_letter_path"`
}

// StoreWriteError is returned when a batch exhausted its retry budget. The
// ID range and spill path tell the operator exactly what to replay.
type StoreWriteError struct {
	Kind      string // "events" or "alerts"
	Count     int
	FirstID   uint64 // zero for alert batches
	LastID    uint64
	SpillPath string // empty if the spill itself failed
	Err       error
}

func (e *StoreWriteError) Error() string {
	spilled := "spill failed"
	if e.SpillPath != "" {
		spilled = "spilled to " + e.SpillPath
	}
	if e.Kind == "events" {
		return fmt.Sprintf("store write failed: %d events (ids %d..%d), %s: %v",
			e.Count, e.FirstID, e.LastID, spilled, e.Err)
	}
	return fmt.Sprintf("store write failed: %d %s, %s: %v", e.Count, e.Kind, spilled, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// Indexer is the single consumer of the index feed and the alert queue.
// One goroutine owns both batches, so no flush ever races another.
type Indexer struct {
	logger   *zap.Logger
	config   Config
	store    storage.Store
	events   *queue.Queue[*event.ParsedEvent]
	alerts   *queue.Queue[*event.Alert]
	counters *telemetry.Counters
	dead     *DeadLetter
}

// NewIndexer wires the indexer between the feeds and the store.
func NewIndexer(
	logger *zap.Logger,
	config Config,
	store storage.Store,
	events *queue.Queue[*event.ParsedEvent],
	alerts *queue.Queue[*event.Alert],
	counters *telemetry.Counters,
) (*Indexer, error) {
	if store == nil || events == nil || alerts == nil || counters == nil {
		return nil, fmt.Errorf("indexer requires a store, both feeds and counters")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 2 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 500 * time.Millisecond
	}
	if config.DeadLetterPath == "" {
		config.DeadLetterPath = "siemlite-deadletter.bin"
	}

	componentLogger := logger.With(zap.String("component", "indexer"))
	return &Indexer{
		logger:   componentLogger,
		config:   config,
		store:    store,
		events:   events,
		alerts:   alerts,
		counters: counters,
		dead:     NewDeadLetter(logger, config.DeadLetterPath),
	}, nil
}

// Run consumes until both feeds are drained, then performs a final flush.
// A batch that fails after retries is spilled and ends the run with a
// StoreWriteError.
func (ix *Indexer) Run(ctx context.Context) error {
	defer ix.dead.Close()

	ticker := time.NewTicker(ix.config.FlushInterval)
	defer ticker.Stop()

	eventBatch := make([]*event.ParsedEvent, 0, ix.config.BatchSize)
	alertBatch := make([]*event.Alert, 0, 16)

	evCh, evDone := ix.events.C(), ix.events.Done()
	alCh, alDone := ix.alerts.C(), ix.alerts.Done()

	ix.logger.Info("Indexer starting",
		zap.Int("batch_size", ix.config.BatchSize),
		zap.Duration("flush_interval", ix.config.FlushInterval),
	)

	for evCh != nil || alCh != nil {
		select {
		case <-ctx.Done():
			// Forced stop. Flush what was already accepted, then get out
			// of the way.
			ix.logger.Warn("Indexer stopping early, flushing partial batches",
				zap.Int("events", len(eventBatch)),
				zap.Int("alerts", len(alertBatch)),
			)
			if err := ix.flushEvents(ctx, &eventBatch); err != nil {
				return err
			}
			return ix.flushAlerts(ctx, &alertBatch)

		case ev := <-evCh:
			eventBatch = append(eventBatch, ev)
			ix.counters.BatchFill.Store(uint64(len(eventBatch)))
			if len(eventBatch) >= ix.config.BatchSize {
				if err := ix.flushEvents(ctx, &eventBatch); err != nil {
					return err
				}
			}

		case <-evDone:
			for {
				ev, ok := ix.events.TryGet()
				if !ok {
					break
				}
				eventBatch = append(eventBatch, ev)
				if len(eventBatch) >= ix.config.BatchSize {
					if err := ix.flushEvents(ctx, &eventBatch); err != nil {
						return err
					}
				}
			}
			ix.counters.BatchFill.Store(uint64(len(eventBatch)))
			evCh, evDone = nil, nil

		case alert := <-alCh:
			alertBatch = append(alertBatch, alert)
			if len(alertBatch) >= ix.config.BatchSize {
				if err := ix.flushAlerts(ctx, &alertBatch); err != nil {
					return err
				}
			}

		case <-alDone:
			for {
				alert, ok := ix.alerts.TryGet()
				if !ok {
					break
				}
				alertBatch = append(alertBatch, alert)
			}
			alCh, alDone = nil, nil

		case <-ticker.C:
			if err := ix.flushEvents(ctx, &eventBatch); err != nil {
				return err
			}
			if err := ix.flushAlerts(ctx, &alertBatch); err != nil {
				return err
			}
		}
	}

	if err := ix.flushEvents(ctx, &eventBatch); err != nil {
		return err
	}
	if err := ix.flushAlerts(ctx, &alertBatch); err != nil {
		return err
	}
	ix.logger.Info("Indexer finished",
		zap.Uint64("indexed", ix.counters.Indexed.Load()),
		zap.Uint64("flushes", ix.counters.Flushes.Load()),
	)
	return nil
}

// flushContext returns ctx while it is live. After a forced stop every
// flush runs on a fresh bounded context, so accepted batches still reach
// the store instead of spilling on an already-dead context.
func flushContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (ix *Indexer) flushEvents(ctx context.Context, batch *[]*event.ParsedEvent) error {
	events := *batch
	if len(events) == 0 {
		return nil
	}
	ctx, cancel := flushContext(ctx)
	defer cancel()
	err := ix.writeWithRetry(ctx, "events", len(events), func(c context.Context) error {
		return ix.store.WriteEvents(c, events)
	})
	if err != nil {
		return ix.spillEvents(events, err)
	}

	ix.counters.Indexed.Add(uint64(len(events)))
	ix.counters.Flushes.Add(1)
	ix.counters.BatchFill.Store(0)
	now := time.Now()
	for _, ev := range events {
		ix.counters.ObserveLatency(now.Sub(ev.IngestedAt))
	}
	*batch = events[:0]
	return nil
}

func (ix *Indexer) flushAlerts(ctx context.Context, batch *[]*event.Alert) error {
	alerts := *batch
	if len(alerts) == 0 {
		return nil
	}
	ctx, cancel := flushContext(ctx)
	defer cancel()
	err := ix.writeWithRetry(ctx, "alerts", len(alerts), func(c context.Context) error {
		return ix.store.WriteAlerts(c, alerts)
	})
	if err != nil {
		return ix.spillAlerts(alerts, err)
	}
	ix.counters.Flushes.Add(1)
	*batch = alerts[:0]
	return nil
}

// writeWithRetry attempts one batch write up to MaxRetries times with
// doubling backoff.
func (ix *Indexer) writeWithRetry(ctx context.Context, kind string, records int, write func(context.Context) error) error {
	backoff := ix.config.RetryBackoff
	var err error
	for attempt := 1; attempt <= ix.config.MaxRetries; attempt++ {
		start := time.Now()
		err = write(ctx)
		ix.counters.WriteNanos.Add(uint64(time.Since(start).Nanoseconds()))
		if err == nil {
			if attempt > 1 {
				ix.logger.Info("Store write recovered",
					zap.String("kind", kind),
					zap.Int("attempt", attempt),
				)
			}
			return nil
		}
		if attempt == ix.config.MaxRetries {
			break
		}
		ix.counters.FlushRetries.Add(1)
		ix.logger.Warn("Store write failed, retrying",
			zap.String("kind", kind),
			zap.Int("records", records),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return err
		}
		backoff *= 2
	}
	return err
}

func (ix *Indexer) spillEvents(events []*event.ParsedEvent, cause error) error {
	// Worker fan-in means the batch is not ID-sorted; report the true range.
	first, last := events[0].ID, events[0].ID
	for _, ev := range events[1:] {
		if ev.ID < first {
			first = ev.ID
		}
		if ev.ID > last {
			last = ev.ID
		}
	}
	werr := &StoreWriteError{
		Kind:    "events",
		Count:   len(events),
		FirstID: first,
		LastID:  last,
		Err:     cause,
	}
	path, err := ix.dead.SpillEvents(events, cause.Error())
	if err != nil {
		ix.logger.Error("Dead-letter spill failed", zap.Error(err))
		return werr
	}
	werr.SpillPath = path
	return werr
}

func (ix *Indexer) spillAlerts(alerts []*event.Alert, cause error) error {
	werr := &StoreWriteError{
		Kind:  "alerts",
		Count: len(alerts),
		Err:   cause,
	}
	path, err := ix.dead.SpillAlerts(alerts, cause.Error())
	if err != nil {
		ix.logger.Error("Dead-letter spill failed", zap.Error(err))
		return werr
	}
	werr.SpillPath = path
	return werr
}
