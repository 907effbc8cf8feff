package parse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/UsamaSani/SIEM-Lite/internal/event"
	"github.com/UsamaSani/SIEM-Lite/internal/queue"
	"github.com/UsamaSani/SIEM-Lite/internal/telemetry"
)

// PoolConfig configures the worker pool.
type PoolConfig struct {
	// Workers is the number of concurrent parser workers. Default: 4.
	Workers int `mapstructure:"workers" json:"workers"`
	// PutBound is the backpressure sanity bound applied to feed-queue puts.
	// Zero means block without bound.
	PutBound time.Duration `mapstructure:"put_bound" json:"put_bound"`
}

// Pool drains the ingest queue with N workers, parsing and enriching each
// line, and fans every event out to the index feed and the alert feed.
// Work distribution is contention-based: whichever worker is free pulls the
// next line.
type Pool struct {
	logger   *zap.Logger
	config   PoolConfig
	parser   *Parser
	in       *queue.Queue[event.RawLine]
	outIndex *queue.Queue[*event.ParsedEvent]
	outAlert *queue.Queue[*event.ParsedEvent]
	counters *telemetry.Counters
}

// NewPool wires a pool between the ingest queue and the two feed queues.
func NewPool(
	logger *zap.Logger,
	config PoolConfig,
	parser *Parser,
	in *queue.Queue[event.RawLine],
	outIndex, outAlert *queue.Queue[*event.ParsedEvent],
	counters *telemetry.Counters,
) (*Pool, error) {
	if parser == nil || in == nil || outIndex == nil || outAlert == nil || counters == nil {
		return nil, fmt.Errorf("pool requires parser, queues, and counters")
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	return &Pool{
		logger:   logger.With(zap.String("component", "parser-pool")),
		config:   config,
		parser:   parser,
		in:       in,
		outIndex: outIndex,
		outAlert: outAlert,
		counters: counters,
	}, nil
}

// Run blocks until every worker has exited, then closes both feed queues so
// downstream consumers drain. Workers exit on EndOfStream after finishing
// in-flight work (graceful drain) or on ctx cancellation (forced stop, with
// undelivered work counted as discarded).
func (p *Pool) Run(ctx context.Context) error {
	defer p.outIndex.Close()
	defer p.outAlert.Close()

	p.logger.Info("Starting parser workers", zap.Int("workers", p.config.Workers))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.config.Workers; i++ {
		id := i
		g.Go(func() error { return p.worker(ctx, id) })
	}
	err := g.Wait()

	p.logger.Info("Parser workers finished",
		zap.Uint64("parsed", p.counters.Parsed.Load()),
		zap.Uint64("parse_errors", p.counters.ParseErrors.Load()),
	)
	return err
}

func (p *Pool) worker(ctx context.Context, id int) error {
	log := p.logger.With(zap.Int("worker", id))
	for {
		raw, err := p.in.Get(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrEndOfStream) {
				return nil
			}
			// Forced stop; remaining queued lines are counted by the
			// coordinator.
			log.Debug("Worker stopping before drain completed", zap.Error(err))
			return nil
		}

		ev, perr := p.parser.Parse(raw)
		if perr != nil {
			p.counters.ParseErrors.Add(1)
			log.Debug("Dropped malformed line", zap.Error(perr))
			continue
		}
		p.counters.Parsed.Add(1)

		// Index feed first: a stalled indexer backpressures workers before
		// the alerting engine sees the event.
		if err := p.put(ctx, p.outIndex, ev); err != nil {
			if errors.Is(err, errStopWorker) {
				return nil
			}
			return err
		}
		if err := p.put(ctx, p.outAlert, ev); err != nil {
			if errors.Is(err, errStopWorker) {
				return nil
			}
			return err
		}
	}
}

// put delivers one event to a feed queue. Closed-feed and cancellation
// outcomes count the copy as discarded and stop the worker without error;
// a backpressure timeout is fatal.
func (p *Pool) put(ctx context.Context, q *queue.Queue[*event.ParsedEvent], ev *event.ParsedEvent) error {
	err := q.PutBounded(ctx, ev, p.config.PutBound)
	if err == nil {
		return nil
	}
	p.counters.Discarded.Add(1)
	if errors.Is(err, queue.ErrBackpressureTimeout) {
		return fmt.Errorf("%s put for event %d: %w", q.Name(), ev.ID, err)
	}
	p.logger.Warn("Feed rejected event during shutdown",
		zap.String("queue", q.Name()),
		zap.Uint64("event_id", ev.ID),
		zap.Error(err),
	)
	return errStopWorker
}

// errStopWorker unwinds a worker without reporting a pipeline failure.
var errStopWorker = errors.New("worker stopped")
