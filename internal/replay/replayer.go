// Package replay reads the source log and feeds the ingest queue at a
// configured rate, preserving source order.
package replay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/UsamaSani/SIEM-Lite/internal/event"
	"github.com/UsamaSani/SIEM-Lite/internal/queue"
	"github.com/UsamaSani/SIEM-Lite/internal/telemetry"
)

// Config configures the replayer.
type Config struct {
	// Input is the path of the line-oriented access-log file.
	Input string `mapstructure:"input" json:"input"`
	// Rate is the target emission rate in events/sec. 0 = unlimited.
	Rate int `mapstructure:"rate" json:"rate"`
	// Loop restarts from the top of the file at EOF instead of stopping,
	// until the run budget or a signal ends the run.
	Loop bool `mapstructure:"loop" json:"loop"`
	// PutBound is the backpressure sanity bound for ingest-queue puts.
	PutBound time.Duration `mapstructure:"put_bound" json:"put_bound"`
}

// Replayer emits RawLines into the ingest queue. It is the sole producer
// and closes the queue when the source is exhausted or the run is stopped,
// so downstream stages drain instead of blocking forever.
type Replayer struct {
	logger   *zap.Logger
	config   Config
	out      *queue.Queue[event.RawLine]
	counters *telemetry.Counters
}

// NewReplayer wires a replayer to the ingest queue.
func NewReplayer(logger *zap.Logger, config Config, out *queue.Queue[event.RawLine], counters *telemetry.Counters) (*Replayer, error) {
	if config.Input == "" {
		return nil, fmt.Errorf("replayer requires an input path")
	}
	if out == nil || counters == nil {
		return nil, fmt.Errorf("replayer requires an output queue and counters")
	}
	return &Replayer{
		logger:   logger.With(zap.String("component", "replayer")),
		config:   config,
		out:      out,
		counters: counters,
	}, nil
}

// Run replays the source until end-of-source (or forever in loop mode) or
// ctx cancellation, then closes the ingest queue. Blocking on a full queue
// is expected backpressure; only a backpressure sanity-bound trip or an I/O
// failure is an error.
func (r *Replayer) Run(ctx context.Context) error {
	defer r.out.Close()

	f, err := os.Open(r.config.Input)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	var limiter *rate.Limiter
	if r.config.Rate > 0 {
		burst := r.config.Rate / 10
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(r.config.Rate), burst)
	}

	r.logger.Info("Replay starting",
		zap.String("input", r.config.Input),
		zap.Int("rate", r.config.Rate),
		zap.Bool("loop", r.config.Loop),
	)

	start := time.Now()
	var seq uint64
	for {
		n, err := r.replayPass(ctx, f, limiter, &seq)
		if err != nil {
			r.logger.Info("Replay stopping",
				zap.Uint64("lines", seq),
				zap.Duration("elapsed", time.Since(start)),
			)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		}
		// An empty source in loop mode would spin.
		if !r.config.Loop || n == 0 {
			break
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind input: %w", err)
		}
	}

	r.logger.Info("Replay finished",
		zap.Uint64("lines", seq),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// replayPass emits one full pass over the file, returning the number of
// lines emitted in this pass.
func (r *Replayer) replayPass(ctx context.Context, f *os.File, limiter *rate.Limiter, seq *uint64) (int, error) {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	emitted := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return emitted, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return emitted, err
			}
		}

		*seq++
		raw := event.RawLine{Seq: *seq, Text: line, ArrivedAt: time.Now()}
		if err := r.out.PutBounded(ctx, raw, r.config.PutBound); err != nil {
			if errors.Is(err, queue.ErrBackpressureTimeout) {
				return emitted, fmt.Errorf("ingest put for line %d: %w", raw.Seq, err)
			}
			return emitted, err
		}
		r.counters.Ingested.Add(1)
		emitted++
	}
	if err := scanner.Err(); err != nil {
		return emitted, fmt.Errorf("read input: %w", err)
	}
	return emitted, nil
}
