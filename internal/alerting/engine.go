// Package alerting evaluates sliding-window threshold rules over the parsed
// event stream and emits alerts.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/UsamaSani/SIEM-Lite/internal/event"
	"github.com/UsamaSani/SIEM-Lite/internal/queue"
	"github.com/UsamaSani/SIEM-Lite/internal/telemetry"
)

const (
	// partitionBuffer is the per-partition hand-off channel depth.
	partitionBuffer = 64
	// maxSampleIDs caps the event IDs attached to an alert.
	maxSampleIDs = 5
)

// errStopEval marks an expected stop (closed alert queue or cancelled run)
// seen while emitting, as opposed to a rule-evaluation failure.
var errStopEval = errors.New("alerting: stopping")

// Config configures the alerting engine.
type Config struct {
	// Partitions is the number of key-partitioned evaluator goroutines.
	// Default 4. State for one IP lives in exactly one partition.
	Partitions int `mapstructure:"partitions" json:"partitions"`
	// PutBound is the backpressure sanity bound for alert-queue puts.
	PutBound time.Duration `mapstructure:"put_bound" json:"put_bound"`
	// SweepInterval is how often idle window state is dropped.
	// Default: the shortest rule window.
	SweepInterval time.Duration `mapstructure:"sweep_interval" json:"sweep_interval"`
	// Rules is the active rule set. Default: DefaultRules().
	Rules []Rule `mapstructure:"rules" json:"rules"`
}

type stateKey struct {
	rule string
	key  string
}

type occurrence struct {
	ts time.Time
	id uint64
}

// windowState is the per-(rule, key) sliding window. Owned by a single
// partition goroutine, never shared.
type windowState struct {
	hits      []occurrence
	lastFired time.Time
}

func (s *windowState) evict(cutoff time.Time) {
	keep := s.hits[:0]
	for _, h := range s.hits {
		if !h.ts.Before(cutoff) {
			keep = append(keep, h)
		}
	}
	s.hits = keep
}

// Engine partitions parsed events by IP, keeps per-(rule, IP) windows of
// event timestamps, and emits an Alert whenever a window reaches its rule's
// threshold. Window arithmetic uses event time, so replaying a historical
// log yields the same alerts run after run.
type Engine struct {
	logger   *zap.Logger
	config   Config
	rules    []Rule
	windows  map[string]time.Duration
	in       *queue.Queue[*event.ParsedEvent]
	out      *queue.Queue[*event.Alert]
	counters *telemetry.Counters
	sink     Sink

	sweepInterval time.Duration
}

// NewEngine wires the engine between the alert feed and the alert queue.
// sink may be nil when no external notification is configured.
func NewEngine(
	logger *zap.Logger,
	config Config,
	in *queue.Queue[*event.ParsedEvent],
	out *queue.Queue[*event.Alert],
	counters *telemetry.Counters,
	sink Sink,
) (*Engine, error) {
	if in == nil || out == nil || counters == nil {
		return nil, fmt.Errorf("alerting engine requires input, output and counters")
	}
	if config.Partitions <= 0 {
		config.Partitions = 4
	}
	rules := config.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	windows := make(map[string]time.Duration, len(rules))
	minWindow := time.Duration(0)
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return nil, err
		}
		if rules[i].Policy == "" {
			rules[i].Policy = PolicyPerEvent
		}
		if _, dup := windows[rules[i].Name]; dup {
			return nil, fmt.Errorf("duplicate rule name %q", rules[i].Name)
		}
		windows[rules[i].Name] = rules[i].Window
		if minWindow == 0 || rules[i].Window < minWindow {
			minWindow = rules[i].Window
		}
	}
	sweep := config.SweepInterval
	if sweep <= 0 {
		sweep = minWindow
	}

	return &Engine{
		logger:        logger.With(zap.String("component", "alerting")),
		config:        config,
		rules:         rules,
		windows:       windows,
		in:            in,
		out:           out,
		counters:      counters,
		sink:          sink,
		sweepInterval: sweep,
	}, nil
}

// Run consumes the alert feed until it is drained, then closes the alert
// queue. The engine is the sole producer on the alert queue.
func (e *Engine) Run(ctx context.Context) error {
	defer e.out.Close()

	chans := make([]chan *event.ParsedEvent, e.config.Partitions)
	for i := range chans {
		chans[i] = make(chan *event.ParsedEvent, partitionBuffer)
	}

	e.logger.Info("Alerting engine starting",
		zap.Int("partitions", len(chans)),
		zap.Int("rules", len(e.rules)),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := range chans {
		part := i
		g.Go(func() error {
			return e.partition(gctx, part, chans[part])
		})
	}

	dispatchErr := e.dispatch(gctx, chans)
	for _, ch := range chans {
		close(ch)
	}
	if err := g.Wait(); err != nil {
		return err
	}
	e.logger.Info("Alerting engine finished")
	return dispatchErr
}

// dispatch routes events to partitions by FNV-1a hash of the source IP.
func (e *Engine) dispatch(ctx context.Context, chans []chan *event.ParsedEvent) error {
	for {
		ev, err := e.in.Get(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrEndOfStream) {
				return nil
			}
			// Forced stop: partitions are told to wind down via channel close.
			e.logger.Debug("Alert feed read interrupted", zap.Error(err))
			return nil
		}
		idx := partitionIndex(ev.IP, len(chans))
		select {
		case chans[idx] <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

func partitionIndex(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// partition owns all window state for the keys hashed to it. It exits when
// the dispatcher closes its channel.
func (e *Engine) partition(ctx context.Context, id int, ch <-chan *event.ParsedEvent) error {
	states := make(map[stateKey]*windowState)
	sweep := time.NewTicker(e.sweepInterval)
	defer sweep.Stop()

	var latest time.Time
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Timestamp.After(latest) {
				latest = ev.Timestamp
			}
			if err := e.evaluate(ctx, states, ev); err != nil {
				if errors.Is(err, errStopEval) {
					return nil
				}
				return err
			}
		case <-sweep.C:
			e.sweepIdle(id, states, latest)
		}
	}
}

// evaluate applies every rule to one event against the partition's state.
func (e *Engine) evaluate(ctx context.Context, states map[stateKey]*windowState, ev *event.ParsedEvent) error {
	for i := range e.rules {
		rule := &e.rules[i]
		if ev.Status < rule.MinStatus {
			continue
		}

		key := stateKey{rule: rule.Name, key: ev.IP}
		st := states[key]
		if st == nil {
			st = &windowState{}
			states[key] = st
		}

		st.evict(ev.Timestamp.Add(-rule.Window))
		st.hits = append(st.hits, occurrence{ts: ev.Timestamp, id: ev.ID})
		if len(st.hits) < rule.Threshold {
			continue
		}
		if rule.Policy == PolicyCooldown && !st.lastFired.IsZero() && ev.Timestamp.Sub(st.lastFired) < rule.Window {
			continue
		}
		st.lastFired = ev.Timestamp

		if err := e.emit(ctx, buildAlert(rule, ev, st)); err != nil {
			return err
		}
	}
	return nil
}

func buildAlert(rule *Rule, ev *event.ParsedEvent, st *windowState) *event.Alert {
	first := len(st.hits) - maxSampleIDs
	if first < 0 {
		first = 0
	}
	samples := make([]uint64, 0, len(st.hits)-first)
	for _, h := range st.hits[first:] {
		samples = append(samples, h.id)
	}
	return &event.Alert{
		ID:             uuid.NewString(),
		Rule:           rule.Name,
		Key:            ev.IP,
		Count:          len(st.hits),
		WindowStart:    ev.Timestamp.Add(-rule.Window),
		WindowEnd:      ev.Timestamp,
		SampleEventIDs: samples,
		CreatedAt:      time.Now().UTC(),
	}
}

// emit puts the alert on the alert queue and, when a sink is configured,
// publishes it fire-and-forget.
func (e *Engine) emit(ctx context.Context, alert *event.Alert) error {
	if err := e.out.PutBounded(ctx, alert, e.config.PutBound); err != nil {
		if errors.Is(err, queue.ErrBackpressureTimeout) {
			return fmt.Errorf("alert put for %s/%s: %w", alert.Rule, alert.Key, err)
		}
		e.logger.Debug("Alert queue unavailable, stopping evaluation", zap.Error(err))
		return errStopEval
	}
	e.counters.Alerted.Add(1)

	e.logger.Info("Alert raised",
		zap.String("rule", alert.Rule),
		zap.String("ip", alert.Key),
		zap.Int("count", alert.Count),
		zap.Time("window_end", alert.WindowEnd),
	)

	if e.sink != nil {
		if err := e.sink.Publish(ctx, alert); err != nil {
			e.counters.SinkErrors.Add(1)
			e.logger.Warn("Alert sink publish failed",
				zap.String("rule", alert.Rule),
				zap.String("ip", alert.Key),
				zap.Error(err),
			)
		}
	}
	return nil
}

// sweepIdle drops state whose newest hit is more than one window behind the
// partition's event-time high watermark, keeping memory bounded on long
// runs with churning IPs.
func (e *Engine) sweepIdle(id int, states map[stateKey]*windowState, latest time.Time) {
	if latest.IsZero() {
		return
	}
	dropped := 0
	for key, st := range states {
		window := e.windows[key.rule]
		if len(st.hits) == 0 || st.hits[len(st.hits)-1].ts.Before(latest.Add(-window)) {
			delete(states, key)
			dropped++
		}
	}
	if dropped > 0 {
		e.logger.Debug("Swept idle window state",
			zap.Int("partition", id),
			zap.Int("dropped", dropped),
			zap.Int("remaining", len(states)),
		)
	}
}
