// Package pipeline wires the stages into a running system: replayer ->
// parser pool -> alerting engine -> indexer, plus the metrics collector and
// the optional telemetry server. It owns the run lifecycle: start order,
// the run budget, graceful drain and the forced-stop grace period.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/UsamaSani/SIEM-Lite/config"
	"github.com/UsamaSani/SIEM-Lite/internal/alerting"
	"github.com/UsamaSani/SIEM-Lite/internal/event"
	"github.com/UsamaSani/SIEM-Lite/internal/indexer"
	"github.com/UsamaSani/SIEM-Lite/internal/parse"
	"github.com/UsamaSani/SIEM-Lite/internal/queue"
	"github.com/UsamaSani/SIEM-Lite/internal/replay"
	"github.com/UsamaSani/SIEM-Lite/internal/storage"
	"github.com/UsamaSani/SIEM-Lite/internal/telemetry"
	"github.com/UsamaSani/SIEM-Lite/pkg/shutdown"
)

// Pipeline holds the wired stages of one run. Build with New, drive with
// Run; a Pipeline is single-use.
type Pipeline struct {
	logger *zap.Logger
	cfg    *config.Config
	runID  string

	counters *telemetry.Counters

	ingest    *queue.Queue[event.RawLine]
	indexFeed *queue.Queue[*event.ParsedEvent]
	alertFeed *queue.Queue[*event.ParsedEvent]
	alerts    *queue.Queue[*event.Alert]

	store     storage.Store
	sink      alerting.Sink // nil unless notifier brokers are configured
	replayer  *replay.Replayer
	pool      *parse.Pool
	engine    *alerting.Engine
	indexer   *indexer.Indexer
	collector *telemetry.Collector
	server    *telemetry.Server // nil unless a listen address is configured

	hooks *shutdown.Manager
}

// New validates the configuration and constructs every stage, consumers
// before producers. The store is opened (and its schema applied) here, so a
// misconfigured backend fails before anything starts.
func New(logger *zap.Logger, cfg *config.Config) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("pipeline requires a configuration")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Every log line of this run carries the run ID, across all components.
	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))

	p := &Pipeline{
		logger:   logger.With(zap.String("component", "pipeline")),
		cfg:      cfg,
		runID:    runID,
		counters: &telemetry.Counters{},
	}

	p.ingest = queue.New[event.RawLine]("ingest", cfg.IngestCapacity())
	p.indexFeed = queue.New[*event.ParsedEvent]("index-feed", cfg.FeedCapacity())
	p.alertFeed = queue.New[*event.ParsedEvent]("alert-feed", cfg.FeedCapacity())
	p.alerts = queue.New[*event.Alert]("alerts", cfg.AlertCapacity())

	store, err := storage.Open(logger, cfg.Storage)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	p.store = store

	if len(cfg.Notifier.Brokers) > 0 {
		sink, err := alerting.NewKafkaNotifier(logger, cfg.Notifier)
		if err != nil {
			_ = store.Close()
			return nil, errors.Wrap(err, "build alert notifier")
		}
		p.sink = sink
	}

	p.indexer, err = indexer.NewIndexer(logger, cfg.Indexer, store, p.indexFeed, p.alerts, p.counters)
	if err != nil {
		p.closeServices()
		return nil, err
	}

	alertCfg := cfg.Alerting
	alertCfg.PutBound = boundFor(alertCfg.PutBound, cfg.Queues.PutTimeout)
	p.engine, err = alerting.NewEngine(logger, alertCfg, p.alertFeed, p.alerts, p.counters, p.sink)
	if err != nil {
		p.closeServices()
		return nil, err
	}

	poolCfg := cfg.Parse
	poolCfg.PutBound = boundFor(poolCfg.PutBound, cfg.Queues.PutTimeout)
	parser := parse.NewParser(&event.Sequence{}, cfg.DenyPatterns)
	p.pool, err = parse.NewPool(logger, poolCfg, parser, p.ingest, p.indexFeed, p.alertFeed, p.counters)
	if err != nil {
		p.closeServices()
		return nil, err
	}

	replayCfg := cfg.Replay
	replayCfg.PutBound = boundFor(replayCfg.PutBound, cfg.Queues.PutTimeout)
	p.replayer, err = replay.NewReplayer(logger, replayCfg, p.ingest, p.counters)
	if err != nil {
		p.closeServices()
		return nil, err
	}

	// Probe order fixes the metrics CSV column order.
	probes := []telemetry.QueueProbe{
		{Name: p.ingest.Name(), Len: p.ingest.Len, Cap: p.ingest.Cap},
		{Name: p.indexFeed.Name(), Len: p.indexFeed.Len, Cap: p.indexFeed.Cap},
		{Name: p.alertFeed.Name(), Len: p.alertFeed.Len, Cap: p.alertFeed.Cap},
		{Name: p.alerts.Name(), Len: p.alerts.Len, Cap: p.alerts.Cap},
	}
	p.collector, err = telemetry.NewCollector(logger, cfg.Metrics, p.counters, probes)
	if err != nil {
		p.closeServices()
		return nil, errors.Wrap(err, "build metrics collector")
	}

	if cfg.Server.Addr != "" {
		p.server = telemetry.NewServer(logger, cfg.Server, p.collector)
	}

	p.hooks = shutdown.New(logger, cfg.GracePeriod)
	return p, nil
}

// boundFor resolves a stage put bound against the global default.
func boundFor(stage, global time.Duration) time.Duration {
	if stage > 0 {
		return stage
	}
	return global
}

func (p *Pipeline) closeServices() {
	if p.sink != nil {
		_ = p.sink.Close()
	}
	if p.store != nil {
		_ = p.store.Close()
	}
}

// Run executes the pipeline until the source is exhausted, the run budget
// elapses or ctx is cancelled (first signal). Both stop paths drain
// in-flight work; if the drain outlives the grace period the stages are
// forced down and undelivered queue items are counted as discarded. The
// returned summary is non-nil whenever the stages ran, including failed
// runs.
func (p *Pipeline) Run(ctx context.Context) (*RunSummary, error) {
	start := time.Now()
	p.logger.Info("Pipeline starting",
		zap.String("input", p.cfg.Replay.Input),
		zap.Int("workers", p.cfg.Parse.Workers),
		zap.Int("rate", p.cfg.Replay.Rate),
		zap.Bool("loop", p.cfg.Replay.Loop),
		zap.Int("batch_size", p.cfg.Indexer.BatchSize),
		zap.String("backend", p.cfg.Storage.Backend),
		zap.Duration("run_time", p.cfg.RunTime),
	)

	p.collector.Start()
	if p.server != nil {
		if err := p.server.Start(); err != nil {
			_ = p.collector.Stop()
			p.closeServices()
			return nil, errors.Wrap(err, "start telemetry server")
		}
		p.hooks.Add(shutdown.HTTPServerHook("telemetry-server", 10, p.server))
	}
	p.hooks.Add(shutdown.GenericHook("metrics-collector", 20, 10*time.Second, func(context.Context) error {
		return p.collector.Stop()
	}))
	if p.sink != nil {
		p.hooks.Add(shutdown.DatabaseHook("alert-sink", 30, p.sink))
	}
	p.hooks.Add(shutdown.DatabaseHook("store", 40, p.store))
	p.hooks.Add(shutdown.LoggerHook(50, p.logger))

	// The run budget stops the replayer only; downstream stages keep
	// draining until the close chain reaches them.
	runCtx := ctx
	cancelBudget := func() {}
	if p.cfg.RunTime > 0 {
		runCtx, cancelBudget = context.WithTimeout(ctx, p.cfg.RunTime)
	}
	defer cancelBudget()

	// Forcing stageCtx is the only way to interrupt a drain; it is not
	// derived from ctx so a signal still gets a graceful drain first.
	stageCtx, forceStop := context.WithCancel(context.Background())
	defer forceStop()

	g, gctx := errgroup.WithContext(stageCtx)

	replayCtx, stopReplay := context.WithCancel(runCtx)
	defer stopReplay()
	go func() {
		// A failing sibling stage must also stop the replayer.
		select {
		case <-gctx.Done():
			stopReplay()
		case <-replayCtx.Done():
		}
	}()

	g.Go(func() error { return p.replayer.Run(replayCtx) })
	g.Go(func() error { return p.pool.Run(gctx) })
	g.Go(func() error { return p.engine.Run(gctx) })
	g.Go(func() error { return p.indexer.Run(gctx) })

	finished := make(chan error, 1)
	go func() { finished <- g.Wait() }()

	var runErr error
	select {
	case runErr = <-finished:
	case <-runCtx.Done():
		p.logger.Info("Stop requested, draining in-flight work",
			zap.Duration("grace_period", p.cfg.GracePeriod))
		select {
		case runErr = <-finished:
		case <-time.After(p.cfg.GracePeriod):
			p.logger.Warn("Grace period expired, forcing stages down")
			forceStop()
			runErr = <-finished
		}
	}

	if n := p.queueResidue(); n > 0 {
		p.counters.Discarded.Add(uint64(n))
		p.logger.Warn("Discarding undelivered queue items", zap.Int("count", n))
	}

	if err := p.hooks.Execute(); err != nil && runErr == nil {
		runErr = err
	}

	summary := p.buildSummary(start, runErr)
	p.logger.Info("Pipeline finished", summary.Fields()...)
	return summary, runErr
}

// queueResidue counts items still queued after every stage has exited.
// Zero on a graceful drain.
func (p *Pipeline) queueResidue() int {
	return p.ingest.Len() + p.indexFeed.Len() + p.alertFeed.Len() + p.alerts.Len()
}

func (p *Pipeline) buildSummary(start time.Time, runErr error) *RunSummary {
	snap := p.counters.Snapshot()
	avg, min, max, samples := p.counters.LatencyStats()

	s := &RunSummary{
		RunID:          p.runID,
		StartedAt:      start.UTC(),
		Runtime:        time.Since(start),
		Ingested:       snap.Ingested,
		Parsed:         snap.Parsed,
		ParseErrors:    snap.ParseErrors,
		Indexed:        snap.Indexed,
		Alerts:         snap.Alerted,
		Discarded:      snap.Discarded,
		LatencyAvg:     avg,
		LatencyMin:     min,
		LatencyMax:     max,
		LatencySamples: samples,
	}
	if secs := s.Runtime.Seconds(); secs > 0 {
		s.ThroughputEPS = float64(snap.Parsed) / secs
	}
	if runErr != nil {
		s.Err = runErr.Error()
	}
	return s
}
