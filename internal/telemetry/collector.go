package telemetry

import (
	"encoding/csv"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/UsamaSani/SIEM-Lite/internal/event"
)

// CollectorConfig configures the metrics collector.
type CollectorConfig struct {
	// Interval is the sampling cadence. Default 5s.
	Interval time.Duration `mapstructure:"interval" json:"interval"`
	// CSVPath is the per-run metrics file. Empty disables CSV output.
	CSVPath string `mapstructure:"csv_path" json:"csv_path"`
}

// Collector samples the pipeline at a fixed cadence: counter snapshot,
// queue depths, process CPU and RSS. Every sample goes to the CSV file and
// the most recent one backs the status endpoint. Prometheus metrics read
// the live counters directly at scrape time.
type Collector struct {
	logger   *zap.Logger
	config   CollectorConfig
	counters *Counters
	probes   []QueueProbe
	registry *prometheus.Registry
	proc     *process.Process
	start    time.Time

	mu         sync.Mutex
	last       event.MetricSample
	lastParsed uint64
	lastAt     time.Time
	csvFile    *os.File
	csvw       *csv.Writer

	running  bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// NewCollector builds the collector, opens the CSV file and registers the
// Prometheus metrics.
func NewCollector(logger *zap.Logger, config CollectorConfig, counters *Counters, probes []QueueProbe) (*Collector, error) {
	if counters == nil {
		return nil, errors.New("metrics collector requires counters")
	}
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}

	c := &Collector{
		logger:   logger.With(zap.String("component", "metrics-collector")),
		config:   config,
		counters: counters,
		probes:   probes,
		registry: prometheus.NewRegistry(),
		start:    time.Now(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.lastAt = c.start

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		c.logger.Warn("Process probe unavailable, CPU and memory report zero", zap.Error(err))
	} else {
		c.proc = proc
		// First Percent call establishes the measurement baseline.
		proc.Percent(0)
	}

	if config.CSVPath != "" {
		f, err := os.Create(config.CSVPath)
		if err != nil {
			return nil, errors.Wrapf(err, "create metrics file %s", config.CSVPath)
		}
		c.csvFile = f
		c.csvw = csv.NewWriter(f)
		if err := c.csvw.Write(c.csvHeader()); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "write metrics header")
		}
		c.csvw.Flush()
	}

	c.register()

	c.logger.Info("Metrics collector initialized",
		zap.Duration("interval", config.Interval),
		zap.String("csv_path", config.CSVPath),
	)
	return c, nil
}

// register wires the Prometheus metrics. Counters and queue gauges read the
// pipeline's atomics at scrape time, so scrapes never lag the samples.
func (c *Collector) register() {
	c.registry.MustRegister(collectors.NewGoCollector())

	counterFuncs := []struct {
		name string
		help string
		load func() uint64
	}{
		{"events_ingested_total", "Lines accepted into the ingest queue.", c.counters.Ingested.Load},
		{"events_parsed_total", "Lines parsed and enriched successfully.", c.counters.Parsed.Load},
		{"parse_errors_total", "Lines rejected by the parser.", c.counters.ParseErrors.Load},
		{"events_indexed_total", "Events written durably to the store.", c.counters.Indexed.Load},
		{"alerts_raised_total", "Alerts raised by the alerting engine.", c.counters.Alerted.Load},
		{"events_discarded_total", "Events dropped at forced shutdown.", c.counters.Discarded.Load},
		{"store_flushes_total", "Batches flushed to the store.", c.counters.Flushes.Load},
		{"store_flush_retries_total", "Batch write retries.", c.counters.FlushRetries.Load},
		{"alert_sink_errors_total", "Alert sink publish failures.", c.counters.SinkErrors.Load},
	}
	for _, cf := range counterFuncs {
		load := cf.load
		c.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "siemlite",
			Name:      cf.name,
			Help:      cf.help,
		}, func() float64 { return float64(load()) }))
	}

	for _, p := range c.probes {
		probe := p
		c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "siemlite",
			Name:        "queue_depth",
			Help:        "Records currently buffered in the queue.",
			ConstLabels: prometheus.Labels{"queue": probe.Name},
		}, func() float64 { return float64(probe.Len()) }))
		c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "siemlite",
			Name:        "queue_capacity",
			Help:        "Configured capacity of the queue.",
			ConstLabels: prometheus.Labels{"queue": probe.Name},
		}, func() float64 { return float64(probe.Cap()) }))
	}

	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "siemlite",
		Name:      "indexer_batch_fill",
		Help:      "Events in the in-memory batch awaiting flush.",
	}, func() float64 { return float64(c.counters.BatchFill.Load()) }))
	c.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "siemlite",
		Name:      "store_write_seconds_total",
		Help:      "Cumulative wall time spent in store writes.",
	}, func() float64 { return float64(c.counters.WriteNanos.Load()) / 1e9 }))
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "siemlite",
		Name:      "cpu_percent",
		Help:      "Process CPU utilization at the last sample.",
	}, func() float64 { return c.LastSample().CPUPct }))
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "siemlite",
		Name:      "memory_rss_bytes",
		Help:      "Process resident set size at the last sample.",
	}, func() float64 { return float64(c.LastSample().MemBytes) }))
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "siemlite",
		Name:      "index_latency_avg_seconds",
		Help:      "Mean ingest-to-index latency.",
	}, func() float64 {
		avg, _, _, _ := c.counters.LatencyStats()
		return avg.Seconds()
	}))
}

// Registry exposes the metrics for the HTTP handler.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Start begins sampling in the background.
func (c *Collector) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()
	go c.loop()
}

func (c *Collector) loop() {
	defer close(c.done)
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stop:
			return
		}
	}
}

// Stop halts sampling, records one final sample and closes the CSV file.
// Safe to call more than once.
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.mu.Lock()
		running := c.running
		c.mu.Unlock()
		if running {
			<-c.done
		}
		c.collect()

		c.mu.Lock()
		if c.csvw != nil {
			c.csvw.Flush()
			c.stopErr = errors.Wrap(c.csvw.Error(), "flush metrics file")
			if c.stopErr == nil {
				c.stopErr = errors.Wrap(c.csvFile.Close(), "close metrics file")
			} else {
				c.csvFile.Close()
			}
			c.csvw = nil
			c.csvFile = nil
		}
		last := c.last
		c.mu.Unlock()

		c.logger.Info("Metrics collector stopped",
			zap.Float64("runtime_sec", last.RuntimeSec),
			zap.Uint64("ingested", last.Ingested),
			zap.Uint64("indexed", last.Indexed),
			zap.Uint64("alerts", last.Alerted),
		)
	})
	return c.stopErr
}

// LastSample returns the most recent sample, zero before the first tick.
func (c *Collector) LastSample() event.MetricSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// collect takes one sample, caches it and appends the CSV row.
func (c *Collector) collect() {
	sample := c.takeSample()

	c.mu.Lock()
	c.last = sample
	var csvErr error
	if c.csvw != nil {
		csvErr = c.writeRow(sample)
	}
	c.mu.Unlock()

	if csvErr != nil {
		c.logger.Warn("Metrics CSV write failed", zap.Error(csvErr))
	}
	c.logger.Debug("Metrics sample",
		zap.Float64("throughput_eps", sample.ThroughputEPS),
		zap.Uint64("parsed", sample.Parsed),
		zap.Uint64("indexed", sample.Indexed),
		zap.Float64("cpu_pct", sample.CPUPct),
	)
}

func (c *Collector) takeSample() event.MetricSample {
	now := time.Now()
	snap := c.counters.Snapshot()

	depths := make(map[string]int, len(c.probes))
	for _, p := range c.probes {
		depths[p.Name] = p.Len()
	}

	c.mu.Lock()
	interval := now.Sub(c.lastAt).Seconds()
	var eps float64
	if interval > 0 {
		eps = float64(snap.Parsed-c.lastParsed) / interval
	}
	c.lastParsed = snap.Parsed
	c.lastAt = now
	c.mu.Unlock()

	var cpuPct float64
	var rss uint64
	if c.proc != nil {
		if pct, err := c.proc.Percent(0); err == nil {
			cpuPct = clampPct(pct)
		}
		if mem, err := c.proc.MemoryInfo(); err == nil && mem != nil {
			rss = mem.RSS
		}
	}

	return event.MetricSample{
		Timestamp:     now,
		RuntimeSec:    now.Sub(c.start).Seconds(),
		QueueDepths:   depths,
		Ingested:      snap.Ingested,
		Parsed:        snap.Parsed,
		ParseErrors:   snap.ParseErrors,
		Indexed:       snap.Indexed,
		Alerted:       snap.Alerted,
		ThroughputEPS: eps,
		CPUPct:        cpuPct,
		MemBytes:      rss,
	}
}

func (c *Collector) csvHeader() []string {
	header := []string{"timestamp", "runtime_sec", "ingested", "parsed", "parse_errors", "indexed", "alerts"}
	for _, p := range c.probes {
		header = append(header, strings.ReplaceAll(p.Name, "-", "_")+"_queue")
	}
	return append(header, "throughput_eps", "cpu_pct", "mem_mb")
}

func (c *Collector) writeRow(s event.MetricSample) error {
	row := make([]string, 0, 10+len(c.probes))
	row = append(row,
		s.Timestamp.UTC().Format(time.RFC3339),
		strconv.FormatFloat(s.RuntimeSec, 'f', 2, 64),
		strconv.FormatUint(s.Ingested, 10),
		strconv.FormatUint(s.Parsed, 10),
		strconv.FormatUint(s.ParseErrors, 10),
		strconv.FormatUint(s.Indexed, 10),
		strconv.FormatUint(s.Alerted, 10),
	)
	for _, p := range c.probes {
		row = append(row, strconv.Itoa(s.QueueDepths[p.Name]))
	}
	row = append(row,
		strconv.FormatFloat(s.ThroughputEPS, 'f', 2, 64),
		strconv.FormatFloat(s.CPUPct, 'f', 2, 64),
		strconv.FormatFloat(float64(s.MemBytes)/(1024*1024), 'f', 2, 64),
	)
	if err := c.csvw.Write(row); err != nil {
		return err
	}
	c.csvw.Flush()
	return c.csvw.Error()
}
