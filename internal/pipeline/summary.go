package pipeline

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RunSummary is the final accounting of one pipeline run. It is printed to
// stdout by the CLI and logged as structured fields.
type RunSummary struct {
	RunID          string        `json:"run_id"`
	StartedAt      time.Time     `json:"started_at"`
	Runtime        time.Duration `json:"runtime"`
	Ingested       uint64        `json:"ingested"`
	Parsed         uint64        `json:"parsed"`
	ParseErrors    uint64        `json:"parse_errors"`
	Indexed        uint64        `json:"indexed"`
	Alerts         uint64        `json:"alerts"`
	Discarded      uint64        `json:"discarded"`
	ThroughputEPS  float64       `json:"throughput_eps"`
	LatencyAvg     time.Duration `json:"latency_avg"`
	LatencyMin     time.Duration `json:"latency_min"`
	LatencyMax     time.Duration `json:"latency_max"`
	LatencySamples uint64        `json:"latency_samples"`
	Err            string        `json:"error,omitempty"`
}

// ExitCode maps the run outcome to a process exit status: 0 clean, 1 fatal.
func (s *RunSummary) ExitCode() int {
	if s == nil || s.Err != "" {
		return 1
	}
	return 0
}

// Fields renders the summary for structured logging.
func (s *RunSummary) Fields() []zap.Field {
	fields := []zap.Field{
		zap.Duration("runtime", s.Runtime),
		zap.Uint64("ingested", s.Ingested),
		zap.Uint64("parsed", s.Parsed),
		zap.Uint64("parse_errors", s.ParseErrors),
		zap.Uint64("indexed", s.Indexed),
		zap.Uint64("alerts", s.Alerts),
		zap.Uint64("discarded", s.Discarded),
		zap.Float64("throughput_eps", s.ThroughputEPS),
	}
	if s.LatencySamples > 0 {
		fields = append(fields,
			zap.Duration("latency_avg", s.LatencyAvg),
			zap.Duration("latency_min", s.LatencyMin),
			zap.Duration("latency_max", s.LatencyMax),
		)
	}
	if s.Err != "" {
		fields = append(fields, zap.String("error", s.Err))
	}
	return fields
}

// String renders the human-readable report printed at the end of a run.
func (s *RunSummary) String() string {
	banner := strings.Repeat("=", 60)

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", banner)
	fmt.Fprintf(&b, "Pipeline Summary\n")
	fmt.Fprintf(&b, "%s\n", banner)
	if s.RunID != "" {
		fmt.Fprintf(&b, "Run ID: %s\n", s.RunID)
	}
	fmt.Fprintf(&b, "Runtime: %.1fs\n", s.Runtime.Seconds())
	fmt.Fprintf(&b, "Events ingested: %d\n", s.Ingested)
	fmt.Fprintf(&b, "Events parsed: %d (%d parse errors)\n", s.Parsed, s.ParseErrors)
	fmt.Fprintf(&b, "Events indexed: %d\n", s.Indexed)
	fmt.Fprintf(&b, "Alerts raised: %d\n", s.Alerts)
	if s.Discarded > 0 {
		fmt.Fprintf(&b, "Discarded: %d\n", s.Discarded)
	}
	fmt.Fprintf(&b, "Throughput: %.1f events/sec\n", s.ThroughputEPS)
	if s.LatencySamples > 0 {
		fmt.Fprintf(&b, "Avg latency: %.1fms\n", millis(s.LatencyAvg))
		fmt.Fprintf(&b, "Min/Max latency: %.1fms / %.1fms\n", millis(s.LatencyMin), millis(s.LatencyMax))
	}
	if s.Err != "" {
		fmt.Fprintf(&b, "Error: %s\n", s.Err)
	}
	fmt.Fprintf(&b, "%s", banner)
	return b.String()
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
