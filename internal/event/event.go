// Package event defines the records that flow between pipeline stages.
package event

import (
	"sync/atomic"
	"time"
)

// RawLine is one unparsed record read from the source log. It is owned by
// the replayer until handed to a parser worker and is never mutated.
type RawLine struct {
	Seq       uint64
	Text      string
	ArrivedAt time.Time
}

// ParsedEvent is the result of parsing and enriching exactly one RawLine.
// It is immutable after creation and shared read-only by the alerting
// engine and the indexer.
type ParsedEvent struct {
	// Identity
	ID uint64 `json:"id" db:"id"`

	// Parsed fields
	IP        string    `json:"ip" db:"ip"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Method    string    `json:"method" db:"method"`
	Path      string    `json:"path" db:"url"`
	Protocol  string    `json:"protocol" db:"protocol"`
	Status    int       `json:"status" db:"status"`
	Bytes     int64     `json:"bytes" db:"bytes"`
	Referer   string    `json:"referer,omitempty" db:"referer"`
	UserAgent string    `json:"user_agent,omitempty" db:"user_agent"`

	// Enrichment
	Browser    string `json:"browser" db:"browser"`
	OS         string `json:"os" db:"os"`
	IPClass    string `json:"ip_class" db:"ip_class"`
	Suspicious bool   `json:"suspicious" db:"suspicious"`

	// Stage timestamps
	IngestedAt time.Time `json:"ingested_at" db:"ingested_at"`
	ParsedAt   time.Time `json:"parsed_at" db:"parsed_at"`
}

// Alert is emitted by the alerting engine when a sliding-window rule
// crosses its threshold. It is owned by the indexer once queued.
type Alert struct {
	ID          string    `json:"id" db:"id"`
	Rule        string    `json:"alert_type" db:"alert_type"`
	Key         string    `json:"ip" db:"ip"`
	Count       int       `json:"count" db:"count"`
	WindowStart time.Time `json:"window_start" db:"window_start"`
	WindowEnd   time.Time `json:"window_end" db:"window_end"`
	// SampleEventIDs references up to a few events that contributed to the
	// window at firing time, for triage.
	SampleEventIDs []uint64  `json:"sample_event_ids,omitempty" db:"-"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// MetricSample is one telemetry observation taken at a fixed cadence.
// Counter fields are cumulative since run start.
type MetricSample struct {
	Timestamp   time.Time      `json:"timestamp"`
	RuntimeSec  float64        `json:"runtime_sec"`
	QueueDepths map[string]int `json:"queue_depths"`

	Ingested    uint64 `json:"ingested"`
	Parsed      uint64 `json:"parsed"`
	ParseErrors uint64 `json:"parse_errors"`
	Indexed     uint64 `json:"indexed"`
	Alerted     uint64 `json:"alerts"`

	ThroughputEPS float64 `json:"throughput_eps"`
	CPUPct        float64 `json:"cpu_pct"`
	MemBytes      uint64  `json:"mem_bytes"`
}

// Sequence issues run-monotonic event IDs. The zero value is ready to use;
// the first ID issued is 1.
type Sequence struct {
	n atomic.Uint64
}

// Next returns the next ID. Safe for concurrent use.
func (s *Sequence) Next() uint64 { return s.n.Add(1) }

// Last returns the most recently issued ID, 0 if none.
func (s *Sequence) Last() uint64 { return s.n.Load() }
