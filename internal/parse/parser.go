// Package parse turns raw access-log lines into enriched events via a pool
// of concurrent workers.
package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/UsamaSani/SIEM-Lite/internal/event"
)

// Apache combined log format. The third request token (protocol) and the
// trailing referer/user-agent pair are optional in the wild; byte count may
// be "-" for bodyless responses.
var combinedLogPattern = regexp.MustCompile(
	`^(\S+) \S+ \S+ \[([\w:/]+\s[+-]\d{4})\] "(\S+) (\S+) (\S+)" (\d{3}) (\S+)(?: "([^"]*)" "([^"]*)")?`)

const timestampLayout = "02/Jan/2006:15:04:05 -0700"

// ParseError reports one malformed line. It is counted and dropped by the
// worker pool, never escalated.
type ParseError struct {
	Seq    uint64
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Seq, e.Reason)
}

// DefaultDenyPatterns are the path substrings classified as suspicious:
// path traversal, XSS, SQL injection, file inclusion, command injection.
var DefaultDenyPatterns = []string{"../", "script>", "union select", "/etc/passwd", "cmd="}

// Parser parses and enriches lines. Safe for concurrent use: all state is
// read-only after construction except the shared ID sequence, which is
// atomic.
type Parser struct {
	seq          *event.Sequence
	denyPatterns []string
}

// NewParser creates a parser issuing IDs from seq. Nil denyPatterns selects
// the defaults; an empty non-nil slice disables pattern matching.
func NewParser(seq *event.Sequence, denyPatterns []string) *Parser {
	if denyPatterns == nil {
		denyPatterns = DefaultDenyPatterns
	}
	return &Parser{seq: seq, denyPatterns: denyPatterns}
}

// Parse converts one RawLine into exactly one ParsedEvent, or fails with
// *ParseError.
func (p *Parser) Parse(raw event.RawLine) (*event.ParsedEvent, error) {
	m := combinedLogPattern.FindStringSubmatch(raw.Text)
	if m == nil {
		return nil, &ParseError{Seq: raw.Seq, Reason: "not a combined log line"}
	}

	ts, err := time.Parse(timestampLayout, m[2])
	if err != nil {
		return nil, &ParseError{Seq: raw.Seq, Reason: "bad timestamp: " + m[2]}
	}
	now := time.Now()
	if ts.After(now) {
		return nil, &ParseError{Seq: raw.Seq, Reason: "timestamp in the future: " + m[2]}
	}

	status, err := strconv.Atoi(m[6])
	if err != nil {
		return nil, &ParseError{Seq: raw.Seq, Reason: "bad status: " + m[6]}
	}

	var bytes int64
	if m[7] != "-" {
		bytes, err = strconv.ParseInt(m[7], 10, 64)
		if err != nil {
			return nil, &ParseError{Seq: raw.Seq, Reason: "bad byte count: " + m[7]}
		}
	}

	ev := &event.ParsedEvent{
		ID:         p.seq.Next(),
		IP:         m[1],
		Timestamp:  ts,
		Method:     m[3],
		Path:       m[4],
		Protocol:   m[5],
		Status:     status,
		Bytes:      bytes,
		Referer:    m[8],
		UserAgent:  m[9],
		IngestedAt: raw.ArrivedAt,
		ParsedAt:   now,
	}

	ev.IPClass = classifyIP(ev.IP)
	ev.Browser, ev.OS = classifyUserAgent(ev.UserAgent)
	ev.Suspicious = p.suspicious(ev.Status, ev.Path)

	return ev, nil
}
