package parse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UsamaSani/SIEM-Lite/internal/event"
)

func newTestParser() *Parser {
	return NewParser(&event.Sequence{}, nil)
}

func rawLine(text string) event.RawLine {
	return event.RawLine{Seq: 1, Text: text, ArrivedAt: time.Now()}
}

func TestParseValidLine(t *testing.T) {
	p := newTestParser()
	line := `192.168.1.1 - - [01/Jul/1995:00:00:01 -0400] "GET /index.html HTTP/1.0" 200 1234 "-" "Mozilla/5.0"`

	ev, err := p.Parse(rawLine(line))
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.1", ev.IP)
	assert.Equal(t, "GET", ev.Method)
	assert.Equal(t, "/index.html", ev.Path)
	assert.Equal(t, "HTTP/1.0", ev.Protocol)
	assert.Equal(t, 200, ev.Status)
	assert.Equal(t, int64(1234), ev.Bytes)
	assert.Equal(t, "-", ev.Referer)
	assert.Equal(t, "Mozilla/5.0", ev.UserAgent)
	assert.Equal(t, IPClassPrivate, ev.IPClass)
	assert.False(t, ev.Suspicious)

	assert.Equal(t, 1995, ev.Timestamp.Year())
	assert.Equal(t, time.July, ev.Timestamp.Month())
	assert.Equal(t, 1, ev.Timestamp.Day())
	_, offset := ev.Timestamp.Zone()
	assert.Equal(t, -4*3600, offset)

	assert.False(t, ev.IngestedAt.After(ev.ParsedAt), "ingested_at must not exceed parsed_at")
}

func TestParseInvalidLine(t *testing.T) {
	p := newTestParser()

	_, err := p.Parse(rawLine("invalid log line"))
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, uint64(1), perr.Seq)
}

func TestParseDashBytes(t *testing.T) {
	p := newTestParser()
	line := `10.0.0.1 - - [01/Jul/1995:00:00:01 -0400] "POST /api HTTP/1.1" 404 - "-" "curl/7.0"`

	ev, err := p.Parse(rawLine(line))
	require.NoError(t, err)
	assert.Equal(t, int64(0), ev.Bytes)
	assert.True(t, ev.Suspicious, "status 404 is suspicious")
}

func TestParseWithoutRefererUserAgent(t *testing.T) {
	p := newTestParser()
	line := `8.8.8.8 - - [01/Jul/1995:12:30:00 -0400] "GET /images/logo.gif HTTP/1.0" 200 2048`

	ev, err := p.Parse(rawLine(line))
	require.NoError(t, err)
	assert.Empty(t, ev.Referer)
	assert.Empty(t, ev.UserAgent)
	assert.Equal(t, IPClassPublic, ev.IPClass)
	assert.Equal(t, "Other", ev.Browser)
	assert.Equal(t, "Other", ev.OS)
}

func TestParseRejectsFutureTimestamp(t *testing.T) {
	p := newTestParser()
	future := time.Now().Add(48 * time.Hour).Format("02/Jan/2006:15:04:05 -0700")
	line := `1.2.3.4 - - [` + future + `] "GET / HTTP/1.0" 200 100 "-" "-"`

	_, err := p.Parse(rawLine(line))
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
}

func TestParseRejectsBadTimestamp(t *testing.T) {
	p := newTestParser()
	line := `1.2.3.4 - - [99/Zzz/1995:00:00:01 -0400] "GET / HTTP/1.0" 200 100 "-" "-"`

	_, err := p.Parse(rawLine(line))
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
}

func TestEventIDsUniqueAndMonotonic(t *testing.T) {
	p := newTestParser()
	line := `10.0.0.1 - - [01/Jul/1995:00:00:01 -0400] "GET / HTTP/1.0" 200 100 "-" "-"`

	var last uint64
	for i := 0; i < 10; i++ {
		ev, err := p.Parse(rawLine(line))
		require.NoError(t, err)
		assert.Greater(t, ev.ID, last)
		last = ev.ID
	}
}

func TestClassifyIP(t *testing.T) {
	tests := []struct {
		ip   string
		want string
	}{
		{"192.168.1.1", IPClassPrivate},
		{"10.0.0.1", IPClassPrivate},
		{"172.16.5.9", IPClassPrivate},
		{"127.0.0.1", IPClassLocalhost},
		{"8.8.8.8", IPClassPublic},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyIP(tt.ip), "ip %s", tt.ip)
	}
}

func TestClassifyUserAgent(t *testing.T) {
	tests := []struct {
		name        string
		ua          string
		wantBrowser string
		wantOS      string
	}{
		{
			name:        "firefox on windows",
			ua:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:91.0) Gecko/20100101 Firefox/91.0",
			wantBrowser: "Firefox",
			wantOS:      "Windows",
		},
		{
			name:        "chrome on macos",
			ua:          "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 Chrome/91.0",
			wantBrowser: "Chrome",
			wantOS:      "macOS",
		},
		{
			name:        "internet explorer",
			ua:          "Mozilla/4.0 (compatible; MSIE 7.0; Windows NT 6.0)",
			wantBrowser: "Internet Explorer",
			wantOS:      "Windows",
		},
		{
			name:        "unknown",
			ua:          "curl/7.0",
			wantBrowser: "Other",
			wantOS:      "Other",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			browser, os := classifyUserAgent(tt.ua)
			assert.Equal(t, tt.wantBrowser, browser)
			assert.Equal(t, tt.wantOS, os)
		})
	}
}

func TestSuspiciousClassification(t *testing.T) {
	p := newTestParser()

	assert.True(t, p.suspicious(404, "/index.html"), "error status")
	assert.True(t, p.suspicious(200, "/admin/../../../etc/passwd"), "path traversal")
	assert.True(t, p.suspicious(200, "/search?q=UNION SELECT 1"), "sql injection, case-insensitive")
	assert.False(t, p.suspicious(200, "/index.html"), "normal request")
}
