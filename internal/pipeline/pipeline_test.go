package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/UsamaSani/SIEM-Lite/config"
	"github.com/UsamaSani/SIEM-Lite/internal/alerting"
	"github.com/UsamaSani/SIEM-Lite/internal/indexer"
	"github.com/UsamaSani/SIEM-Lite/internal/parse"
	"github.com/UsamaSani/SIEM-Lite/internal/replay"
	"github.com/UsamaSani/SIEM-Lite/internal/storage"
	"github.com/UsamaSani/SIEM-Lite/internal/telemetry"
)

func testConfig(t *testing.T, input string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		GracePeriod: 5 * time.Second,
		Queues:      config.QueuesConfig{PutTimeout: 5 * time.Second},
		Replay:      replay.Config{Input: input},
		Parse:       parse.PoolConfig{Workers: 2},
		Alerting:    alerting.Config{Partitions: 2},
		Indexer: indexer.Config{
			BatchSize:      50,
			FlushInterval:  100 * time.Millisecond,
			MaxRetries:     2,
			RetryBackoff:   20 * time.Millisecond,
			DeadLetterPath: filepath.Join(dir, "dead.bin"),
		},
		Storage: storage.Config{
			Backend: storage.BackendSQLite,
			SQLite:  storage.SQLiteConfig{Path: filepath.Join(dir, "events.db")},
		},
		Metrics: telemetry.CollectorConfig{
			Interval: time.Hour,
			CSVPath:  filepath.Join(dir, "metrics.csv"),
		},
	}
}

func accessLine(ip string, ts time.Time, status int) string {
	return fmt.Sprintf(`%s - - [%s] "GET /index.html HTTP/1.1" %d 1024 "-" "Mozilla/5.0 (X11; Linux x86_64) Firefox/119.0"`,
		ip, ts.Format("02/Jan/2006:15:04:05 -0700"), status)
}

func writeLog(t *testing.T, lines []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "access.log")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestPipelineEndToEnd(t *testing.T) {
	base := time.Now().Add(-2 * time.Hour)

	var lines []string
	for i := 0; i < 50; i++ {
		lines = append(lines, accessLine("10.0.0.1", base.Add(time.Duration(i)*time.Second), 200))
		lines = append(lines, accessLine("192.168.1.50", base.Add(time.Duration(i)*time.Second), 200))
	}
	// One burst of errors from a single address trips the default rule at
	// the 5th and 6th hit.
	for i := 0; i < 6; i++ {
		lines = append(lines, accessLine("198.51.100.7", base.Add(time.Duration(10+i)*time.Second), 503))
	}
	for i := 0; i < 5; i++ {
		lines = append(lines, fmt.Sprintf("garbage line %d", i))
	}

	cfg := testConfig(t, writeLog(t, lines))
	p, err := New(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, summary)

	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, uint64(111), summary.Ingested)
	assert.Equal(t, uint64(106), summary.Parsed)
	assert.Equal(t, uint64(5), summary.ParseErrors)
	assert.Equal(t, uint64(106), summary.Indexed)
	assert.Equal(t, uint64(2), summary.Alerts)
	assert.Equal(t, uint64(0), summary.Discarded)
	assert.Equal(t, uint64(106), summary.LatencySamples)
	assert.Greater(t, summary.ThroughputEPS, 0.0)
	assert.Empty(t, summary.Err)
	assert.Equal(t, 0, summary.ExitCode())

	db, err := sqlx.Connect("sqlite3", cfg.Storage.SQLite.Path)
	require.NoError(t, err)
	defer db.Close()

	var events, alerts, suspicious int
	require.NoError(t, db.Get(&events, "SELECT COUNT(*) FROM events"))
	require.NoError(t, db.Get(&alerts, "SELECT COUNT(*) FROM alerts"))
	require.NoError(t, db.Get(&suspicious, "SELECT COUNT(*) FROM events WHERE suspicious"))
	assert.Equal(t, 106, events)
	assert.Equal(t, 2, alerts)
	assert.Equal(t, 6, suspicious)

	var alertType string
	require.NoError(t, db.Get(&alertType, "SELECT DISTINCT alert_type FROM alerts"))
	assert.Equal(t, "HIGH_ERROR_RATE", alertType)

	csv, err := os.ReadFile(cfg.Metrics.CSVPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(csv), "timestamp,"))
	assert.Contains(t, string(csv), "ingest_queue")

	// A clean run spills nothing.
	_, err = os.Stat(cfg.Indexer.DeadLetterPath)
	assert.True(t, os.IsNotExist(err))
}

func TestPipelineRunBudgetStopsLoopedReplay(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	var lines []string
	for i := 0; i < 20; i++ {
		lines = append(lines, accessLine("10.0.0.9", base.Add(time.Duration(i)*time.Second), 200))
	}

	cfg := testConfig(t, writeLog(t, lines))
	cfg.Replay.Loop = true
	cfg.Replay.Rate = 200
	cfg.RunTime = 250 * time.Millisecond

	p, err := New(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, summary.Runtime, 250*time.Millisecond)
	assert.Greater(t, summary.Ingested, uint64(0))
	assert.Equal(t, summary.Ingested, summary.Parsed)
	assert.Equal(t, summary.Parsed, summary.Indexed)
	assert.Equal(t, uint64(0), summary.Discarded)
	assert.Empty(t, summary.Err)
}

func TestPipelineExternalCancelDrains(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	var lines []string
	for i := 0; i < 10; i++ {
		lines = append(lines, accessLine("10.0.0.9", base.Add(time.Duration(i)*time.Second), 200))
	}

	cfg := testConfig(t, writeLog(t, lines))
	cfg.Replay.Loop = true
	cfg.Replay.Rate = 100

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(150*time.Millisecond, cancel)
	defer timer.Stop()
	defer cancel()

	p, err := New(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)

	summary, err := p.Run(ctx)
	require.NoError(t, err)

	assert.Greater(t, summary.Ingested, uint64(0))
	assert.Equal(t, summary.Parsed, summary.Indexed)
	assert.Equal(t, uint64(0), summary.Discarded)
}

func TestPipelineConstructionErrors(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("nil config", func(t *testing.T) {
		_, err := New(logger, nil)
		require.Error(t, err)
	})

	t.Run("missing input", func(t *testing.T) {
		cfg := testConfig(t, "")
		_, err := New(logger, cfg)
		require.Error(t, err)
		var cfgErr *config.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := testConfig(t, "access.log")
		cfg.Storage.Backend = "cassandra"
		_, err := New(logger, cfg)
		require.Error(t, err)
	})

	t.Run("unopenable store", func(t *testing.T) {
		cfg := testConfig(t, "access.log")
		cfg.Storage.SQLite.Path = filepath.Join(t.TempDir(), "missing", "nested", "events.db")
		_, err := New(logger, cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "open store")
	})
}

func TestRunSummaryReport(t *testing.T) {
	s := &RunSummary{
		Runtime:        12300 * time.Millisecond,
		Ingested:       1000,
		Parsed:         980,
		ParseErrors:    20,
		Indexed:        980,
		Alerts:         3,
		ThroughputEPS:  81.4,
		LatencyAvg:     12400 * time.Microsecond,
		LatencyMin:     2100 * time.Microsecond,
		LatencyMax:     140 * time.Millisecond,
		LatencySamples: 980,
	}

	out := s.String()
	assert.True(t, strings.HasPrefix(out, strings.Repeat("=", 60)))
	assert.Contains(t, out, "Runtime: 12.3s")
	assert.Contains(t, out, "Events ingested: 1000")
	assert.Contains(t, out, "Events parsed: 980 (20 parse errors)")
	assert.Contains(t, out, "Alerts raised: 3")
	assert.Contains(t, out, "Throughput: 81.4 events/sec")
	assert.Contains(t, out, "Avg latency: 12.4ms")
	assert.Contains(t, out, "Min/Max latency: 2.1ms / 140.0ms")
	assert.NotContains(t, out, "Discarded")
	assert.NotContains(t, out, "Error")

	s.Discarded = 7
	s.Err = "store write failed"
	out = s.String()
	assert.Contains(t, out, "Discarded: 7")
	assert.Contains(t, out, "Error: store write failed")

	assert.Equal(t, 1, s.ExitCode())
	s.Err = ""
	assert.Equal(t, 0, s.ExitCode())
	assert.Equal(t, 1, (*RunSummary)(nil).ExitCode())
}
