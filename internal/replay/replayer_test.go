package replay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/UsamaSani/SIEM-Lite/internal/event"
	"github.com/UsamaSani/SIEM-Lite/internal/queue"
	"github.com/UsamaSani/SIEM-Lite/internal/telemetry"
)

func writeLines(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "access.log")
	var data []byte
	for _, line := range lines {
		data = append(data, line...)
		data = append(data, '\n')
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestReplayPreservesSourceOrder(t *testing.T) {
	lines := make([]string, 50)
	for i := range lines {
		lines[i] = fmt.Sprintf("line-%03d", i)
	}
	path := writeLines(t, lines...)

	out := queue.New[event.RawLine]("ingest", 100)
	counters := &telemetry.Counters{}
	r, err := NewReplayer(zaptest.NewLogger(t), Config{Input: path}, out, counters)
	require.NoError(t, err)

	require.NoError(t, r.Run(context.Background()))

	for i, want := range lines {
		raw, err := out.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), raw.Seq)
		assert.Equal(t, want, raw.Text)
		assert.False(t, raw.ArrivedAt.IsZero())
	}
	_, err = out.Get(context.Background())
	assert.ErrorIs(t, err, queue.ErrEndOfStream)
	assert.Equal(t, uint64(50), counters.Ingested.Load())
}

func TestReplaySkipsBlankLines(t *testing.T) {
	path := writeLines(t, "first", "", "   ", "second")

	out := queue.New[event.RawLine]("ingest", 10)
	counters := &telemetry.Counters{}
	r, err := NewReplayer(zaptest.NewLogger(t), Config{Input: path}, out, counters)
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))

	first, err := out.Get(context.Background())
	require.NoError(t, err)
	second, err := out.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", first.Text)
	assert.Equal(t, "second", second.Text)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, uint64(2), counters.Ingested.Load())
}

func TestReplayPacesEmission(t *testing.T) {
	path := writeLines(t, "a", "b", "c", "d", "e")

	out := queue.New[event.RawLine]("ingest", 10)
	r, err := NewReplayer(zaptest.NewLogger(t), Config{Input: path, Rate: 10}, out, &telemetry.Counters{})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, r.Run(context.Background()))
	elapsed := time.Since(start)

	// Burst 1 at 10 events/sec spaces five events over at least ~400ms.
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
}

func TestReplayLoopRestartsAtEOF(t *testing.T) {
	path := writeLines(t, "one", "two", "three")

	out := queue.New[event.RawLine]("ingest", 4)
	counters := &telemetry.Counters{}
	r, err := NewReplayer(zaptest.NewLogger(t), Config{Input: path, Loop: true}, out, counters)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	var got []event.RawLine
	for len(got) < 8 {
		raw, err := out.Get(context.Background())
		require.NoError(t, err)
		got = append(got, raw)
	}
	cancel()
	require.NoError(t, <-done)

	// Sequence numbers keep climbing across passes while the text wraps.
	for i, raw := range got {
		assert.Equal(t, uint64(i+1), raw.Seq)
	}
	assert.Equal(t, "one", got[0].Text)
	assert.Equal(t, "one", got[3].Text)
	assert.Equal(t, "two", got[4].Text)

	// Drain whatever the cancelled run left behind.
	for {
		if _, err := out.Get(context.Background()); err != nil {
			assert.ErrorIs(t, err, queue.ErrEndOfStream)
			break
		}
	}
}

func TestReplayStopsOnBackpressureBound(t *testing.T) {
	path := writeLines(t, "a", "b", "c")

	// Nobody consumes, so a one-slot queue trips the bound on the second put.
	out := queue.New[event.RawLine]("ingest", 1)
	r, err := NewReplayer(zaptest.NewLogger(t), Config{Input: path, PutBound: 50 * time.Millisecond}, out, &telemetry.Counters{})
	require.NoError(t, err)

	err = r.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrBackpressureTimeout)
	assert.Contains(t, err.Error(), "line 2")
}

func TestReplayMissingInputFails(t *testing.T) {
	out := queue.New[event.RawLine]("ingest", 1)
	r, err := NewReplayer(zaptest.NewLogger(t), Config{Input: filepath.Join(t.TempDir(), "absent.log")}, out, &telemetry.Counters{})
	require.NoError(t, err)

	err = r.Run(context.Background())
	require.Error(t, err)

	// The queue still gets closed so downstream sees end-of-stream.
	_, err = out.Get(context.Background())
	assert.ErrorIs(t, err, queue.ErrEndOfStream)
}

func TestNewReplayerValidation(t *testing.T) {
	out := queue.New[event.RawLine]("ingest", 1)
	_, err := NewReplayer(zaptest.NewLogger(t), Config{}, out, &telemetry.Counters{})
	assert.Error(t, err)

	_, err = NewReplayer(zaptest.NewLogger(t), Config{Input: "x"}, nil, &telemetry.Counters{})
	assert.Error(t, err)
}
