package indexer

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/UsamaSani/SIEM-Lite/internal/event"
)

// Frame is one spilled batch. Frames are appended to the dead-letter file
// as length-prefixed LZ4-compressed msgpack blocks so a partial final write
// never corrupts earlier frames.
type Frame struct {
	Kind      string               `msgpack:"kind"` // "events" or "alerts"
	Reason    string               `msgpack:"reason"`
	WrittenAt time.Time            `msgpack:"written_at"`
	Events    []*event.ParsedEvent `msgpack:"events,omitempty"`
	Alerts    []*event.Alert       `msgpack:"alerts,omitempty"`
}

// DeadLetter appends batches the store refused so no accepted record is
// dropped silently. The file is created on first spill.
type DeadLetter struct {
	logger *zap.Logger
	path   string

	mu sync.Mutex
	f  *os.File
}

// NewDeadLetter points the spill writer at path. Nothing is opened until a
// batch actually fails.
func NewDeadLetter(logger *zap.Logger, path string) *DeadLetter {
	return &DeadLetter{
		logger: logger.With(zap.String("component", "dead-letter")),
		path:   path,
	}
}

// SpillEvents appends one event batch and returns the spill path.
func (d *DeadLetter) SpillEvents(events []*event.ParsedEvent, reason string) (string, error) {
	return d.spill(Frame{
		Kind:      "events",
		Reason:    reason,
		WrittenAt: time.Now().UTC(),
		Events:    events,
	})
}

// SpillAlerts appends one alert batch and returns the spill path.
func (d *DeadLetter) SpillAlerts(alerts []*event.Alert, reason string) (string, error) {
	return d.spill(Frame{
		Kind:      "alerts",
		Reason:    reason,
		WrittenAt: time.Now().UTC(),
		Alerts:    alerts,
	})
}

func (d *DeadLetter) spill(frame Frame) (string, error) {
	payload, err := msgpack.Marshal(frame)
	if err != nil {
		return "", errors.Wrap(err, "marshal dead-letter frame")
	}

	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return "", errors.Wrap(err, "compress dead-letter frame")
	}
	if err := zw.Close(); err != nil {
		return "", errors.Wrap(err, "close lz4 writer")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.f == nil {
		f, err := os.OpenFile(d.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return "", errors.Wrapf(err, "open dead-letter file %s", d.path)
		}
		d.f = f
	}

	if err := binary.Write(d.f, binary.BigEndian, uint32(buf.Len())); err != nil {
		return "", errors.Wrap(err, "write frame length")
	}
	if _, err := d.f.Write(buf.Bytes()); err != nil {
		return "", errors.Wrap(err, "write frame")
	}
	if err := d.f.Sync(); err != nil {
		return "", errors.Wrap(err, "sync dead-letter file")
	}

	d.logger.Warn("Batch spilled to dead letter",
		zap.String("kind", frame.Kind),
		zap.Int("events", len(frame.Events)),
		zap.Int("alerts", len(frame.Alerts)),
		zap.String("reason", frame.Reason),
		zap.String("path", d.path),
	)
	return d.path, nil
}

// Close closes the spill file if one was opened.
func (d *DeadLetter) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return errors.Wrap(err, "close dead-letter file")
}

// ReadFrames loads every frame from a dead-letter file, for replay tooling
// and inspection.
func ReadFrames(path string) ([]Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open dead-letter file %s", path)
	}
	defer f.Close()

	var frames []Frame
	for {
		var length uint32
		if err := binary.Read(f, binary.BigEndian, &length); err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			return frames, errors.Wrap(err, "read frame length")
		}
		block := make([]byte, length)
		if _, err := io.ReadFull(f, block); err != nil {
			return frames, errors.Wrap(err, "read frame")
		}

		payload, err := io.ReadAll(lz4.NewReader(bytes.NewReader(block)))
		if err != nil {
			return frames, errors.Wrap(err, "decompress frame")
		}
		var frame Frame
		if err := msgpack.Unmarshal(payload, &frame); err != nil {
			return frames, errors.Wrap(err, "unmarshal frame")
		}
		frames = append(frames, frame)
	}
}
