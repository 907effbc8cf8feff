package storage

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/UsamaSani/SIEM-Lite/internal/event"
)

const insertEventSQL = `
	INSERT INTO events
		(id, ip, timestamp, method, url, protocol, status, bytes, referer,
		 user_agent, browser, os, ip_class, suspicious, ingested_at,
		 parsed_at, indexed_at)
	VALUES
		(:id, :ip, :timestamp, :method, :url, :protocol, :status, :bytes,
		 :referer, :user_agent, :browser, :os, :ip_class, :suspicious,
		 :ingested_at, :parsed_at, :indexed_at)`

const insertAlertSQL = `
	INSERT INTO alerts
		(id, alert_type, ip, count, window_start, window_end, created_at)
	VALUES
		(:id, :alert_type, :ip, :count, :window_start, :window_end, :created_at)`

// eventRow is the SQL shape of a ParsedEvent. Timestamps are stored as
// RFC 3339 UTC strings so rows sort chronologically regardless of the
// source log's zone offset.
type eventRow struct {
	ID         uint64 `db:"id"`
	IP         string `db:"ip"`
	Timestamp  string `db:"timestamp"`
	Method     string `db:"method"`
	URL        string `db:"url"`
	Protocol   string `db:"protocol"`
	Status     int    `db:"status"`
	Bytes      int64  `db:"bytes"`
	Referer    string `db:"referer"`
	UserAgent  string `db:"user_agent"`
	Browser    string `db:"browser"`
	OS         string `db:"os"`
	IPClass    string `db:"ip_class"`
	Suspicious bool   `db:"suspicious"`
	IngestedAt string `db:"ingested_at"`
	ParsedAt   string `db:"parsed_at"`
	IndexedAt  string `db:"indexed_at"`
}

type alertRow struct {
	ID          string `db:"id"`
	AlertType   string `db:"alert_type"`
	IP          string `db:"ip"`
	Count       int    `db:"count"`
	WindowStart string `db:"window_start"`
	WindowEnd   string `db:"window_end"`
	CreatedAt   string `db:"created_at"`
}

func newEventRow(ev *event.ParsedEvent, indexedAt time.Time) eventRow {
	return eventRow{
		ID:         ev.ID,
		IP:         ev.IP,
		Timestamp:  ev.Timestamp.UTC().Format(time.RFC3339),
		Method:     ev.Method,
		URL:        ev.Path,
		Protocol:   ev.Protocol,
		Status:     ev.Status,
		Bytes:      ev.Bytes,
		Referer:    ev.Referer,
		UserAgent:  ev.UserAgent,
		Browser:    ev.Browser,
		OS:         ev.OS,
		IPClass:    ev.IPClass,
		Suspicious: ev.Suspicious,
		IngestedAt: ev.IngestedAt.UTC().Format(time.RFC3339),
		ParsedAt:   ev.ParsedAt.UTC().Format(time.RFC3339),
		IndexedAt:  indexedAt.Format(time.RFC3339),
	}
}

func newAlertRow(alert *event.Alert) alertRow {
	return alertRow{
		ID:          alert.ID,
		AlertType:   alert.Rule,
		IP:          alert.Key,
		Count:       alert.Count,
		WindowStart: alert.WindowStart.UTC().Format(time.RFC3339),
		WindowEnd:   alert.WindowEnd.UTC().Format(time.RFC3339),
		CreatedAt:   alert.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// SQLStore implements Store over sqlx for the SQLite and PostgreSQL
// backends. Each batch runs in one transaction; a circuit breaker fails
// writes fast while the database is down instead of stacking timeouts.
type SQLStore struct {
	logger  *zap.Logger
	db      *sqlx.DB
	backend string
	breaker *gobreaker.CircuitBreaker
}

func newSQLStore(logger *zap.Logger, db *sqlx.DB, backend string) *SQLStore {
	componentLogger := logger.With(zap.String("component", "storage"), zap.String("backend", backend))
	return &SQLStore{
		logger:  componentLogger,
		db:      db,
		backend: backend,
		breaker: newStoreBreaker(componentLogger, backend),
	}
}

func newStoreBreaker(logger *zap.Logger, name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Storage circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// WriteEvents stores one batch of events atomically.
func (s *SQLStore) WriteEvents(ctx context.Context, events []*event.ParsedEvent) error {
	if len(events) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]eventRow, 0, len(events))
	for _, ev := range events {
		rows = append(rows, newEventRow(ev, now))
	}
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.inTx(ctx, insertEventSQL, rows)
	})
	if err != nil {
		return errors.Wrapf(err, "%s: write %d events", s.backend, len(rows))
	}
	s.logger.Debug("Event batch stored", zap.Int("events", len(rows)))
	return nil
}

// WriteAlerts stores one batch of alerts atomically.
func (s *SQLStore) WriteAlerts(ctx context.Context, alerts []*event.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	rows := make([]alertRow, 0, len(alerts))
	for _, alert := range alerts {
		rows = append(rows, newAlertRow(alert))
	}
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.inTx(ctx, insertAlertSQL, rows)
	})
	if err != nil {
		return errors.Wrapf(err, "%s: write %d alerts", s.backend, len(rows))
	}
	s.logger.Debug("Alert batch stored", zap.Int("alerts", len(rows)))
	return nil
}

// inTx runs one named bulk insert inside a transaction.
func (s *SQLStore) inTx(ctx context.Context, query string, arg interface{}) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, query, arg); err != nil {
		return errors.Wrap(err, "insert")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Wrapf(err, "close %s store", s.backend)
	}
	s.logger.Info("Store closed")
	return nil
}
