package storage

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SQLiteConfig configures the embedded SQLite backend.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" keeps everything in RAM.
	// Default "siemlite.db".
	Path string `mapstructure:"path" json:"path"`
	// BusyTimeout is how long a locked database is retried, in
	// milliseconds. Default 5000.
	BusyTimeout int `mapstructure:"busy_timeout_ms" json:"busy_timeout_ms"`
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY,
	ip          TEXT NOT NULL,
	timestamp   TEXT NOT NULL,
	method      TEXT,
	url         TEXT,
	protocol    TEXT,
	status      INTEGER,
	bytes       INTEGER,
	referer     TEXT,
	user_agent  TEXT,
	browser     TEXT,
	os          TEXT,
	ip_class    TEXT,
	suspicious  BOOLEAN,
	ingested_at TEXT NOT NULL,
	parsed_at   TEXT,
	indexed_at  TEXT
);

CREATE TABLE IF NOT EXISTS alerts (
	id           TEXT PRIMARY KEY,
	alert_type   TEXT NOT NULL,
	ip           TEXT,
	count        INTEGER,
	window_start TEXT,
	window_end   TEXT,
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_ip ON events(ip);
CREATE INDEX IF NOT EXISTS idx_events_status ON events(status);
CREATE INDEX IF NOT EXISTS idx_events_suspicious ON events(suspicious);
CREATE INDEX IF NOT EXISTS idx_alerts_ip ON alerts(ip);
`

// NewSQLiteStore opens (or creates) the SQLite database, switches it to WAL
// mode and applies the schema. The pool is capped at one connection; SQLite
// allows a single writer and the indexer is the only client.
func NewSQLiteStore(logger *zap.Logger, config SQLiteConfig) (*SQLStore, error) {
	if config.Path == "" {
		config.Path = "siemlite.db"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d",
		config.Path, config.BusyTimeout)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite database %s", config.Path)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply sqlite schema")
	}

	logger.Info("SQLite store ready",
		zap.String("component", "storage"),
		zap.String("path", config.Path),
	)
	return newSQLStore(logger, db, BackendSQLite), nil
}
