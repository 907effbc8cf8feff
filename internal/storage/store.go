// Package storage persists processed events and alerts. Three backends
// share one batch-write contract: embedded SQLite (default), PostgreSQL,
// and Elasticsearch.
package storage

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/UsamaSani/SIEM-Lite/internal/event"
)

// Supported backends.
const (
	BackendSQLite        = "sqlite"
	BackendPostgres      = "postgres"
	BackendElasticsearch = "elasticsearch"
)

// Store is the durable sink the indexer writes to. A batch write is atomic:
// it is either fully applied or not applied at all, so the indexer can
// retry a failed batch without creating partial duplicates. Writing a batch
// that contains an already-stored event ID is an error.
type Store interface {
	WriteEvents(ctx context.Context, events []*event.ParsedEvent) error
	WriteAlerts(ctx context.Context, alerts []*event.Alert) error
	Close() error
}

// Config selects and configures the storage backend.
type Config struct {
	// Backend is one of sqlite, postgres, elasticsearch. Default sqlite.
	Backend string `mapstructure:"backend" json:"backend"`

	SQLite        SQLiteConfig   `mapstructure:"sqlite" json:"sqlite"`
	Postgres      PostgresConfig `mapstructure:"postgres" json:"postgres"`
	Elasticsearch ElasticConfig  `mapstructure:"elasticsearch" json:"elasticsearch"`
}

// Open builds the configured backend and verifies it is reachable.
func Open(logger *zap.Logger, config Config) (Store, error) {
	switch config.Backend {
	case "", BackendSQLite:
		return NewSQLiteStore(logger, config.SQLite)
	case BackendPostgres:
		return NewPostgresStore(logger, config.Postgres)
	case BackendElasticsearch:
		return NewElasticStore(logger, config.Elasticsearch)
	default:
		return nil, errors.Errorf("unknown storage backend %q", config.Backend)
	}
}
