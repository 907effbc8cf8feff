package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	Host     string `mapstructure:"host" json:"host"`         // default "localhost"
	Port     int    `mapstructure:"port" json:"port"`         // default 5432
	Database string `mapstructure:"database" json:"database"` // default "siemlite"
	Username string `mapstructure:"username" json:"username"` // default "postgres"
	Password string `mapstructure:"password" json:"password"`
	SSLMode  string `mapstructure:"sslmode" json:"sslmode"` // default "disable"

	MaxOpenConns    int           `mapstructure:"max_open_conns" json:"max_open_conns"`       // default 5
	MaxIdleConns    int           `mapstructure:"max_idle_conns" json:"max_idle_conns"`       // default 2
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" json:"conn_max_lifetime"` // default 5m
}

func (c *PostgresConfig) withDefaults() PostgresConfig {
	out := *c
	if out.Host == "" {
		out.Host = "localhost"
	}
	if out.Port == 0 {
		out.Port = 5432
	}
	if out.Database == "" {
		out.Database = "siemlite"
	}
	if out.Username == "" {
		out.Username = "postgres"
	}
	if out.SSLMode == "" {
		out.SSLMode = "disable"
	}
	if out.MaxOpenConns <= 0 {
		out.MaxOpenConns = 5
	}
	if out.MaxIdleConns <= 0 {
		out.MaxIdleConns = 2
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 5 * time.Minute
	}
	return out
}

func (c *PostgresConfig) dsn() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode,
	)
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
	id          BIGINT PRIMARY KEY,
	ip          TEXT NOT NULL,
	timestamp   TEXT NOT NULL,
	method      TEXT,
	url         TEXT,
	protocol    TEXT,
	status      INTEGER,
	bytes       BIGINT,
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

// NewPostgresStore connects to PostgreSQL, verifies the connection and
// applies the schema.
func NewPostgresStore(logger *zap.Logger, config PostgresConfig) (*SQLStore, error) {
	cfg := config.withDefaults()

	db, err := sqlx.Connect("postgres", cfg.dsn())
	if err != nil {
		return nil, errors.Wrapf(err, "connect to postgres %s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply postgres schema")
	}

	logger.Info("PostgreSQL store ready",
		zap.String("component", "storage"),
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
	)
	return newSQLStore(logger, db, BackendPostgres), nil
}
