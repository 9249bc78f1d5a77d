// Package sqlite provides a SQLite backed transport for streamflow. Topics
// are append-only tables of records; a record's position is its offset.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/streamflow/transport"
	"github.com/drblury/streamflow/transport/internal/sqllog"
)

// TransportName is the name used to register this transport.
const TransportName = "sqlite"

// DefaultFilePath is used when no database file is configured.
const DefaultFilePath = "streamflow.db"

// Dialect is the SQLite schema of the record log.
var Dialect = sqllog.Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS streamflow_topics (
			name TEXT PRIMARY KEY,
			partitions INTEGER NOT NULL DEFAULT 1,
			retention_ms INTEGER NOT NULL DEFAULT 0,
			next_position INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS streamflow_records (
			topic TEXT NOT NULL,
			position INTEGER NOT NULL,
			uuid TEXT NOT NULL,
			payload BLOB,
			metadata TEXT,
			created_ms INTEGER NOT NULL,
			PRIMARY KEY (topic, position)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_streamflow_records_created ON streamflow_records(created_ms)`,
		`CREATE TABLE IF NOT EXISTS streamflow_offsets (
			consumer_group TEXT NOT NULL,
			topic TEXT NOT NULL,
			next_position INTEGER NOT NULL,
			PRIMARY KEY (consumer_group, topic)
		)`,
	},
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQLiteCapabilities)
}

// Build creates a new SQLite transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	log, err := New(ctx, Config{
		FilePath:     cfg.GetSQLiteFile(),
		PollInterval: cfg.GetPollInterval(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  log,
		Subscriber: log,
		Declarer:   log,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the path to the SQLite database file.
	FilePath string
	// PollInterval is the interval for polling new records.
	PollInterval time.Duration
	// ConsumerGroup names the committed positions of this process.
	ConsumerGroup string
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = DefaultFilePath
	}
	if c.PollInterval <= 0 {
		c.PollInterval = sqllog.DefaultPollInterval
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = sqllog.DefaultGroup
	}
	return c
}

// New opens the database file and prepares the schema.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*sqllog.Log, error) {
	cfg = cfg.withDefaults()

	db, err := sql.Open("sqlite3", cfg.FilePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// one writer keeps position assignment serial
	db.SetMaxOpenConns(1)

	log, err := sqllog.New(ctx, db, Dialect, sqllog.Options{
		Group:        cfg.ConsumerGroup,
		PollInterval: cfg.PollInterval,
	}, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return log, nil
}
