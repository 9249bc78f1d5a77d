// Package postgres provides a PostgreSQL backed transport for streamflow.
// It stores the same record log as the sqlite transport, so several
// processes can share topics through one database.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/drblury/streamflow/transport"
	"github.com/drblury/streamflow/transport/internal/sqllog"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

// Dialect is the PostgreSQL schema of the record log.
var Dialect = sqllog.Dialect{
	Name:     "postgres",
	Numbered: true,
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS streamflow_topics (
			name TEXT PRIMARY KEY,
			partitions INTEGER NOT NULL DEFAULT 1,
			retention_ms BIGINT NOT NULL DEFAULT 0,
			next_position BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS streamflow_records (
			topic TEXT NOT NULL,
			position BIGINT NOT NULL,
			uuid TEXT NOT NULL,
			payload BYTEA,
			metadata TEXT,
			created_ms BIGINT NOT NULL,
			PRIMARY KEY (topic, position)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_streamflow_records_created ON streamflow_records(created_ms)`,
		`CREATE TABLE IF NOT EXISTS streamflow_offsets (
			consumer_group TEXT NOT NULL,
			topic TEXT NOT NULL,
			next_position BIGINT NOT NULL,
			PRIMARY KEY (consumer_group, topic)
		)`,
	},
}

func init() {
	Register()
}

// Register adds the transport and its "postgresql" alias to the default
// registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.RegisterWithCapabilities("postgresql", Build, transport.PostgresCapabilities)
}

// Build creates a new PostgreSQL transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	log, err := New(ctx, Config{
		ConnectionString: cfg.GetPostgresURL(),
		PollInterval:     cfg.GetPollInterval(),
		ConsumerGroup:    cfg.GetKafkaConsumerGroup(),
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
	return transport.PostgresCapabilities
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// PollInterval is the interval for polling new records.
	PollInterval time.Duration
	// ConsumerGroup names the committed positions of this process.
	ConsumerGroup string
	// MaxOpenConns sets the maximum number of open connections to the database.
	MaxOpenConns int
	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = sqllog.DefaultPollInterval
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = sqllog.DefaultGroup
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

// New connects to PostgreSQL and prepares the schema.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*sqllog.Log, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("PostgreSQL connection string is required")
	}
	cfg = cfg.withDefaults()

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

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
