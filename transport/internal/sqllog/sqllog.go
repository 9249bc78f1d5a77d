// Package sqllog stores topics as append-only logs in a SQL database. It backs
// the sqlite and postgres transports, which differ only in their Dialect.
//
// Every topic row carries the next position to hand out, so positions are
// dense per topic and double as record offsets. Consumers commit the position
// after the last acked record per consumer group and resume from there.
package sqllog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	sferrors "github.com/drblury/streamflow/internal/runtime/errors"
	"github.com/drblury/streamflow/internal/runtime/jsoncodec"
	"github.com/drblury/streamflow/internal/runtime/metadata"
	"github.com/drblury/streamflow/transport"
)

const (
	// DefaultPollInterval is the default interval for polling new records.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultGroup is the consumer group used when none is configured.
	DefaultGroup = "streamflow"
	// DefaultPruneInterval is how often an idle subscription deletes
	// records past their topic retention.
	DefaultPruneInterval = time.Minute
)

// Dialect holds what differs between databases.
type Dialect struct {
	Name string
	// Schema is executed statement by statement when the log is opened.
	Schema []string
	// Numbered placeholders ($1, $2, ...) instead of "?".
	Numbered bool
}

func (d Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r != '?' {
			b.WriteRune(r)
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// Options tune a Log.
type Options struct {
	Group         string
	PollInterval  time.Duration
	PruneInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Group == "" {
		o.Group = DefaultGroup
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.PruneInterval <= 0 {
		o.PruneInterval = DefaultPruneInterval
	}
	return o
}

// Log is a publisher, subscriber and declarer over one database.
type Log struct {
	db      *sql.DB
	dialect Dialect
	opts    Options
	logger  watermill.LoggerAdapter

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
	wg         sync.WaitGroup

	pruneMu   sync.Mutex
	lastPrune time.Time

	now func() time.Time
}

var (
	_ transport.ReceiptPublisher = (*Log)(nil)
	_ message.Subscriber         = (*Log)(nil)
	_ transport.Declarer         = (*Log)(nil)
)

// New creates the schema and returns a Log that owns db.
func New(ctx context.Context, db *sql.DB, dialect Dialect, opts Options, logger watermill.LoggerAdapter) (*Log, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	for _, stmt := range dialect.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s: create schema: %w", dialect.Name, err)
		}
	}
	return &Log{
		db:         db,
		dialect:    dialect,
		opts:       opts.withDefaults(),
		logger:     logger,
		closedChan: make(chan struct{}),
		now:        time.Now,
	}, nil
}

// DB returns the underlying database.
func (l *Log) DB() *sql.DB {
	return l.db
}

func (l *Log) exec(ctx context.Context, q sqlExecer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, l.dialect.rebind(query), args...)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (l *Log) checkOpen() error {
	l.closedMu.RLock()
	defer l.closedMu.RUnlock()
	if l.closed {
		return sferrors.ErrTransportClosed
	}
	return nil
}

// DeclareTopic records the topic. An existing topic keeps its settings.
func (l *Log) DeclareTopic(ctx context.Context, spec transport.TopicSpec) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	_, err := l.exec(ctx, l.db,
		`INSERT INTO streamflow_topics (name, partitions, retention_ms) VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING`,
		spec.Name, max(spec.Partitions, 1), spec.Retention.Milliseconds())
	return err
}

// Publish appends messages to topic.
func (l *Log) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		if _, err := l.PublishWithReceipt(topic, msg); err != nil {
			return err
		}
	}
	return nil
}

// PublishWithReceipt appends msg to topic and returns its position.
func (l *Log) PublishWithReceipt(topic string, msg *message.Message) (transport.Receipt, error) {
	if err := l.checkOpen(); err != nil {
		return transport.Receipt{}, err
	}
	ctx := msg.Context()

	md, err := jsoncodec.Marshal(msg.Metadata)
	if err != nil {
		return transport.Receipt{}, fmt.Errorf("marshal metadata: %w", err)
	}
	ts, ok := metadata.Timestamp(msg.Metadata)
	if !ok {
		ts = l.now()
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return transport.Receipt{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := l.exec(ctx, tx, `INSERT INTO streamflow_topics (name) VALUES (?) ON CONFLICT (name) DO NOTHING`, topic); err != nil {
		return transport.Receipt{}, err
	}
	var position int64
	err = tx.QueryRowContext(ctx, l.dialect.rebind(
		`UPDATE streamflow_topics SET next_position = next_position + 1 WHERE name = ? RETURNING next_position - 1`), topic).
		Scan(&position)
	if err != nil {
		return transport.Receipt{}, fmt.Errorf("assign position: %w", err)
	}
	if _, err := l.exec(ctx, tx,
		`INSERT INTO streamflow_records (topic, position, uuid, payload, metadata, created_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		topic, position, msg.UUID, []byte(msg.Payload), string(md), ts.UnixMilli()); err != nil {
		return transport.Receipt{}, err
	}
	if err := tx.Commit(); err != nil {
		return transport.Receipt{}, err
	}

	l.logger.Trace("Record appended", watermill.LogFields{"topic": topic, "position": position, "uuid": msg.UUID})
	return transport.Receipt{Topic: topic, Partition: 0, Offset: position, Timestamp: ts}, nil
}

// Committed returns the position the consumer group resumes topic from.
func (l *Log) Committed(ctx context.Context, topic string) (int64, error) {
	var position int64
	err := l.db.QueryRowContext(ctx, l.dialect.rebind(
		`SELECT next_position FROM streamflow_offsets WHERE consumer_group = ? AND topic = ?`), l.opts.Group, topic).
		Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return position, err
}

func (l *Log) commit(ctx context.Context, topic string, next int64) error {
	_, err := l.exec(ctx, l.db,
		`INSERT INTO streamflow_offsets (consumer_group, topic, next_position) VALUES (?, ?, ?)
		ON CONFLICT (consumer_group, topic) DO UPDATE SET next_position = excluded.next_position`,
		l.opts.Group, topic, next)
	return err
}

// Subscribe streams the records of topic from the committed position on.
// The next record is delivered once the previous one was acked; a nacked
// record is delivered again after the poll interval.
func (l *Log) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	position, err := l.Committed(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("load committed position: %w", err)
	}

	out := make(chan *message.Message)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer close(out)
		l.poll(ctx, topic, position, out)
	}()
	return out, nil
}

func (l *Log) poll(ctx context.Context, topic string, position int64, out chan<- *message.Message) {
	for {
		msg, next, err := l.fetch(ctx, topic, position)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("Failed to fetch record", err, watermill.LogFields{"topic": topic, "position": position})
			if !l.wait(ctx) {
				return
			}
			continue
		case msg == nil:
			l.maybePrune(ctx)
			if !l.wait(ctx) {
				return
			}
			continue
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			return
		case <-l.closedChan:
			return
		}

		select {
		case <-msg.Acked():
			if err := l.commit(ctx, topic, next); err != nil {
				l.logger.Error("Failed to commit position", err, watermill.LogFields{"topic": topic, "position": next})
			}
			position = next
		case <-msg.Nacked():
			l.logger.Debug("Record nacked", watermill.LogFields{"topic": topic, "uuid": msg.UUID})
			if !l.wait(ctx) {
				return
			}
		case <-ctx.Done():
			return
		case <-l.closedChan:
			return
		}
	}
}

// fetch reads the first record at or after position. Pruned positions are
// skipped.
func (l *Log) fetch(ctx context.Context, topic string, position int64) (*message.Message, int64, error) {
	var (
		found   int64
		uuid    string
		payload []byte
		rawMD   string
	)
	err := l.db.QueryRowContext(ctx, l.dialect.rebind(
		`SELECT position, uuid, payload, metadata FROM streamflow_records
		WHERE topic = ? AND position >= ? ORDER BY position LIMIT 1`), topic, position).
		Scan(&found, &uuid, &payload, &rawMD)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, position, nil
	}
	if err != nil {
		return nil, position, err
	}

	msg := message.NewMessage(uuid, payload)
	if rawMD != "" {
		var md map[string]string
		if err := jsoncodec.Unmarshal([]byte(rawMD), &md); err != nil {
			l.logger.Error("Failed to unmarshal metadata", err, watermill.LogFields{"topic": topic, "position": found})
		}
		for k, v := range md {
			msg.Metadata.Set(k, v)
		}
	}
	metadata.SetPartition(msg.Metadata, 0)
	metadata.SetOffset(msg.Metadata, found)
	return msg, found + 1, nil
}

func (l *Log) wait(ctx context.Context) bool {
	t := time.NewTimer(l.opts.PollInterval)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-l.closedChan:
		return false
	}
}

func (l *Log) maybePrune(ctx context.Context) {
	l.pruneMu.Lock()
	if l.now().Sub(l.lastPrune) < l.opts.PruneInterval {
		l.pruneMu.Unlock()
		return
	}
	l.lastPrune = l.now()
	l.pruneMu.Unlock()

	n, err := l.Prune(ctx)
	if err != nil {
		l.logger.Error("Failed to prune records", err, nil)
		return
	}
	if n > 0 {
		l.logger.Debug("Pruned records", watermill.LogFields{"count": n})
	}
}

// Prune deletes records older than the retention of their topic and returns
// how many were removed. Topics without retention keep everything.
func (l *Log) Prune(ctx context.Context) (int64, error) {
	res, err := l.exec(ctx, l.db,
		`DELETE FROM streamflow_records
		WHERE created_ms < ? - (
			SELECT t.retention_ms FROM streamflow_topics t
			WHERE t.name = streamflow_records.topic AND t.retention_ms > 0
		)`, l.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close stops all subscriptions and closes the database.
func (l *Log) Close() error {
	l.closedMu.Lock()
	if l.closed {
		l.closedMu.Unlock()
		return nil
	}
	l.closed = true
	close(l.closedChan)
	l.closedMu.Unlock()

	l.wg.Wait()
	return l.db.Close()
}
