package channel

import (
	"time"

	"github.com/drblury/streamflow/internal/runtime/metadata"
	"github.com/drblury/streamflow/internal/runtime/schema"
	"github.com/drblury/streamflow/internal/runtime/stampede"
	"github.com/drblury/streamflow/transport"
)

// Option configures a channel at construction.
type Option func(*options)

type options struct {
	keyType         schema.Type
	valueType       schema.Type
	keySerializer   string
	valueSerializer string
	capacity        int
	failurePolicy   stampede.FailurePolicy
	topic           transport.TopicSpec
}

func buildOptions(opts []Option) options {
	o := options{capacity: DefaultCapacity}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// DefaultCapacity bounds channel buffers when no Capacity option is given.
const DefaultCapacity = 4096

func KeyType(t schema.Type) Option   { return func(o *options) { o.keyType = t } }
func ValueType(t schema.Type) Option { return func(o *options) { o.valueType = t } }

// KeySerializer overrides the codec used for keys on this channel.
func KeySerializer(name string) Option { return func(o *options) { o.keySerializer = name } }

// ValueSerializer overrides the codec used for values on this channel.
func ValueSerializer(name string) Option { return func(o *options) { o.valueSerializer = name } }

// Capacity bounds the buffer. n <= 0 means unbounded.
func Capacity(n int) Option { return func(o *options) { o.capacity = n } }

// CacheDeclareFailures keeps the first declare failure instead of retrying
// on the next send. A non-iterator clone starts over.
func CacheDeclareFailures() Option {
	return func(o *options) { o.failurePolicy = stampede.CacheFailure }
}

func Partitions(n int32) Option { return func(o *options) { o.topic.Partitions = n } }
func Replicas(n int16) Option   { return func(o *options) { o.topic.Replicas = n } }

func Retention(d time.Duration) Option { return func(o *options) { o.topic.Retention = d } }

// Compacting enables log compaction on the declared topic.
func Compacting() Option { return func(o *options) { o.topic.Compacting = true } }

// Deleting enables time or size based deletion on the declared topic.
func Deleting() Option { return func(o *options) { o.topic.Deleting = true } }

// TopicConfig adds a transport specific topic setting.
func TopicConfig(key, value string) Option {
	return func(o *options) {
		if o.topic.Config == nil {
			o.topic.Config = map[string]string{}
		}
		o.topic.Config[key] = value
	}
}

// SendOption configures a single send.
type SendOption func(*sendOptions)

type sendOptions struct {
	key             any
	value           any
	partition       int32
	timestamp       time.Time
	keySerializer   string
	valueSerializer string
	headers         metadata.Metadata
	callback        func(*FutureMessage)
	force           bool
}

func buildSendOptions(opts []SendOption) sendOptions {
	o := sendOptions{partition: -1}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithKey(key any) SendOption     { return func(o *sendOptions) { o.key = key } }
func WithValue(value any) SendOption { return func(o *sendOptions) { o.value = value } }

// WithPartition pins the record to a partition.
func WithPartition(p int32) SendOption { return func(o *sendOptions) { o.partition = p } }

func WithTimestamp(ts time.Time) SendOption { return func(o *sendOptions) { o.timestamp = ts } }

func WithKeySerializer(name string) SendOption {
	return func(o *sendOptions) { o.keySerializer = name }
}

func WithValueSerializer(name string) SendOption {
	return func(o *sendOptions) { o.valueSerializer = name }
}

// WithHeaders merges headers into the record. Later calls win.
func WithHeaders(h metadata.Metadata) SendOption {
	return func(o *sendOptions) { o.headers = o.headers.Merge(h) }
}

// WithCallback is invoked exactly once when the future resolves.
func WithCallback(fn func(*FutureMessage)) SendOption {
	return func(o *sendOptions) { o.callback = fn }
}

// WithForce skips the lazy declare before sending.
func WithForce() SendOption { return func(o *sendOptions) { o.force = true } }

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithConcurrency sets how many events are processed at once. Ordering is
// only guaranteed with 1.
func WithConcurrency(n int) StreamOption {
	return func(s *Stream) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithProcessor sets the function run for each event.
func WithProcessor(fn func(*Event) error) StreamOption {
	return func(s *Stream) { s.processor = fn }
}

// WithErrorHandler receives processing failures, decode errors and thrown
// errors. The event is nil for the latter two.
func WithErrorHandler(fn func(*Event, error)) StreamOption {
	return func(s *Stream) { s.onError = fn }
}
