package streamflow

import (
	runtimepkg "github.com/drblury/streamflow/internal/runtime"
	channelpkg "github.com/drblury/streamflow/internal/runtime/channel"
	codecspkg "github.com/drblury/streamflow/internal/runtime/codecs"
	configpkg "github.com/drblury/streamflow/internal/runtime/config"
	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	idspkg "github.com/drblury/streamflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/streamflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/streamflow/internal/runtime/metadata"
	schemapkg "github.com/drblury/streamflow/internal/runtime/schema"
	transportpkg "github.com/drblury/streamflow/transport"
)

type (
	Config          = configpkg.Config
	App             = runtimepkg.App
	AppDependencies = runtimepkg.AppDependencies
	AppContext      = channelpkg.AppContext

	Channel        = channelpkg.Channel
	Topic          = channelpkg.Topic
	Memory         = channelpkg.Memory
	Event          = channelpkg.Event
	Message        = channelpkg.Message
	Stream         = channelpkg.Stream
	FutureMessage  = channelpkg.FutureMessage
	PendingMessage = channelpkg.PendingMessage
	RecordMetadata = channelpkg.RecordMetadata
	ProducerRecord = channelpkg.ProducerRecord
	Producer       = channelpkg.Producer
	Observer       = channelpkg.Observer

	ChannelOption = channelpkg.Option
	SendOption    = channelpkg.SendOption
	StreamOption  = channelpkg.StreamOption

	TransportProducer = runtimepkg.TransportProducer
	Conductor         = runtimepkg.Conductor
	ChannelMetrics    = runtimepkg.ChannelMetrics
	ChannelStats      = runtimepkg.ChannelStats
	MetricsSnapshot   = runtimepkg.MetricsSnapshot

	Schema        = schemapkg.Type
	SchemaOption  = schemapkg.Option
	Codec         = codecspkg.Codec
	CodecRegistry = codecspkg.Registry

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError
	DeclareError          = errspkg.DeclareError
	DecodeError           = errspkg.DecodeError
	PublishError          = errspkg.PublishError
	SerializationError    = errspkg.SerializationError

	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
	TopicSpec             = transportpkg.TopicSpec
	Declarer              = transportpkg.Declarer
	DeclarerFunc          = transportpkg.DeclarerFunc
	Receipt               = transportpkg.Receipt
	ReceiptPublisher      = transportpkg.ReceiptPublisher
)

var (
	NewApp         = runtimepkg.NewApp
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewTopic             = channelpkg.NewTopic
	NewMemory            = channelpkg.NewMemory
	NewTransportProducer = runtimepkg.NewTransportProducer
	NewConductor         = runtimepkg.NewConductor
	NewChannelMetrics    = runtimepkg.NewChannelMetrics

	// Channel options
	KeyType              = channelpkg.KeyType
	ValueType            = channelpkg.ValueType
	KeySerializer        = channelpkg.KeySerializer
	ValueSerializer      = channelpkg.ValueSerializer
	Capacity             = channelpkg.Capacity
	CacheDeclareFailures = channelpkg.CacheDeclareFailures
	Partitions           = channelpkg.Partitions
	Replicas             = channelpkg.Replicas
	Retention            = channelpkg.Retention
	Compacting           = channelpkg.Compacting
	Deleting             = channelpkg.Deleting
	TopicConfig          = channelpkg.TopicConfig

	// Send options
	WithKey             = channelpkg.WithKey
	WithValue           = channelpkg.WithValue
	WithPartition       = channelpkg.WithPartition
	WithTimestamp       = channelpkg.WithTimestamp
	WithKeySerializer   = channelpkg.WithKeySerializer
	WithValueSerializer = channelpkg.WithValueSerializer
	WithHeaders         = channelpkg.WithHeaders
	WithCallback        = channelpkg.WithCallback
	WithForce           = channelpkg.WithForce

	// Stream options
	WithConcurrency  = channelpkg.WithConcurrency
	WithProcessor    = channelpkg.WithProcessor
	WithErrorHandler = channelpkg.WithErrorHandler

	AnySchema      = schemapkg.Any
	WithSerializer = schemapkg.WithSerializer

	NewCodecRegistry = codecspkg.NewRegistry
	DefaultCodecs    = codecspkg.Default

	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	GetCapabilities          = transportpkg.GetCapabilities

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode

	ErrChannelClosed    = errspkg.ErrChannelClosed
	ErrNoTopicName      = errspkg.ErrNoTopicName
	ErrProducerRequired = errspkg.ErrProducerRequired
	ErrAppRequired      = errspkg.ErrAppRequired
	ErrTopicRequired    = errspkg.ErrTopicRequired
	ErrCodecNotFound    = errspkg.ErrCodecNotFound
	ErrConfigRequired   = errspkg.ErrConfigRequired
	ErrLoggerRequired   = errspkg.ErrLoggerRequired
	ErrTransportClosed  = errspkg.ErrTransportClosed
	ErrFutureRequired   = errspkg.ErrFutureRequired
	ErrConductorRunning = runtimepkg.ErrConductorRunning
	ErrNoProcessor      = channelpkg.ErrNoProcessor

	NewSlogServiceLogger      = loggingpkg.FromSlog
	NewWatermillServiceLogger = loggingpkg.FromWatermill
	NopLogger                 = loggingpkg.Nop

	NewMetadata = metadatapkg.New

	NewID = idspkg.New
)

// Metadata keys the producer and conductor use for record positions.
const (
	HeaderKey       = metadatapkg.HeaderKey
	HeaderPartition = metadatapkg.HeaderPartition
	HeaderOffset    = metadatapkg.HeaderOffset
	HeaderTimestamp = metadatapkg.HeaderTimestamp
)

// SchemaOf describes T as a channel key or value type.
func SchemaOf[T any](opts ...SchemaOption) Schema {
	return schemapkg.Of[T](opts...)
}

func NewEntryServiceLogger[T loggingpkg.Entry[T]](entry T) ServiceLogger {
	return loggingpkg.FromEntry(entry)
}
