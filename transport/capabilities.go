package transport

// Capabilities describes what a transport backend can do.
type Capabilities struct {
	Name string

	// SupportsDeclare means topics can be created ahead of use. Without it
	// channel declaration is a no-op.
	SupportsDeclare bool

	// SupportsOffsets means published messages come back with the real
	// partition and offset. Otherwise offsets are counted locally.
	SupportsOffsets bool

	// SupportsOrdering means messages of one partition arrive in order.
	SupportsOrdering bool

	SupportsPartitioning bool

	// SupportsAck and SupportsNack describe explicit acknowledgement and
	// redelivery.
	SupportsAck  bool
	SupportsNack bool

	// MaxMessageSize in bytes, 0 when unknown.
	MaxMessageSize int64
}

// SupportsReliableDelivery reports at-least-once delivery (ack and nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// SynthesizesOffsets reports whether record offsets are counted by streamflow
// rather than assigned by the backend.
func (c Capabilities) SynthesizesOffsets() bool {
	return !c.SupportsOffsets
}

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsDeclare:  true,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsDeclare:      true,
		SupportsOffsets:      true,
		SupportsOrdering:     true,
		SupportsPartitioning: true,
		SupportsAck:          true,
		MaxMessageSize:       1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsDeclare:  true,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1048576,
	}

	JetStreamCapabilities = Capabilities{
		Name:             "jetstream",
		SupportsDeclare:  true,
		SupportsOffsets:  true,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   1048576,
	}

	AWSCapabilities = Capabilities{
		Name:            "aws",
		SupportsDeclare: true,
		SupportsAck:     true,
		SupportsNack:    true,
		MaxMessageSize:  262144,
	}

	SQLiteCapabilities = Capabilities{
		Name:             "sqlite",
		SupportsDeclare:  true,
		SupportsOffsets:  true,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	PostgresCapabilities = Capabilities{
		Name:             "postgres",
		SupportsDeclare:  true,
		SupportsOffsets:  true,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	HTTPCapabilities = Capabilities{
		Name: "http",
	}

	IOCapabilities = Capabilities{
		Name:             "io",
		SupportsOffsets:  true,
		SupportsOrdering: true,
	}
)

// GetCapabilities looks up capabilities in the default registry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
