/*
Package runtime wires channels to a message transport.

# Architecture Overview

An App owns one transport (built from the registry named by
Config.PubSubSystem) and every channel created through it. It implements
channel.AppContext, so channels reach the producer, codecs, logger and
observer through it.

# Package Structure

## App (app.go)

NewApp validates the configuration, builds the transport and prepares:
  - the TransportProducer used by every topic channel
  - the Conductor that feeds incoming records to topic channels
  - ChannelMetrics when MetricsEnabled is set, served on MetricsPort

Topic returns the channel for a topic name and caches it. Memory creates
in-process channels that never touch the transport.

## Producer (producer.go)

TransportProducer turns a ProducerRecord into a Watermill message. The key,
partition, offset and timestamp travel as metadata headers. Backends that
know where a record was stored report it through transport.ReceiptPublisher;
for the others the producer assigns dense per-topic offsets itself.

## Conductor (conductor.go)

The Conductor declares and subscribes every registered topic and delivers
each transport message to its channel. Acking the resulting event acks the
transport message; a failed delivery or processing step nacks it.

## Metrics (metrics.go)

ChannelMetrics implements channel.Observer on top of Prometheus counters and
keeps per-channel stats for snapshots.

# Sub-packages

  - channel/: memory and topic channels, events, futures and streams
  - codecs/: named serializers (raw, json, yaml, binary, proto, protojson)
  - config/: configuration with defaults and validation
  - errors/: sentinel errors and error types
  - ids/: ULID generation for message IDs
  - jsoncodec/: JSON marshaling on sonic
  - logging/: logger interface and adapters
  - metadata/: record headers and their Watermill mapping
  - schema/: key and value type descriptions
  - stampede/: single-flight guard for topic declaration

# Usage Example

	app, err := streamflow.NewApp(ctx, &streamflow.Config{
		PubSubSystem: "kafka",
		KafkaBrokers: []string{"localhost:9092"},
	}, logger, streamflow.AppDependencies{})

	orders, err := app.Topic("orders", streamflow.ValueType(schema.Of[Order]()))

	go app.Run(ctx)

	for ev, err := range orders.Events(ctx) {
		...
	}
*/
package runtime
