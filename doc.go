// Package streamflow moves typed key/value events between producers and
// consumers over a pluggable message transport built on Watermill.
//
// An App reads the target transport (Kafka, RabbitMQ, AWS SNS/SQS, NATS,
// JetStream, HTTP, I/O, SQLite, PostgreSQL, or Go channels) from Config and
// hands out channels. A Topic channel is backed by a transport topic: Send
// serializes the key and value, declares the topic on first use and returns
// a FutureMessage that resolves to the record's partition and offset. Run
// subscribes every topic channel and buffers decoded events for consumers.
// A Memory channel keeps events in process and never touches the transport.
//
// A minimal setup fills Config, creates an App, creates channels, starts Run
// and reads events:
//
//	app, err := streamflow.NewApp(ctx, &streamflow.Config{PubSubSystem: "channel"},
//		streamflow.NewSlogServiceLogger(slog.Default()), streamflow.AppDependencies{})
//	orders, err := app.Topic("orders", streamflow.ValueType(streamflow.SchemaOf[Order]()))
//	go app.Run(ctx)
//
//	fut, err := orders.Send(ctx, streamflow.WithKey("o-1"), streamflow.WithValue(Order{ID: "o-1"}))
//	md, err := fut.Wait(ctx)
//
//	for ev, err := range orders.Events(ctx) {
//		if err != nil {
//			continue // undecodable record, already acknowledged
//		}
//		_ = ev.Process(handle)
//	}
//
// # Transports
//
// Each transport lives in its own package under transport/ and registers
// itself on import. Import transport/transports to get all of them:
//   - channel: in-memory Go channels for tests and local development
//   - kafka: partitions and offsets reported by the broker
//   - rabbitmq: AMQP durable queues
//   - aws: SNS topics fanned out to SQS queues, with LocalStack support
//   - nats and jetstream: core NATS and persistent JetStream streams
//   - http: webhook style publishing
//   - io: append-only file log
//   - sqlite and postgres: SQL record log with per-topic positions and
//     committed consumer offsets
//
// # Observability
//
// With MetricsEnabled the App records channel activity in Prometheus and
// serves it on MetricsPort. Publishing and delivery run inside
// OpenTelemetry spans.
package streamflow
