// Package kafka provides a Kafka transport for streamflow.
//
// Records are produced with a sarama SyncProducer so that every send learns
// its partition and offset. Topics are declared through the cluster admin
// API and consumed with the Watermill Kafka subscriber.
package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streamflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// ProducerFactory allows overriding the producer creation for testing.
var ProducerFactory = func(brokers []string, cfg *sarama.Config) (SyncProducer, error) {
	return sarama.NewSyncProducer(brokers, cfg)
}

// AdminFactory allows overriding the cluster admin creation for testing.
var AdminFactory = func(brokers []string, cfg *sarama.Config) (TopicAdmin, error) {
	return sarama.NewClusterAdmin(brokers, cfg)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, errors.New("kafka: no brokers configured")
	}
	marshaler := NewMarshaler()

	producer, err := ProducerFactory(brokers, ProducerConfig(cfg.GetKafkaClientID()))
	if err != nil {
		return transport.Transport{}, err
	}

	admin, err := AdminFactory(brokers, adminConfig(cfg.GetKafkaClientID()))
	if err != nil {
		_ = producer.Close()
		return transport.Transport{}, err
	}

	subCfg := kafka.DefaultSaramaSubscriberConfig()
	subCfg.ClientID = cfg.GetKafkaClientID()
	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           marshaler,
			ConsumerGroup:         cfg.GetKafkaConsumerGroup(),
			OverwriteSaramaConfig: subCfg,
		},
		logger,
	)
	if err != nil {
		_ = producer.Close()
		_ = admin.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  NewPublisher(producer, marshaler),
		Subscriber: PositionSubscriber{Subscriber: subscriber},
		Declarer:   NewDeclarer(admin),
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}

// ProducerConfig returns the sarama settings used for publishing. Sends wait
// for all in-sync replicas and honour explicitly chosen partitions.
func ProducerConfig(clientID string) *sarama.Config {
	sc := kafka.DefaultSaramaSyncPublisherConfig()
	sc.ClientID = clientID
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Partitioner = NewPartitioner
	return sc
}

func adminConfig(clientID string) *sarama.Config {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_8_0_0
	sc.ClientID = clientID
	return sc
}
