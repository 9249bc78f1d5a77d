package kafka

import (
	"context"
	"errors"
	"strconv"

	"github.com/IBM/sarama"

	"github.com/drblury/streamflow/transport"
)

// TopicAdmin is the part of sarama.ClusterAdmin the declarer uses.
type TopicAdmin interface {
	CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error
	Close() error
}

// Declarer creates topics with the Kafka admin API.
type Declarer struct {
	admin TopicAdmin
}

func NewDeclarer(admin TopicAdmin) *Declarer {
	return &Declarer{admin: admin}
}

// DeclareTopic creates the topic. An existing topic is left untouched, even
// when its settings differ.
func (d *Declarer) DeclareTopic(ctx context.Context, spec transport.TopicSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := d.admin.CreateTopic(spec.Name, TopicDetail(spec), false)
	if errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return nil
	}
	return err
}

func (d *Declarer) Close() error {
	return d.admin.Close()
}

// TopicDetail translates spec into sarama's topic settings. Config entries
// from spec win over the derived ones.
func TopicDetail(spec transport.TopicSpec) *sarama.TopicDetail {
	entries := map[string]*string{}
	if spec.Retention > 0 {
		entries["retention.ms"] = ptr(strconv.FormatInt(spec.Retention.Milliseconds(), 10))
	}
	switch {
	case spec.Compacting && spec.Deleting:
		entries["cleanup.policy"] = ptr("compact,delete")
	case spec.Compacting:
		entries["cleanup.policy"] = ptr("compact")
	case spec.Deleting:
		entries["cleanup.policy"] = ptr("delete")
	}
	for k, v := range spec.Config {
		entries[k] = ptr(v)
	}

	return &sarama.TopicDetail{
		NumPartitions:     max(spec.Partitions, 1),
		ReplicationFactor: max(spec.Replicas, 1),
		ConfigEntries:     entries,
	}
}

func ptr(s string) *string { return &s }
