package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilitiesHelpers(t *testing.T) {
	tests := []struct {
		name         string
		caps         Capabilities
		wantReliable bool
		wantSynth    bool
	}{
		{name: "ack and nack", caps: Capabilities{SupportsAck: true, SupportsNack: true}, wantReliable: true, wantSynth: true},
		{name: "ack only", caps: Capabilities{SupportsAck: true, SupportsOffsets: true}},
		{name: "nothing", caps: Capabilities{}, wantSynth: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantReliable, tt.caps.SupportsReliableDelivery())
			assert.Equal(t, tt.wantSynth, tt.caps.SynthesizesOffsets())
		})
	}
}

func TestPredefinedCapabilities(t *testing.T) {
	tests := []struct {
		caps        Capabilities
		name        string
		wantDeclare bool
		wantOffsets bool
	}{
		{ChannelCapabilities, "channel", true, false},
		{KafkaCapabilities, "kafka", true, true},
		{RabbitMQCapabilities, "rabbitmq", true, false},
		{NATSCapabilities, "nats", false, false},
		{JetStreamCapabilities, "jetstream", true, true},
		{AWSCapabilities, "aws", true, false},
		{SQLiteCapabilities, "sqlite", true, true},
		{PostgresCapabilities, "postgres", true, true},
		{HTTPCapabilities, "http", false, false},
		{IOCapabilities, "io", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.caps.Name)
			assert.Equal(t, tt.wantDeclare, tt.caps.SupportsDeclare)
			assert.Equal(t, tt.wantOffsets, tt.caps.SupportsOffsets)
		})
	}

	assert.True(t, KafkaCapabilities.SupportsPartitioning)
	assert.False(t, KafkaCapabilities.SupportsNack)
	assert.True(t, JetStreamCapabilities.SupportsReliableDelivery())
}
