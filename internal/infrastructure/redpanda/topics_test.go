package redpanda

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTopicConfigs(t *testing.T) {
	configs := DefaultTopicConfigs(TopicPrescriptionEvents, TopicPrescriptionCommands)
	require.Len(t, configs, 3)

	names := make([]string, 0, len(configs))
	for _, c := range configs {
		names = append(names, c.Name)
		assert.Positive(t, c.Partitions)
		require.NotNil(t, c.Configs["retention.ms"])
	}
	assert.Equal(t, []string{TopicPrescriptionEvents, TopicPrescriptionCommands, TopicDeadLetter}, names)
}
