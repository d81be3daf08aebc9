package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingKeyBuildsOrgServiceEventVersion(t *testing.T) {
	assert.Equal(t, "platform.workspace.created.v1", RoutingKey("platform", "workspace", "created", "v1"))
}

func TestConsumerDecodeDedupesByRunEventKindNaturalKey(t *testing.T) {
	c := NewConsumer("amqp://unused", "platform.topic", "test-queue")
	raw := []byte(`{"run_id":"run-1","event":"new","kind":"cam.cobol.program","natural_key":"APP01"}`)

	body, duplicate, err := c.decode(raw)
	require.NoError(t, err)
	assert.False(t, duplicate)
	assert.Equal(t, "run-1", body["run_id"])

	_, duplicate, err = c.decode(raw)
	require.NoError(t, err)
	assert.True(t, duplicate)
}

func TestConsumerDecodeTreatsDifferentNaturalKeyAsDistinct(t *testing.T) {
	c := NewConsumer("amqp://unused", "platform.topic", "test-queue")
	first := []byte(`{"run_id":"run-1","event":"new","kind":"k","natural_key":"A"}`)
	second := []byte(`{"run_id":"run-1","event":"new","kind":"k","natural_key":"B"}`)

	_, dup1, err := c.decode(first)
	require.NoError(t, err)
	_, dup2, err := c.decode(second)
	require.NoError(t, err)
	assert.False(t, dup1)
	assert.False(t, dup2)
}

func TestConsumerDecodeReturnsErrorOnMalformedJSON(t *testing.T) {
	c := NewConsumer("amqp://unused", "platform.topic", "test-queue")
	_, _, err := c.decode([]byte("not json"))
	assert.Error(t, err)
}
