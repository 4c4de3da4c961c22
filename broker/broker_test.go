package broker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsUniqueSessionIDs(t *testing.T) {
	a := New("ws://example.invalid/rcc")
	b := New("ws://example.invalid/rcc")
	assert.NotEqual(t, a.id, b.id)
}

func TestPublishAfterDisconnectFails(t *testing.T) {
	s := New("ws://example.invalid/rcc")
	require.NoError(t, s.Disconnect())

	err := s.Publish("device/dev-1/ping", map[string]string{"ok": "true"}, 0, false)
	assert.Error(t, err)
}

func TestSubscribeAccumulatesHandlersPerTopic(t *testing.T) {
	s := New("ws://example.invalid/rcc")
	calls := 0
	s.Subscribe("device/dev-1/command", func(topic string, payload json.RawMessage) { calls++ })
	s.Subscribe("device/dev-1/command", func(topic string, payload json.RawMessage) { calls++ })

	s.mu.Lock()
	n := len(s.subs["device/dev-1/command"])
	s.mu.Unlock()
	assert.Equal(t, 2, n)
}
