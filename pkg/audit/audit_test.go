package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStampFillsIdentityAndTimestamps(t *testing.T) {
	evt := Event{Type: EventPromote, ModelID: "m2", RolloutRatio: 0.1, RequestedBy: "alice"}
	before := time.Now().UTC()
	stamp(&evt)

	require.NotEmpty(t, evt.ID)
	require.False(t, evt.Timestamp.IsZero())
	assert.Equal(t, evt.Timestamp.UnixMilli(), evt.Ts, "ts must be the epoch-ms view of Timestamp")
	assert.WithinDuration(t, before, evt.Timestamp, 5*time.Second)
}

func TestStampPreservesCallerValues(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	evt := Event{ID: "fixed-id", Timestamp: at}
	stamp(&evt)

	assert.Equal(t, "fixed-id", evt.ID)
	assert.Equal(t, at, evt.Timestamp)
	assert.Equal(t, at.UnixMilli(), evt.Ts)
}

func TestEventWireShape(t *testing.T) {
	evt := Event{
		Type:         EventClamp,
		ModelID:      "m2",
		PrevModelID:  "m1",
		RolloutRatio: 0,
		RequestedBy:  "slo-watchdog",
	}
	stamp(&evt)
	data, err := json.Marshal(evt)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "model.clamp", decoded["type"])
	assert.Equal(t, "m2", decoded["modelId"])
	assert.Equal(t, "m1", decoded["prevModelId"])
	assert.Contains(t, decoded, "ts")
	assert.Contains(t, decoded, "timestamp")
	// rolloutRatio is always serialized, even at zero: a clamp to zero is
	// the whole point of the event.
	assert.Contains(t, decoded, "rolloutRatio")
}

func TestChainLinksEvents(t *testing.T) {
	var c Chain
	h1 := c.Link([]byte("event-1"))
	h2 := c.Link([]byte("event-2"))
	require.NotEmpty(t, h1)
	assert.NotEqual(t, h1, h2)

	// Same inputs through a fresh chain reproduce the same anchors.
	var c2 Chain
	assert.Equal(t, h1, c2.Link([]byte("event-1")))
	assert.Equal(t, h2, c2.Link([]byte("event-2")))

	// Different history yields a different anchor for the same payload.
	var c3 Chain
	c3.Link([]byte("other-event"))
	assert.NotEqual(t, h2, c3.Link([]byte("event-2")))
}
