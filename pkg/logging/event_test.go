package logging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_JSONFieldNames(t *testing.T) {
	event := &Event{
		Timestamp: time.Date(2026, 2, 23, 14, 30, 0, 123000000, time.UTC),
		ServerID:  "srv-9f8e7d6c",
		EventType: EventSessionOpen,
		Summary:   "session opened",
	}
	b, err := json.Marshal(event)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))

	assert.Contains(t, m, "ts")
	assert.Contains(t, m, "server_id")
	assert.Contains(t, m, "event_type")
	assert.Contains(t, m, "summary")
	// Omitempty fields absent
	assert.NotContains(t, m, "peer")
	assert.NotContains(t, m, "tags")
	assert.NotContains(t, m, "data")
}

func TestEvent_OmitemptyPresent(t *testing.T) {
	event := &Event{
		Timestamp: time.Now().UTC(),
		ServerID:  "test",
		EventType: EventACLDecision,
		Summary:   "test",
		Peer:      "10.1.1.1:5555",
		Tags:      []string{"acl"},
		Data:      json.RawMessage(`{"allowed":false}`),
	}
	b, err := json.Marshal(event)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))

	assert.Contains(t, m, "peer")
	assert.Contains(t, m, "tags")
	assert.Contains(t, m, "data")
}

func TestEvent_TimestampFormat(t *testing.T) {
	ts := time.Date(2026, 2, 23, 14, 30, 0, 123456789, time.UTC)
	event := &Event{Timestamp: ts, ServerID: "r", EventType: "t", Summary: "s"}

	b, err := json.Marshal(event)
	require.NoError(t, err)

	// Verify RFC 3339 with sub-second precision
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))
	tsStr := m["ts"].(string)
	parsed, err := time.Parse(time.RFC3339Nano, tsStr)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(ts))
}

func TestACLDecisionData_AllowedNotOmitted(t *testing.T) {
	data := &ACLDecisionData{Allowed: false}
	b, err := json.Marshal(data)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Contains(t, m, "allowed", "allowed field must be present even when false")
	assert.Equal(t, false, m["allowed"])
}

func TestMirrorPassDoneData_Fields(t *testing.T) {
	data := &MirrorPassDoneData{Pass: 3, WrittenBytes: 1 << 20, Final: false, Promoted: true}
	b, err := json.Marshal(data)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, float64(3), m["pass"])
	assert.Equal(t, true, m["promoted"])
}

func TestEventTypeConstants(t *testing.T) {
	assert.Equal(t, "session_open", EventSessionOpen)
	assert.Equal(t, "session_close", EventSessionClose)
	assert.Equal(t, "acl_decision", EventACLDecision)
	assert.Equal(t, "mirror_finished", EventMirrorFinished)
}
