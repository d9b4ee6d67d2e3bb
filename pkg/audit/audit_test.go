package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	ctx := WithActor(context.Background(), "user-1", "chat-1")
	l.Record(ctx, EventMutation, "action.approve", "flush-dns-macos",
		map[string]any{"approval_id": "approval-1"})

	line := strings.TrimSpace(buf.String())
	require.NotEmpty(t, line)

	var e Event
	require.NoError(t, json.Unmarshal([]byte(line), &e))
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "user-1", e.ActorID)
	assert.Equal(t, "chat-1", e.ChatID)
	assert.Equal(t, EventMutation, e.Type)
	assert.Equal(t, "action.approve", e.Action)
	assert.Equal(t, "flush-dns-macos", e.Resource)
	assert.Equal(t, "approval-1", e.Metadata["approval_id"])
	assert.False(t, e.Timestamp.IsZero())
}

func TestRecordWithoutActor(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	l.Record(context.Background(), EventSystem, "action.timed_out", "toggle-wifi-macos", nil)

	var e Event
	require.NoError(t, json.Unmarshal(buf.Bytes(), &e))
	assert.Empty(t, e.ActorID)
	assert.Equal(t, EventSystem, e.Type)
}

func TestMultipleRecordsOnePerLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	ctx := context.Background()
	l.Record(ctx, EventAccess, "action.list", "catalog", nil)
	l.Record(ctx, EventAccess, "action.preview", "restart-finder", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var e Event
		assert.NoError(t, json.Unmarshal([]byte(line), &e))
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	Nop().Record(context.Background(), EventAuth, "token.denied", "report", nil)
}
