package events

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimessages/aimessages/internal/invoke"
)

func openTest(t *testing.T) *Recorder {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "events", "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRecordAndRecent(t *testing.T) {
	r := openTest(t)
	ctx := WithSession(context.Background(), "uid-1", "sess-1")

	r.Record(ctx, Entry{Type: TypeIncomingWebhook, Provider: "loop_message", Status: StatusReceived, HTTPType: 200, HTTPInfo: "message_inbound"})
	r.Record(ctx, Entry{Type: TypeSendMessage, Provider: "loop_message", Status: StatusCompleted})
	r.Record(context.Background(), Entry{SessionID: "other", Type: TypeDoodle})

	got, err := r.Recent(context.Background(), "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, TypeIncomingWebhook, got[0].Type)
	assert.Equal(t, "uid-1", got[0].UID)
	assert.Equal(t, "message_inbound", got[0].HTTPInfo)
	assert.Equal(t, TypeSendMessage, got[1].Type)
	assert.WithinDuration(t, time.Now(), got[1].At, time.Minute)

	last, err := r.Recent(context.Background(), "sess-1", 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, TypeSendMessage, last[0].Type)
}

func TestObserveMapsInvokeEvents(t *testing.T) {
	r := openTest(t)
	ctx := WithSession(context.Background(), "u", "s")

	r.Observe(ctx, invoke.Event{Provider: "openai", Operation: "chat_completion", Status: invoke.StatusRequested})
	r.Observe(ctx, invoke.Event{Provider: "openai", Operation: "chat_completion", Status: invoke.StatusRetrying, Attempt: 0, Code: 500, Delay: 100 * time.Millisecond})
	r.Observe(ctx, invoke.Event{Provider: "openai", Operation: "chat_completion", Status: invoke.StatusFailed, Code: 500, Err: errors.New("status 500")})

	got, err := r.Recent(ctx, "s", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, StatusRequested, got[0].Status)
	assert.Equal(t, "attempt 1, retry in 100ms", got[1].HTTPInfo)
	assert.Equal(t, 500, got[2].HTTPType)
	assert.Equal(t, "status 500", got[2].HTTPInfo)
	assert.Equal(t, "openai", got[2].Provider)
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.Record(context.Background(), Entry{Type: TypeDoodle})
	r.Observe(context.Background(), invoke.Event{})
	got, err := r.Recent(context.Background(), "s", 5)
	assert.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, r.Close())
}

func TestFromContext(t *testing.T) {
	uid, session := FromContext(context.Background())
	assert.Empty(t, uid)
	assert.Empty(t, session)

	uid, session = FromContext(WithSession(context.Background(), "a", "b"))
	assert.Equal(t, "a", uid)
	assert.Equal(t, "b", session)
}
