package callmgr

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clawd-ai/supercall/internal/carrier"
)

func newTestManager(t *testing.T) (*Manager, *carrier.Mock) {
	t.Helper()
	dir := t.TempDir()
	mock := carrier.NewMock()
	m, err := New(Config{
		FromNumber:         "+15550009999",
		MaxConcurrentCalls: 2,
		MaxDurationSeconds: 600,
		StorePath:          filepath.Join(dir, "calls.jsonl"),
		PreflightTimeout:   time.Second,
		PreflightCacheTTL:  30 * time.Second,
		StaleCallAge:       5 * time.Minute,
		WebsocketProbe:     func(ctx context.Context, wsOrigin, streamPath string) error { return nil },
	})
	require.NoError(t, err)
	m.SetRuntimeInfo(mock, "http://127.0.0.1:9/voice/webhook", "ws://127.0.0.1:9", "/voice/stream")
	return m, mock
}

func TestInitiateCallThenEventsReachCompleted(t *testing.T) {
	m, _ := newTestManager(t)
	defer m.Close()

	rec, err := m.InitiateCall(context.Background(), "+15550001111", "sess1", InitiateOptions{})
	require.NoError(t, err)
	require.Equal(t, StateInitiated, rec.State)

	var fired *CallRecord
	m.SetOnCallComplete(func(r *CallRecord) { fired = r })

	m.ProcessEvent(carrier.NormalizedEvent{EventID: "e1", CallID: rec.CallID, Type: carrier.EventRinging})
	m.ProcessEvent(carrier.NormalizedEvent{EventID: "e2", CallID: rec.CallID, Type: carrier.EventAnswered})
	got, ok := m.GetCall(rec.CallID)
	require.True(t, ok)
	require.Equal(t, StateAnswered, got.State)

	m.ProcessEvent(carrier.NormalizedEvent{EventID: "e3", CallID: rec.CallID, Type: carrier.EventEnded, Reason: "completed"})

	require.NotNil(t, fired)
	require.Equal(t, StateCompleted, fired.State)
	_, stillActive := m.GetCall(rec.CallID)
	require.False(t, stillActive)
}

func TestInitiateCallRecordsConfiguredFromNumber(t *testing.T) {
	m, _ := newTestManager(t)
	defer m.Close()

	rec, err := m.InitiateCall(context.Background(), "+15550001111", "sess1", InitiateOptions{})
	require.NoError(t, err)
	require.Equal(t, "+15550009999", rec.From)
}

func TestProcessEventIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	defer m.Close()

	rec, err := m.InitiateCall(context.Background(), "+15550001111", "sess1", InitiateOptions{})
	require.NoError(t, err)

	m.ProcessEvent(carrier.NormalizedEvent{EventID: "dup", CallID: rec.CallID, Type: carrier.EventRinging})
	before, _ := m.GetCall(rec.CallID)

	m.ProcessEvent(carrier.NormalizedEvent{EventID: "dup", CallID: rec.CallID, Type: carrier.EventAnswered})
	after, _ := m.GetCall(rec.CallID)

	require.Equal(t, before.State, after.State, "duplicate event id must leave the record unchanged")
}

func TestConcurrencyCapRejectsOverLimit(t *testing.T) {
	m, _ := newTestManager(t)
	defer m.Close()

	_, err := m.InitiateCall(context.Background(), "+15550001111", "s1", InitiateOptions{})
	require.NoError(t, err)
	_, err = m.InitiateCall(context.Background(), "+15550001112", "s2", InitiateOptions{})
	require.NoError(t, err)

	_, err = m.InitiateCall(context.Background(), "+15550001113", "s3", InitiateOptions{})
	require.Error(t, err)
}

func TestEndCallIsNoopOnTerminalCall(t *testing.T) {
	m, _ := newTestManager(t)
	defer m.Close()

	rec, err := m.InitiateCall(context.Background(), "+15550001111", "s1", InitiateOptions{})
	require.NoError(t, err)
	m.ProcessEvent(carrier.NormalizedEvent{EventID: "e1", CallID: rec.CallID, Type: carrier.EventEnded, Reason: "completed"})

	require.NoError(t, m.EndCall(context.Background(), rec.CallID))
}

func TestSetPlaybackStateProgressesThroughActiveSpeakingListening(t *testing.T) {
	m, _ := newTestManager(t)
	defer m.Close()

	rec, err := m.InitiateCall(context.Background(), "+15550001111", "s1", InitiateOptions{})
	require.NoError(t, err)
	m.ProcessEvent(carrier.NormalizedEvent{EventID: "e1", CallID: rec.CallID, Type: carrier.EventRinging})
	m.ProcessEvent(carrier.NormalizedEvent{EventID: "e2", CallID: rec.CallID, Type: carrier.EventAnswered})

	m.SetPlaybackState(rec.CallID, StateActive)
	got, _ := m.GetCall(rec.CallID)
	require.Equal(t, StateActive, got.State)

	m.SetPlaybackState(rec.CallID, StateSpeaking)
	got, _ = m.GetCall(rec.CallID)
	require.Equal(t, StateSpeaking, got.State)

	m.SetPlaybackState(rec.CallID, StateListening)
	got, _ = m.GetCall(rec.CallID)
	require.Equal(t, StateListening, got.State)
}

func TestSetPlaybackStateIgnoredAfterTerminal(t *testing.T) {
	m, _ := newTestManager(t)
	defer m.Close()

	rec, err := m.InitiateCall(context.Background(), "+15550001111", "s1", InitiateOptions{})
	require.NoError(t, err)
	m.ProcessEvent(carrier.NormalizedEvent{EventID: "e1", CallID: rec.CallID, Type: carrier.EventEnded, Reason: "completed"})

	m.SetPlaybackState(rec.CallID, StateSpeaking)
	_, stillActive := m.GetCall(rec.CallID)
	require.False(t, stillActive)
}

func TestStaleNonTerminalRecordIsRewrittenOnLoad(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "calls.jsonl")

	old := `{"callId":"stale1","direction":"outbound","state":"answered","from":"","to":"+1555","sessionKey":"s","startedAt":` +
		"1}\n"
	require.NoError(t, os.WriteFile(storePath, []byte(old), 0o644))

	m, err := New(Config{
		FromNumber:         "+15550009999",
		MaxConcurrentCalls: 2,
		MaxDurationSeconds: 600,
		StorePath:          storePath,
		PreflightTimeout:   time.Second,
		PreflightCacheTTL:  30 * time.Second,
		StaleCallAge:       5 * time.Minute,
		Now:                func() time.Time { return time.UnixMilli(1).Add(10 * time.Minute) },
	})
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.LoadFromStore())

	_, active := m.GetCall("stale1")
	require.False(t, active, "stale record must not be in the active set")

	stored, found := m.GetCallFromStore("stale1")
	require.True(t, found)
	require.Equal(t, StateError, stored.State)
}
