package carrier

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
)

// Mock is a deterministic in-memory carrier.Provider for tests: it accepts
// any webhook, mints synthetic SIDs in the same shape a Twilio simulator
// would, and never makes a network call.
type Mock struct {
	mu      sync.Mutex
	calls   map[string]string // providerCallID -> status
	counter atomic.Uint64
}

func NewMock() *Mock {
	return &Mock{calls: make(map[string]string)}
}

func (m *Mock) VerifyWebhook(r *http.Request, form url.Values) VerifyResult {
	return VerifyResult{OK: true}
}

func (m *Mock) ParseWebhookEvent(r *http.Request, form url.Values) (NormalizedEvent, ControlResponse) {
	q := r.URL.Query()
	callID := q.Get("callId")
	providerCallID := form.Get("CallSid")
	isStatus := q.Get("type") == "status"

	ev := NormalizedEvent{CallID: callID, ProviderCallID: providerCallID, IsStatusCallback: isStatus}
	status := form.Get("CallStatus")
	switch status {
	case "initiated":
		ev.Type = EventInitiated
	case "ringing":
		ev.Type = EventRinging
	case "in-progress":
		ev.Type = EventAnswered
	case "completed", "busy", "no-answer", "failed":
		ev.Type = EventEnded
		ev.Reason = status
	case "canceled":
		ev.Type = EventEnded
		ev.Reason = "hangup-bot"
	}
	ev.EventID = idempotencyKey(callID, "status", status, providerCallID)

	body := emptyDocument()
	if !isStatus {
		body = connectStreamDocument("wss://mock.test/voice/stream")
	}
	return ev, ControlResponse{StatusCode: http.StatusOK, ContentType: "text/xml; charset=utf-8", Body: body}
}

func (m *Mock) InitiateCall(ctx context.Context, params InitiateCallParams) (InitiateCallResult, error) {
	sid := newMockSID("CA", m.counter.Add(1))
	m.mu.Lock()
	m.calls[sid] = "initiated"
	m.mu.Unlock()
	return InitiateCallResult{ProviderCallID: sid}, nil
}

func (m *Mock) HangupCall(ctx context.Context, providerCallID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[providerCallID]; !ok {
		return nil // matches Twilio's "404 is success" rule
	}
	m.calls[providerCallID] = "completed"
	return nil
}

// newMockSID mirrors the fake-SID shape used by Twilio simulators: a
// recognizable prefix, a deterministic counter, and random padding to reach
// the real SID length (34 characters).
func newMockSID(prefix string, counter uint64) string {
	b := make([]byte, 7)
	_, _ = rand.Read(b)
	sid := prefix + "FAKE" + hexPad(counter, 14) + hex.EncodeToString(b)
	if len(sid) > 34 {
		sid = sid[:34]
	}
	return sid
}

func hexPad(n uint64, width int) string {
	s := hex.EncodeToString([]byte{
		byte(n >> 56), byte(n >> 48), byte(n >> 40), byte(n >> 32),
		byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n),
	})
	if len(s) > width {
		return s[len(s)-width:]
	}
	return s
}
