package carrier

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func formRequest(t *testing.T, rawURL string, form url.Values) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestTwilioParseWebhookEventMapsStatuses(t *testing.T) {
	tw := NewTwilio(TwilioConfig{PublicWSOrigin: "wss://public.example.com", StreamPath: "/voice/stream"})

	cases := []struct {
		status string
		want   EventType
		reason string
	}{
		{"initiated", EventInitiated, ""},
		{"ringing", EventRinging, ""},
		{"in-progress", EventAnswered, ""},
		{"completed", EventEnded, "completed"},
		{"busy", EventEnded, "busy"},
		{"no-answer", EventEnded, "no-answer"},
		{"failed", EventEnded, "failed"},
		{"canceled", EventEnded, "hangup-bot"},
	}
	for _, tc := range cases {
		form := url.Values{"CallSid": {"CA123"}, "CallStatus": {tc.status}}
		req := formRequest(t, "/voice/webhook?callId=abc", form)
		ev, _ := tw.ParseWebhookEvent(req, form)
		if ev.Type != tc.want {
			t.Errorf("status=%q: got type %q, want %q", tc.status, ev.Type, tc.want)
		}
		if ev.Reason != tc.reason {
			t.Errorf("status=%q: got reason %q, want %q", tc.status, ev.Reason, tc.reason)
		}
	}
}

func TestTwilioParseWebhookEventSpeechAndDTMF(t *testing.T) {
	tw := NewTwilio(TwilioConfig{})

	speechForm := url.Values{"CallSid": {"CA1"}, "SpeechResult": {"hello there"}}
	ev, _ := tw.ParseWebhookEvent(formRequest(t, "/voice/webhook?callId=c1", speechForm), speechForm)
	if ev.Type != EventSpeech || !ev.IsFinal || ev.Text != "hello there" {
		t.Fatalf("unexpected speech event: %+v", ev)
	}

	dtmfForm := url.Values{"CallSid": {"CA1"}, "Digits": {"123#"}}
	ev, _ = tw.ParseWebhookEvent(formRequest(t, "/voice/webhook?callId=c1", dtmfForm), dtmfForm)
	if ev.Type != EventDTMF || ev.Digits != "123#" {
		t.Fatalf("unexpected dtmf event: %+v", ev)
	}
}

func TestTwilioStatusCallbackGetsEmptyDocument(t *testing.T) {
	tw := NewTwilio(TwilioConfig{})
	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}}
	_, resp := tw.ParseWebhookEvent(formRequest(t, "/voice/webhook?callId=c1&type=status", form), form)
	if !strings.Contains(string(resp.Body), "<Response") {
		t.Fatalf("expected a TwiML Response envelope, got %s", resp.Body)
	}
	if strings.Contains(string(resp.Body), "Connect") {
		t.Fatalf("status callback should not carry a Connect/Stream instruction")
	}
}

func TestTwilioInProgressGetsConnectStream(t *testing.T) {
	tw := NewTwilio(TwilioConfig{PublicWSOrigin: "wss://public.example.com", StreamPath: "/voice/stream"})
	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"in-progress"}}
	_, resp := tw.ParseWebhookEvent(formRequest(t, "/voice/webhook?callId=c1", form), form)
	if !strings.Contains(string(resp.Body), "wss://public.example.com/voice/stream") {
		t.Fatalf("expected stream URL in control document, got %s", resp.Body)
	}
}

func TestIdempotencyKeyIsStableForIdenticalEvents(t *testing.T) {
	a := idempotencyKey("call1", "status", "ringing", "CA1")
	b := idempotencyKey("call1", "status", "ringing", "CA1")
	if a != b {
		t.Fatalf("idempotencyKey not stable: %q vs %q", a, b)
	}
	c := idempotencyKey("call1", "status", "answered", "CA1")
	if a == c {
		t.Fatalf("idempotencyKey collided across distinct events")
	}
}

func TestMockInitiateThenHangup(t *testing.T) {
	m := NewMock()
	res, err := m.InitiateCall(nil, InitiateCallParams{CallID: "c1", From: "+15550001111", To: "+15550002222"})
	if err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	if res.ProviderCallID == "" {
		t.Fatalf("expected a provider call id")
	}
	if err := m.HangupCall(nil, res.ProviderCallID); err != nil {
		t.Fatalf("HangupCall: %v", err)
	}
	// Hanging up an unknown SID is a no-op success, matching Twilio's
	// "404 is success" rule.
	if err := m.HangupCall(nil, "CAUNKNOWN"); err != nil {
		t.Fatalf("HangupCall on unknown sid should succeed: %v", err)
	}
}
