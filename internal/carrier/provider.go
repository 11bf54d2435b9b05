// Package carrier adapts the orchestrator to a telephony carrier's REST
// control plane and webhook surface. It has two implementations: twilio
// (the real carrier) and mock (a deterministic in-memory double used by
// tests, grounded on a Twilio simulator's SID/status conventions).
package carrier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
)

// EventType enumerates the normalized events ParseWebhookEvent can produce.
type EventType string

const (
	EventInitiated EventType = "call.initiated"
	EventRinging   EventType = "call.ringing"
	EventAnswered  EventType = "call.answered"
	EventEnded     EventType = "call.ended"
	EventSpeech    EventType = "call.speech"
	EventDTMF      EventType = "call.dtmf"
)

// NormalizedEvent is the carrier-agnostic shape the call manager consumes.
type NormalizedEvent struct {
	EventID        string
	Type           EventType
	CallID         string // from the callId query parameter, if present
	ProviderCallID string // CallSid
	Reason         string // set for EventEnded
	Text           string // set for EventSpeech
	IsFinal        bool
	Digits         string // set for EventDTMF
	IsStatusCallback bool
}

// ControlResponse is the HTTP response the webhook parser wants the front
// door to send back to the carrier in reply to a webhook.
type ControlResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// InitiateCallParams describes a REST call-create request.
type InitiateCallParams struct {
	CallID     string
	From       string
	To         string
	WebhookURL string
}

// InitiateCallResult carries the carrier-minted call identifier.
type InitiateCallResult struct {
	ProviderCallID string
}

// Provider is the narrow contract the call manager and front door depend on.
// Carrier-specific transport detail (REST auth, webhook signing, control
// document shape) is entirely behind this interface.
type Provider interface {
	// VerifyWebhook checks the signature of an inbound webhook request.
	VerifyWebhook(r *http.Request, form url.Values) VerifyResult
	// ParseWebhookEvent maps an already-verified webhook into a
	// NormalizedEvent plus the control document to answer it with.
	ParseWebhookEvent(r *http.Request, form url.Values) (NormalizedEvent, ControlResponse)
	// InitiateCall places an outbound call via the carrier's REST API.
	InitiateCall(ctx context.Context, params InitiateCallParams) (InitiateCallResult, error)
	// HangupCall ends a call via the carrier's REST API. A 404 (the call
	// already ended on the carrier's side) is treated as success.
	HangupCall(ctx context.Context, providerCallID string) error
}

// VerifyResult mirrors webhook.Result without creating an import cycle
// between carrier implementations and the webhook package's HTTP-specific
// request type — carrier.Provider implementations translate into this.
type VerifyResult struct {
	OK            bool
	Reason        string
	URL           string
	NgrokFreeTier bool
}

// idempotencyKey derives a stable per-delivery id from fields that changing
// only when the underlying event changes, so that a carrier's network retry
// of the identical webhook body collapses to the same key.
func idempotencyKey(callID string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(callID))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:24]
}

func buildWebhookURL(base, callID string, statusCallback bool) string {
	u := base + "?callId=" + url.QueryEscape(callID)
	if statusCallback {
		u += "&type=status"
	}
	return u
}
