package frontdoor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clawd-ai/supercall/internal/authn"
	"github.com/clawd-ai/supercall/internal/bridge"
	"github.com/clawd-ai/supercall/internal/callmgr"
	"github.com/clawd-ai/supercall/internal/carrier"
)

func newTestFrontDoor(t *testing.T) (*FrontDoor, *callmgr.Manager) {
	t.Helper()
	mgr, err := callmgr.New(callmgr.Config{
		FromNumber:         "+15550000000",
		MaxConcurrentCalls: 5,
		StorePath:          t.TempDir() + "/calls.jsonl",
		PreflightTimeout:   time.Second,
		PreflightCacheTTL:  time.Minute,
		WebsocketProbe:     func(ctx context.Context, wsOrigin, streamPath string) error { return nil },
	})
	require.NoError(t, err)
	mgr.SetRuntimeInfo(carrier.NewMock(), "http://127.0.0.1:0/voice/webhook", "ws://127.0.0.1:0", "/voice/stream")

	fd := New(Deps{
		Provider:    carrier.NewMock(),
		Manager:     mgr,
		Bridge:      bridge.New(bridge.Deps{}),
		Authn:       authn.Static{Token: "s3cret"},
		BootSecret:  mgr.BootSecret(),
		WebhookPath: "/voice/webhook",
		StreamPath:  "/voice/stream",
	})
	return fd, mgr
}

func TestWebhookSelfTestBypassesSignatureCheck(t *testing.T) {
	fd, mgr := newTestFrontDoor(t)
	srv := httptest.NewServer(fd.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/voice/webhook", strings.NewReader(""))
	req.Header.Set("x-supercall-self-test", mgr.BootSecret())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebhookRejectsUnsignedRequest(t *testing.T) {
	// Real carrier provider (not the always-OK mock) would reject this; the
	// mock used by most tests always verifies OK, so this test wires a
	// provider stub that rejects to exercise the 401 path explicitly.
	fd, mgr := newTestFrontDoor(t)
	fd.deps.Provider = rejectingProvider{}
	_ = mgr
	srv := httptest.NewServer(fd.Handler())
	defer srv.Close()

	form := url.Values{"CallStatus": {"initiated"}}
	resp, err := http.Post(srv.URL+"/voice/webhook", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

type rejectingProvider struct{}

func (rejectingProvider) VerifyWebhook(r *http.Request, form url.Values) carrier.VerifyResult {
	return carrier.VerifyResult{OK: false, Reason: "signature mismatch"}
}
func (rejectingProvider) ParseWebhookEvent(r *http.Request, form url.Values) (carrier.NormalizedEvent, carrier.ControlResponse) {
	return carrier.NormalizedEvent{}, carrier.ControlResponse{}
}
func (rejectingProvider) InitiateCall(ctx context.Context, params carrier.InitiateCallParams) (carrier.InitiateCallResult, error) {
	return carrier.InitiateCallResult{}, nil
}
func (rejectingProvider) HangupCall(ctx context.Context, providerCallID string) error { return nil }

func TestControlAPIRejectsMissingBearer(t *testing.T) {
	fd, _ := newTestFrontDoor(t)
	srv := httptest.NewServer(fd.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/control/list_calls", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPersonaCallThenGetStatusRoundTrip(t *testing.T) {
	fd, _ := newTestFrontDoor(t)
	srv := httptest.NewServer(fd.Handler())
	defer srv.Close()

	body, _ := json.Marshal(personaCallRequest{
		To: "+15551234567", Persona: "Alex", Goal: "confirm appointment",
		OpeningLine: "Hi, this is Alex calling to confirm your appointment.", SessionKey: "sess-1",
	})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/control/persona_call", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var created callResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.CallID)

	statusBody, _ := json.Marshal(callIDRequest{CallID: created.CallID})
	req2, _ := http.NewRequest(http.MethodPost, srv.URL+"/control/get_status", bytes.NewReader(statusBody))
	req2.Header.Set("Authorization", "Bearer s3cret")
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var status statusPayload
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&status))
	require.Equal(t, created.CallID, status.CallID)
	require.Equal(t, "Alex", status.Persona)
}

func TestPersonaCallRejectsMissingFields(t *testing.T) {
	fd, _ := newTestFrontDoor(t)
	srv := httptest.NewServer(fd.Handler())
	defer srv.Close()

	body, _ := json.Marshal(personaCallRequest{To: "+15551234567"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/control/persona_call", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
