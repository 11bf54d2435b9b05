package carrier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/clawd-ai/supercall/internal/webhook"
)

// TwilioConfig configures the real carrier provider.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string // default https://api.twilio.com/2010-04-01
	HTTPClient *http.Client

	// PublicWSOrigin (e.g. "wss://abc.ngrok-free.app") and StreamPath
	// (e.g. "/voice/stream") are combined to build the Connect/Stream URL
	// placed into control documents. Set by the runtime once the public
	// URL is known.
	PublicWSOrigin string
	StreamPath     string

	// OverridePublicURL, if set, is used instead of proxy headers when
	// reconstructing the URL for signature verification.
	OverridePublicURL string
}

// Twilio is the real carrier.Provider implementation.
type Twilio struct {
	cfg     TwilioConfig
	baseURL string
	client  *http.Client
}

func NewTwilio(cfg TwilioConfig) *Twilio {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.twilio.com/2010-04-01"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Twilio{cfg: cfg, baseURL: baseURL, client: httpClient}
}

func (t *Twilio) VerifyWebhook(r *http.Request, form url.Values) VerifyResult {
	res := webhook.Verify(r, form, t.cfg.AuthToken, t.cfg.OverridePublicURL)
	return VerifyResult{OK: res.OK, Reason: res.Reason, URL: res.URL, NgrokFreeTier: res.NgrokFreeTier}
}

func (t *Twilio) ParseWebhookEvent(r *http.Request, form url.Values) (NormalizedEvent, ControlResponse) {
	q := r.URL.Query()
	callID := q.Get("callId")
	providerCallID := form.Get("CallSid")
	isStatus := q.Get("type") == "status"

	var ev NormalizedEvent
	ev.CallID = callID
	ev.ProviderCallID = providerCallID
	ev.IsStatusCallback = isStatus

	switch {
	case form.Get("Digits") != "":
		ev.Type = EventDTMF
		ev.Digits = form.Get("Digits")
		ev.EventID = idempotencyKey(callID, "dtmf", ev.Digits, providerCallID)
	case form.Get("SpeechResult") != "":
		ev.Type = EventSpeech
		ev.Text = form.Get("SpeechResult")
		ev.IsFinal = true
		ev.EventID = idempotencyKey(callID, "speech", ev.Text)
	default:
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
	}

	return ev, t.buildControlResponse(ev, form, isStatus)
}

func (t *Twilio) buildControlResponse(ev NormalizedEvent, form url.Values, isStatus bool) ControlResponse {
	if isStatus {
		return ControlResponse{StatusCode: http.StatusOK, ContentType: "text/xml; charset=utf-8", Body: emptyDocument()}
	}

	direction := form.Get("Direction")
	status := form.Get("CallStatus")
	shouldConnect := direction == "inbound" || status == "in-progress" ||
		strings.HasPrefix(direction, "outbound")

	if shouldConnect {
		streamURL := fmt.Sprintf("%s%s", strings.TrimRight(t.cfg.PublicWSOrigin, "/"), t.cfg.StreamPath)
		return ControlResponse{StatusCode: http.StatusOK, ContentType: "text/xml; charset=utf-8", Body: connectStreamDocument(streamURL)}
	}
	return ControlResponse{StatusCode: http.StatusOK, ContentType: "text/xml; charset=utf-8", Body: pauseDocument(30)}
}

func (t *Twilio) InitiateCall(ctx context.Context, params InitiateCallParams) (InitiateCallResult, error) {
	data := url.Values{}
	data.Set("To", params.To)
	data.Set("From", params.From)
	data.Set("Url", buildWebhookURL(params.WebhookURL, params.CallID, false))
	data.Set("StatusCallback", buildWebhookURL(params.WebhookURL, params.CallID, true))
	for _, event := range []string{"initiated", "ringing", "answered", "completed"} {
		data.Add("StatusCallbackEvent", event)
	}
	data.Set("Timeout", "30")
	data.Set("Record", "true")
	data.Set("RecordingChannels", "dual")

	var call twilioCall
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", t.baseURL, t.cfg.AccountSID)
	if err := t.post(ctx, endpoint, data, &call); err != nil {
		return InitiateCallResult{}, fmt.Errorf("twilio initiate call: %w", err)
	}
	return InitiateCallResult{ProviderCallID: call.SID}, nil
}

func (t *Twilio) HangupCall(ctx context.Context, providerCallID string) error {
	data := url.Values{}
	data.Set("Status", "completed")
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", t.baseURL, t.cfg.AccountSID, providerCallID)

	err := t.post(ctx, endpoint, data, nil)
	if apiErr, ok := err.(*twilioAPIError); ok && apiErr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

type twilioCall struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type twilioAPIError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *twilioAPIError) Error() string {
	return fmt.Sprintf("twilio error %d: %s", e.Code, e.Message)
}

func (t *Twilio) post(ctx context.Context, endpoint string, data url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr twilioAPIError
		if jsonErr := json.Unmarshal(body, &apiErr); jsonErr != nil {
			apiErr.Status = resp.StatusCode
			apiErr.Message = string(body)
		}
		if apiErr.Status == 0 {
			apiErr.Status = resp.StatusCode
		}
		return &apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decode twilio response: %w", err)
		}
	}
	return nil
}
