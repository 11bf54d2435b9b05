// Package callmgr owns the call state machine: the active-call map, the
// reverse provider-id index, journal persistence, concurrency limits,
// per-call timers, reachability preflight, and the exactly-once completion
// callback. It is the only component that mutates a CallRecord.
package callmgr

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/clawd-ai/supercall/internal/callstore"
	"github.com/clawd-ai/supercall/internal/carrier"
	"github.com/clawd-ai/supercall/internal/core"
)

// Sink receives a finalized CallRecord on its terminal transition. Used
// both for the single required completion callback and for any optional
// reporting hooks (mirror, archive, billing), which are invoked
// fire-and-forget alongside it.
type Sink func(rec *CallRecord)

// InitiateOptions carries the caller-supplied extras for a new call.
type InitiateOptions struct {
	Message  string
	Metadata map[string]string
}

// Config wires a Manager to its collaborators. Provider, WebhookURL and
// PublicWSOrigin may be supplied after construction via SetRuntimeInfo,
// since the manager is constructed before the runtime has finished
// discovering its own public URL.
type Config struct {
	Logger             *slog.Logger
	FromNumber         string
	MaxConcurrentCalls int
	MaxDurationSeconds int
	StorePath          string
	Now                func() time.Time

	PreflightTimeout  time.Duration
	PreflightCacheTTL time.Duration
	StaleCallAge      time.Duration

	HTTPClient *http.Client

	// WebsocketProbe overrides the real "dial and close" media-stream probe.
	// Nil uses the real gorilla/websocket dialer; tests inject a stub so
	// preflight doesn't require a live listener.
	WebsocketProbe func(ctx context.Context, wsOrigin, streamPath string) error

	// RedisClient, if set, mirrors the preflight success cache so that a
	// clustered front door (more than one process behind the same public
	// URL) shares it instead of every process re-probing independently.
	RedisClient *redis.Client
}

// Manager is the single owner of call state. All of its exported methods
// are safe for concurrent use.
type Manager struct {
	cfg Config
	now func() time.Time

	mu                sync.Mutex
	active            map[string]*CallRecord
	providerIndex     map[string]string // providerCallID -> callID
	timers            map[string]*time.Timer
	preflightOK       bool
	preflightCheckedAt time.Time

	provider       carrier.Provider
	webhookURL     string
	publicWSOrigin string
	streamPath     string
	bootSecret     string

	journal *callstore.Journal

	onComplete Sink
	reportSinks []Sink

	httpClient *http.Client
}

func New(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.PreflightTimeout}
	}

	journal, err := callstore.Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open call store: %w", err)
	}

	secret, err := randomHex(24)
	if err != nil {
		return nil, fmt.Errorf("generate boot secret: %w", err)
	}

	m := &Manager{
		cfg:           cfg,
		now:           cfg.Now,
		active:        make(map[string]*CallRecord),
		providerIndex: make(map[string]string),
		timers:        make(map[string]*time.Timer),
		journal:       journal,
		bootSecret:    secret,
		httpClient:    cfg.HTTPClient,
	}
	return m, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// BootSecret is the process-local self-test header value; never persisted.
func (m *Manager) BootSecret() string { return m.bootSecret }

// SetRuntimeInfo finalizes the manager with the carrier provider and the
// public URL, once the runtime has finished tunnel/publicUrl discovery.
func (m *Manager) SetRuntimeInfo(provider carrier.Provider, webhookURL, publicWSOrigin, streamPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provider = provider
	m.webhookURL = webhookURL
	m.publicWSOrigin = publicWSOrigin
	m.streamPath = streamPath
}

func (m *Manager) SetOnCallComplete(sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onComplete = sink
}

// AddReportSink registers an additional fire-and-forget sink run alongside
// the completion callback on every terminal transition (mirror, archive,
// metering). Sinks never block the state machine and their errors are the
// sink's own responsibility to log.
func (m *Manager) AddReportSink(sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reportSinks = append(m.reportSinks, sink)
}

// LoadFromStore replays the journal: the last line per callID wins; terminal
// records are skipped; non-terminal records older than StaleCallAge are
// rewritten as StateError; younger ones are reloaded into the active map.
func (m *Manager) LoadFromStore() error {
	type pending struct {
		rec   *CallRecord
		stale bool
	}
	var toReload []*CallRecord
	var toStale []*CallRecord

	err := callstore.ReplayLastPerCallID(m.cfg.StorePath, journalKeyOf, func(callID string, line []byte) {
		rec, ok := decodeRecord(line)
		if !ok || rec.State.IsTerminal() {
			return
		}
		age := m.now().Sub(time.UnixMilli(rec.StartedAt))
		if age > m.cfg.StaleCallAge {
			toStale = append(toStale, rec)
		} else {
			toReload = append(toReload, rec)
		}
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	for _, rec := range toReload {
		m.active[rec.CallID] = rec
		if rec.ProviderCallID != "" {
			m.providerIndex[rec.ProviderCallID] = rec.CallID
		}
	}
	m.mu.Unlock()

	for _, rec := range toStale {
		rec.State = StateError
		rec.EndedAt = m.now().UnixMilli()
		rec.EndReason = "stale-on-restart"
		if err := m.journal.Append(rec); err != nil {
			m.cfg.Logger.Warn("failed to persist stale cleanup", "callId", rec.CallID, "error", err)
		}
	}
	return nil
}

// InitiateCall is the entry point for placing an outbound call. It runs the
// reachability preflight, enforces the concurrency cap, mints a callID,
// persists the initiated record, then asks the carrier to place the call.
func (m *Manager) InitiateCall(ctx context.Context, to, sessionKey string, opts InitiateOptions) (*CallRecord, error) {
	m.mu.Lock()
	provider := m.provider
	webhookURL := m.webhookURL
	fromConfigured := provider != nil
	m.mu.Unlock()

	if !fromConfigured {
		return nil, core.NewInvalidRequestError("carrier provider is not initialized")
	}
	if webhookURL == "" {
		return nil, core.NewInvalidRequestError("webhook url is not configured")
	}

	if err := m.runPreflight(ctx); err != nil {
		return nil, fmt.Errorf("preflight failed: %w", err)
	}

	m.mu.Lock()
	if m.countNonTerminalLocked() >= m.cfg.MaxConcurrentCalls {
		m.mu.Unlock()
		return nil, core.NewRateLimitError("max concurrent calls reached", 30)
	}
	m.mu.Unlock()

	callID := uuid.NewString()
	rec := newCallRecord(callID, m.cfg.FromNumber, to, sessionKey, m.now())
	if opts.Message != "" {
		rec.Metadata["initialMessage"] = opts.Message
	}
	for k, v := range opts.Metadata {
		rec.Metadata[k] = v
	}

	m.mu.Lock()
	m.active[callID] = rec
	m.mu.Unlock()
	if err := m.journal.Append(rec); err != nil {
		m.cfg.Logger.Warn("failed to persist initiated record", "callId", callID, "error", err)
	}

	result, err := provider.InitiateCall(ctx, carrier.InitiateCallParams{
		CallID:     callID,
		From:       m.cfg.FromNumber,
		To:         to,
		WebhookURL: webhookURL,
	})
	if err != nil {
		m.mu.Lock()
		rec = m.active[callID]
		if rec != nil {
			rec.State = StateFailed
			rec.EndedAt = m.now().UnixMilli()
			rec.EndReason = "rest-create-failed"
			delete(m.active, callID)
		}
		m.mu.Unlock()
		if rec != nil {
			_ = m.journal.Append(rec)
		}
		return nil, fmt.Errorf("place call: %w", err)
	}

	m.mu.Lock()
	rec = m.active[callID]
	if rec != nil {
		rec.ProviderCallID = result.ProviderCallID
		m.providerIndex[result.ProviderCallID] = callID
	}
	m.mu.Unlock()
	if rec != nil {
		_ = m.journal.Append(rec)
	}
	return rec.clone(), nil
}

func (m *Manager) countNonTerminalLocked() int {
	n := 0
	for _, rec := range m.active {
		if !rec.State.IsTerminal() {
			n++
		}
	}
	return n
}

// EndCall implements the end_call operation: a no-op on an already-terminal
// call, otherwise it hangs up via the carrier, marks hangup-bot, and fires
// completion.
func (m *Manager) EndCall(ctx context.Context, callID string) error {
	m.mu.Lock()
	rec := m.active[callID]
	provider := m.provider
	m.mu.Unlock()

	if rec == nil {
		// Terminal calls are evicted from the active map; ending one again
		// is still a no-op rather than a not-found.
		if stored, ok := m.GetCallFromStore(callID); ok && stored.State.IsTerminal() {
			return nil
		}
		return core.NewNotFoundError("call")
	}
	if rec.State.IsTerminal() {
		return nil
	}

	if provider != nil && rec.ProviderCallID != "" {
		if err := provider.HangupCall(ctx, rec.ProviderCallID); err != nil {
			m.cfg.Logger.Warn("hangup call failed", "callId", callID, "error", err)
		}
	}

	m.finishCall(callID, StateHangupBot, "hangup-bot")
	return nil
}

// ProcessEvent applies one normalized carrier event to the record it
// targets, idempotently. Unknown or out-of-order events are dropped
// silently per the admission rule.
func (m *Manager) ProcessEvent(ev carrier.NormalizedEvent) {
	m.mu.Lock()
	callID := ev.CallID
	if callID == "" {
		callID = m.providerIndex[ev.ProviderCallID]
	}
	rec := m.active[callID]
	if rec == nil {
		m.mu.Unlock()
		return
	}
	if ev.EventID != "" {
		if rec.ProcessedEventIDs[ev.EventID] {
			m.mu.Unlock()
			return
		}
		rec.ProcessedEventIDs[ev.EventID] = true
	}
	if ev.ProviderCallID != "" && rec.ProviderCallID != ev.ProviderCallID {
		delete(m.providerIndex, rec.ProviderCallID)
		rec.ProviderCallID = ev.ProviderCallID
		m.providerIndex[ev.ProviderCallID] = callID
	}

	target, terminal, reason := targetState(ev)
	admitted := target != "" && CanTransition(rec.State, target)
	if admitted {
		rec.State = target
		if target == StateAnswered && rec.AnsweredAt == 0 {
			rec.AnsweredAt = m.now().UnixMilli()
		}
		if terminal {
			rec.EndedAt = m.now().UnixMilli()
			rec.EndReason = reason
		}
	}
	shouldStartTimer := admitted && target == StateAnswered
	m.mu.Unlock()

	if !admitted {
		return
	}
	_ = m.journal.Append(rec)

	if shouldStartTimer {
		m.startMaxDurationTimer(callID)
	}
	if terminal {
		m.finishCall(callID, target, reason)
	}
}

func targetState(ev carrier.NormalizedEvent) (target State, terminal bool, reason string) {
	switch ev.Type {
	case carrier.EventInitiated:
		return StateInitiated, false, ""
	case carrier.EventRinging:
		return StateRinging, false, ""
	case carrier.EventAnswered:
		return StateAnswered, false, ""
	case carrier.EventEnded:
		switch ev.Reason {
		case "busy":
			return StateBusy, true, ev.Reason
		case "no-answer":
			return StateNoAnswer, true, ev.Reason
		case "failed":
			return StateFailed, true, ev.Reason
		case "hangup-bot":
			return StateHangupBot, true, ev.Reason
		default:
			return StateCompleted, true, "completed"
		}
	}
	return "", false, ""
}

// SetPlaybackState records the in-progress active/speaking/listening
// position the audio bridge observes from the model session's own events,
// so get_status can see where a live conversation actually is instead of
// the call sitting at "answered" for its entire duration. A transition the
// state machine doesn't admit (e.g. the call already reached a terminal
// state) is silently ignored, the same way ProcessEvent ignores one.
func (m *Manager) SetPlaybackState(callID string, state State) {
	m.mu.Lock()
	rec := m.active[callID]
	if rec == nil || rec.State == state || !CanTransition(rec.State, state) {
		m.mu.Unlock()
		return
	}
	rec.State = state
	m.mu.Unlock()
	_ = m.journal.Append(rec)
}

// AddTranscript appends one transcript entry and persists the record.
func (m *Manager) AddTranscript(callID string, speaker Speaker, text string) {
	m.mu.Lock()
	rec := m.active[callID]
	if rec == nil {
		m.mu.Unlock()
		return
	}
	rec.Transcript = append(rec.Transcript, TranscriptEntry{
		Timestamp: m.now().UnixMilli(),
		Speaker:   speaker,
		Text:      text,
		IsFinal:   true,
	})
	m.mu.Unlock()
	_ = m.journal.Append(rec)
}

func (m *Manager) startMaxDurationTimer(callID string) {
	d := time.Duration(m.cfg.MaxDurationSeconds) * time.Second
	timer := time.AfterFunc(d, func() {
		m.mu.Lock()
		rec := m.active[callID]
		provider := m.provider
		m.mu.Unlock()
		if rec == nil || rec.State.IsTerminal() {
			return
		}
		if provider != nil && rec.ProviderCallID != "" {
			_ = provider.HangupCall(context.Background(), rec.ProviderCallID)
		}
		m.finishCall(callID, StateTimeout, "timeout")
	})

	m.mu.Lock()
	if old := m.timers[callID]; old != nil {
		old.Stop()
	}
	m.timers[callID] = timer
	m.mu.Unlock()
}

// finishCall performs the one-time terminal transition bookkeeping: stop
// the max-duration timer, evict from the active map, fire the completion
// callback and the report sinks exactly once.
func (m *Manager) finishCall(callID string, state State, reason string) {
	m.mu.Lock()
	rec := m.active[callID]
	if rec == nil {
		m.mu.Unlock()
		return
	}
	if !rec.State.IsTerminal() {
		rec.State = state
		rec.EndedAt = m.now().UnixMilli()
		rec.EndReason = reason
	}
	if timer := m.timers[callID]; timer != nil {
		timer.Stop()
		delete(m.timers, callID)
	}
	delete(m.active, callID)
	if rec.ProviderCallID != "" {
		delete(m.providerIndex, rec.ProviderCallID)
	}
	onComplete := m.onComplete
	sinks := append([]Sink(nil), m.reportSinks...)
	m.mu.Unlock()

	_ = m.journal.Append(rec)

	snapshot := rec.clone()
	if onComplete != nil {
		onComplete(snapshot)
	}
	for _, sink := range sinks {
		go sink(snapshot)
	}
}

func (m *Manager) GetCall(callID string) (*CallRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.active[callID]
	if rec == nil {
		return nil, false
	}
	return rec.clone(), true
}

func (m *Manager) GetCallByProviderCallID(providerCallID string) (*CallRecord, bool) {
	m.mu.Lock()
	callID, ok := m.providerIndex[providerCallID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return m.GetCall(callID)
}

func (m *Manager) GetActiveCalls() []*CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*CallRecord, 0, len(m.active))
	for _, rec := range m.active {
		out = append(out, rec.clone())
	}
	return out
}

// GetCallFromStore scans the journal for a call no longer active, returning
// its last known snapshot.
func (m *Manager) GetCallFromStore(callID string) (*CallRecord, bool) {
	var found *CallRecord
	_ = callstore.ReplayLastPerCallID(m.cfg.StorePath, journalKeyOf, func(id string, line []byte) {
		if id != callID {
			return
		}
		if rec, ok := decodeRecord(line); ok {
			found = rec
		}
	})
	if found == nil {
		return nil, false
	}
	return found, true
}

// GetPersonaPrompt returns the composed persona prompt and initial greeting
// stored in a call's metadata. This is the narrow capability handle the
// audio bridge is given instead of the manager itself.
func (m *Manager) GetPersonaPrompt(providerCallID string) (prompt string, greeting string, callID string, ok bool) {
	rec, found := m.GetCallByProviderCallID(providerCallID)
	if !found {
		return "", "", "", false
	}
	return rec.Metadata["personaPrompt"], rec.Metadata["initialMessage"], rec.CallID, true
}

// runPreflight performs the HTTP self-test and websocket probe, caching a
// success for PreflightCacheTTL.
func (m *Manager) runPreflight(ctx context.Context) error {
	m.mu.Lock()
	if m.preflightOK && m.now().Sub(m.preflightCheckedAt) < m.cfg.PreflightCacheTTL {
		m.mu.Unlock()
		return nil
	}
	webhookURL := m.webhookURL
	wsOrigin := m.publicWSOrigin
	streamPath := m.streamPath
	secret := m.bootSecret
	m.mu.Unlock()

	if m.redisPreflightOK(ctx, webhookURL) {
		m.mu.Lock()
		m.preflightOK = true
		m.preflightCheckedAt = m.now()
		m.mu.Unlock()
		return nil
	}

	if !isLoopbackURL(webhookURL) {
		if err := m.httpSelfTest(ctx, webhookURL, secret); err != nil {
			return err
		}
	}
	if err := m.websocketProbe(ctx, wsOrigin, streamPath); err != nil {
		return err
	}

	m.mu.Lock()
	m.preflightOK = true
	m.preflightCheckedAt = m.now()
	m.mu.Unlock()
	m.setRedisPreflightOK(ctx, webhookURL)
	return nil
}

// redisPreflightCacheKey is scoped by webhook URL so that distinct
// deployments sharing one Redis instance never cross-pollinate their
// reachability verdicts.
func redisPreflightCacheKey(webhookURL string) string {
	return "supercall:preflight_ok:" + webhookURL
}

func (m *Manager) redisPreflightOK(ctx context.Context, webhookURL string) bool {
	if m.cfg.RedisClient == nil {
		return false
	}
	n, err := m.cfg.RedisClient.Exists(ctx, redisPreflightCacheKey(webhookURL)).Result()
	if err != nil {
		m.cfg.Logger.Warn("redis preflight cache lookup failed", "error", err)
		return false
	}
	return n > 0
}

func (m *Manager) setRedisPreflightOK(ctx context.Context, webhookURL string) {
	if m.cfg.RedisClient == nil {
		return
	}
	if err := m.cfg.RedisClient.Set(ctx, redisPreflightCacheKey(webhookURL), "1", m.cfg.PreflightCacheTTL).Err(); err != nil {
		m.cfg.Logger.Warn("redis preflight cache write failed", "error", err)
	}
}

func (m *Manager) httpSelfTest(ctx context.Context, webhookURL, secret string) error {
	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.PreflightTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, webhookURL, nil)
	if err != nil {
		return fmt.Errorf("build self-test request: %w", err)
	}
	req.Header.Set("x-supercall-self-test", secret)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("self-test request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("self-test returned status %d", resp.StatusCode)
	}
	return nil
}

func (m *Manager) websocketProbe(ctx context.Context, wsOrigin, streamPath string) error {
	if m.cfg.WebsocketProbe != nil {
		return m.cfg.WebsocketProbe(ctx, wsOrigin, streamPath)
	}
	if wsOrigin == "" {
		return fmt.Errorf("public websocket origin is not configured")
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.PreflightTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.PreflightTimeout}
	conn, _, err := dialer.DialContext(probeCtx, wsOrigin+streamPath, nil)
	if err != nil {
		return fmt.Errorf("websocket probe failed: %w", err)
	}
	return conn.Close()
}

func (m *Manager) Close() error {
	return m.journal.Close()
}
