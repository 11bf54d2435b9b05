package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/clawd-ai/supercall/internal/archive"
	"github.com/clawd-ai/supercall/internal/authn"
	"github.com/clawd-ai/supercall/internal/billing"
	"github.com/clawd-ai/supercall/internal/bridge"
	"github.com/clawd-ai/supercall/internal/callmgr"
	"github.com/clawd-ai/supercall/internal/carrier"
	"github.com/clawd-ai/supercall/internal/config"
	"github.com/clawd-ai/supercall/internal/frontdoor"
	"github.com/clawd-ai/supercall/internal/mirror"
	"github.com/clawd-ai/supercall/internal/model"
	"github.com/clawd-ai/supercall/internal/model/gemini"
	"github.com/clawd-ai/supercall/internal/tunnel"
	"github.com/clawd-ai/supercall/internal/wake"
)

// runtimeDeps are every external collaborator runMain touches, injected so
// the boot sequence and shutdown ordering can be exercised without a real
// network, carrier account, or signal.
type runtimeDeps struct {
	loadConfig   func() (config.Config, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRuntimeDeps() runtimeDeps {
	return runtimeDeps{
		loadConfig: config.LoadFromEnv,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRuntimeDeps()))
}

func runMain(ctx context.Context, stderr io.Writer, deps runtimeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := run(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "supercall: %v\n", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger, deps runtimeDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	publicURL, err := tunnel.Discover(ctx, cfg.PublicURL, tunnel.Provider(cfg.Tunnel), addrPort(cfg.Addr))
	if err != nil {
		return fmt.Errorf("discover public url: %w", err)
	}
	wsOrigin := httpToWSOrigin(publicURL)

	provider, err := buildCarrier(cfg, wsOrigin)
	if err != nil {
		return fmt.Errorf("build carrier: %w", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer func() { _ = redisClient.Close() }()
	}

	mgr, err := callmgr.New(callmgr.Config{
		Logger:             logger,
		FromNumber:         cfg.FromNumber,
		MaxConcurrentCalls: cfg.MaxConcurrentCalls,
		MaxDurationSeconds: cfg.MaxDurationSeconds,
		StorePath:          cfg.StorePath,
		PreflightTimeout:   cfg.PreflightTimeout,
		PreflightCacheTTL:  cfg.PreflightCacheTTL,
		StaleCallAge:       cfg.StaleCallAge,
		RedisClient:        redisClient,
	})
	if err != nil {
		return fmt.Errorf("create call manager: %w", err)
	}
	defer func() { _ = mgr.Close() }()

	if err := mgr.LoadFromStore(); err != nil {
		return fmt.Errorf("load call store: %w", err)
	}

	for _, sink := range optionalReportSinks(ctx, logger, cfg) {
		mgr.AddReportSink(sink)
	}

	notifier := wake.New(wake.Config{Logger: logger, Port: cfg.WakeHookPort, Token: cfg.WakeHookToken})
	mgr.SetOnCallComplete(func(rec *callmgr.CallRecord) {
		logger.Info("call completed", "callId", rec.CallID, "state", rec.State, "endReason", rec.EndReason)
		notifier.Notify(context.Background(), completionSummary(rec))
	})

	webhookPath := "/voice/webhook"
	mgr.SetRuntimeInfo(provider, publicURL+webhookPath, wsOrigin, cfg.StreamPath)

	authenticator, err := buildAuthenticator(cfg)
	if err != nil {
		return fmt.Errorf("build authenticator: %w", err)
	}

	br := bridge.New(bridge.Deps{
		Logger:             logger,
		GetPersonaPrompt:   mgr.GetPersonaPrompt,
		EndCall:            mgr.EndCall,
		AddTranscript:      mgr.AddTranscript,
		SetPlaybackState:   mgr.SetPlaybackState,
		NewSession:         newModelSessionFactory(cfg),
		ModelAPIKey:        modelAPIKey(cfg),
		ModelName:          modelName(cfg),
		ModelTemperature:   cfg.ModelTemperature,
		StreamFrameBytes:   cfg.StreamFrameBytes,
		HangupTimeout:      cfg.PlaybackHangupTimeout,
		DTMFTimeout:        cfg.PlaybackDTMFTimeout,
	})

	fd := frontdoor.New(frontdoor.Deps{
		Logger:      logger,
		Provider:    provider,
		Manager:     mgr,
		Bridge:      br,
		Authn:       authenticator,
		BootSecret:  mgr.BootSecret(),
		WebhookPath: webhookPath,
		StreamPath:  cfg.StreamPath,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           fd.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	logger.Info("starting supercall", "addr", cfg.Addr, "carrier", cfg.Carrier, "modelProvider", cfg.ModelProvider, "publicUrl", publicURL)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("supercall stopped")
	return nil
}

func buildCarrier(cfg config.Config, publicWSOrigin string) (carrier.Provider, error) {
	switch cfg.Carrier {
	case config.CarrierMock:
		return carrier.NewMock(), nil
	case config.CarrierTwilio:
		return carrier.NewTwilio(carrier.TwilioConfig{
			AccountSID:        cfg.TwilioAccountSID,
			AuthToken:         cfg.TwilioAuthToken,
			FromNumber:        cfg.FromNumber,
			StreamPath:        cfg.StreamPath,
			PublicWSOrigin:    publicWSOrigin,
			OverridePublicURL: cfg.PublicURL,
		}), nil
	default:
		return nil, fmt.Errorf("unknown carrier provider %q", cfg.Carrier)
	}
}

func buildAuthenticator(cfg config.Config) (authn.Authenticator, error) {
	switch cfg.AuthMode {
	case config.AuthModeStatic:
		return authn.Static{Token: cfg.StaticToken}, nil
	case config.AuthModeWorkOS:
		return authn.WorkOSJWT{SigningKey: []byte(cfg.JWTSigningKey)}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
	}
}

func newModelSessionFactory(cfg config.Config) func(model.Config) model.Session {
	switch cfg.ModelProvider {
	case config.ModelProviderGemini:
		provider := gemini.NewProvider(cfg.GeminiAPIKey)
		return func(mc model.Config) model.Session { return provider.NewSession(mc) }
	default:
		return func(mc model.Config) model.Session { return model.NewOpenAISession(mc) }
	}
}

func modelAPIKey(cfg config.Config) string {
	if cfg.ModelProvider == config.ModelProviderGemini {
		return cfg.GeminiAPIKey
	}
	return cfg.OpenAIAPIKey
}

func modelName(cfg config.Config) string {
	if cfg.ModelProvider == config.ModelProviderGemini {
		return cfg.GeminiModel
	}
	return cfg.OpenAIModel
}

// optionalReportSinks wires the best-effort mirror/archive/billing sinks
// that are enabled by setting their corresponding env var; any that fail to
// initialize are logged and skipped rather than aborting startup, since
// none of them are required for the call state machine to function.
func optionalReportSinks(ctx context.Context, logger *slog.Logger, cfg config.Config) []callmgr.Sink {
	var sinks []callmgr.Sink

	if cfg.DatabaseURL != "" {
		m, err := mirror.Open(ctx, mirror.Config{Logger: logger, DatabaseURL: cfg.DatabaseURL})
		if err != nil {
			logger.Warn("postgres mirror disabled: failed to open", "error", err)
		} else {
			sinks = append(sinks, m.Write)
		}
	}

	if cfg.ArchiveS3Bucket != "" {
		a, err := archive.Open(ctx, archive.Config{Logger: logger, Bucket: cfg.ArchiveS3Bucket, Prefix: cfg.ArchiveS3Prefix})
		if err != nil {
			logger.Warn("s3 archive disabled: failed to open", "error", err)
		} else {
			sinks = append(sinks, a.Write)
		}
	}

	if cfg.StripeAPIKey != "" {
		b := billing.New(billing.Config{Logger: logger, APIKey: cfg.StripeAPIKey, EventName: "supercall_call_seconds"})
		sinks = append(sinks, b.Write)
	}

	return sinks
}

// completionSummary formats the one-line text an agent-wake callback wakes a
// host with. persona/goal come from the metadata persona_call stored at
// InitiateCall time; calls placed outside persona_call summarize to just
// their outcome.
func completionSummary(rec *callmgr.CallRecord) string {
	persona := rec.Metadata["persona"]
	goal := rec.Metadata["goal"]
	if persona == "" {
		return fmt.Sprintf("call to %s ended (%s)", rec.To, rec.EndReason)
	}
	return fmt.Sprintf("%s's call to %s (goal: %s) ended: %s", persona, rec.To, goal, rec.EndReason)
}

func addrPort(addr string) int {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return 0
	}
	var port int
	_, _ = fmt.Sscanf(addr[idx+1:], "%d", &port)
	return port
}

func httpToWSOrigin(publicURL string) string {
	if publicURL == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(publicURL, "https://"):
		return "wss://" + strings.TrimPrefix(publicURL, "https://")
	case strings.HasPrefix(publicURL, "http://"):
		return "ws://" + strings.TrimPrefix(publicURL, "http://")
	default:
		return publicURL
	}
}
