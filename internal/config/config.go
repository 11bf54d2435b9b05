// Package config loads the orchestrator's runtime configuration from the
// environment, the same way the gateway it's descended from does: typed
// envOr/envIntOr/envDurationOr helpers, a LoadFromEnv entry point, and
// fail-fast validation of anything the runtime can't safely default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/clawd-ai/supercall/internal/dotenv"
)

type CarrierProvider string

const (
	CarrierTwilio CarrierProvider = "twilio"
	CarrierMock   CarrierProvider = "mock"
)

type ModelProvider string

const (
	ModelProviderOpenAI ModelProvider = "openai"
	ModelProviderGemini ModelProvider = "gemini"
)

type TunnelProvider string

const (
	TunnelNone             TunnelProvider = "none"
	TunnelNgrok            TunnelProvider = "ngrok"
	TunnelTailscaleServe   TunnelProvider = "tailscale-serve"
	TunnelTailscaleFunnel  TunnelProvider = "tailscale-funnel"
)

type AuthMode string

const (
	AuthModeStatic AuthMode = "static"
	AuthModeWorkOS AuthMode = "workos"
)

type Config struct {
	Addr string

	Carrier    CarrierProvider
	FromNumber string

	TwilioAccountSID string
	TwilioAuthToken  string

	ModelProvider   ModelProvider
	OpenAIAPIKey    string
	OpenAIModel     string
	GeminiAPIKey    string
	GeminiModel     string
	ModelTemperature float64

	StreamFrameBytes int

	PublicURL      string
	Tunnel         TunnelProvider
	StreamPath     string

	MaxConcurrentCalls int
	MaxDurationSeconds int

	StorePath string

	AuthMode        AuthMode
	StaticToken     string
	WorkOSAPIKey    string
	WorkOSClientID  string
	JWTSigningKey   string

	RedisURL string

	DatabaseURL string

	ArchiveS3Bucket string
	ArchiveS3Prefix string

	StripeAPIKey   string
	StripePriceID  string

	WakeHookPort  int
	WakeHookToken string

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
	PreflightTimeout    time.Duration
	PreflightCacheTTL   time.Duration
	PlaybackHangupTimeout time.Duration
	PlaybackDTMFTimeout   time.Duration
	StaleCallAge          time.Duration
}

// LoadFromEnv loads .env (if present) into the process environment, then
// reads Config from it. A missing .env file is not an error.
func LoadFromEnv() (Config, error) {
	_ = dotenv.LoadFile(".env")

	defaultStorePath := "calls.jsonl"
	if home, err := os.UserHomeDir(); err == nil {
		defaultStorePath = filepath.Join(home, "clawd", "supercall-logs", "calls.jsonl")
	}

	cfg := Config{
		Addr:                envOr("SUPERCALL_ADDR", "127.0.0.1:3334"),
		Carrier:             CarrierProvider(envOr("SUPERCALL_CARRIER", string(CarrierTwilio))),
		FromNumber:          envOr("SUPERCALL_FROM_NUMBER", ""),
		TwilioAccountSID:    envOr("SUPERCALL_TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:     envOr("SUPERCALL_TWILIO_AUTH_TOKEN", ""),
		ModelProvider:       ModelProvider(envOr("SUPERCALL_MODEL_PROVIDER", string(ModelProviderOpenAI))),
		OpenAIAPIKey:        envOr("SUPERCALL_OPENAI_API_KEY", ""),
		OpenAIModel:         envOr("SUPERCALL_OPENAI_MODEL", "gpt-4o-realtime-preview"),
		GeminiAPIKey:        envOr("SUPERCALL_GEMINI_API_KEY", ""),
		GeminiModel:         envOr("SUPERCALL_GEMINI_MODEL", "gemini-2.0-flash-live-001"),
		ModelTemperature:    envFloat64Or("SUPERCALL_MODEL_TEMPERATURE", 0.8),
		StreamFrameBytes:    envIntOr("SUPERCALL_STREAM_FRAME_BYTES", 160),
		PublicURL:           envOr("SUPERCALL_PUBLIC_URL", ""),
		Tunnel:              TunnelProvider(envOr("SUPERCALL_TUNNEL", string(TunnelNone))),
		StreamPath:          envOr("SUPERCALL_STREAM_PATH", "/voice/stream"),
		MaxConcurrentCalls:  envIntOr("SUPERCALL_MAX_CONCURRENT_CALLS", 1),
		MaxDurationSeconds:  envIntOr("SUPERCALL_MAX_DURATION_SECONDS", 300),
		StorePath:           envOr("SUPERCALL_STORE_PATH", defaultStorePath),
		AuthMode:            AuthMode(envOr("SUPERCALL_AUTH_MODE", string(AuthModeStatic))),
		StaticToken:         envOr("SUPERCALL_STATIC_TOKEN", ""),
		WorkOSAPIKey:        envOr("SUPERCALL_WORKOS_API_KEY", ""),
		WorkOSClientID:      envOr("SUPERCALL_WORKOS_CLIENT_ID", ""),
		JWTSigningKey:       envOr("SUPERCALL_JWT_SIGNING_KEY", ""),
		RedisURL:            envOr("SUPERCALL_REDIS_URL", ""),
		DatabaseURL:         envOr("SUPERCALL_DATABASE_URL", ""),
		ArchiveS3Bucket:     envOr("SUPERCALL_ARCHIVE_S3_BUCKET", ""),
		ArchiveS3Prefix:     envOr("SUPERCALL_ARCHIVE_S3_PREFIX", "transcripts/"),
		StripeAPIKey:        envOr("SUPERCALL_STRIPE_API_KEY", ""),
		StripePriceID:       envOr("SUPERCALL_STRIPE_PRICE_ID", ""),
		WakeHookPort:        envIntOr("SUPERCALL_WAKE_HOOK_PORT", 0),
		WakeHookToken:       envOr("SUPERCALL_WAKE_HOOK_TOKEN", ""),
		ReadHeaderTimeout:   envDurationOr("SUPERCALL_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("SUPERCALL_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		PreflightTimeout:      envDurationOr("SUPERCALL_PREFLIGHT_TIMEOUT", 4*time.Second),
		PreflightCacheTTL:     envDurationOr("SUPERCALL_PREFLIGHT_CACHE_TTL", 30*time.Second),
		PlaybackHangupTimeout: envDurationOr("SUPERCALL_PLAYBACK_HANGUP_TIMEOUT", 30*time.Second),
		PlaybackDTMFTimeout:   envDurationOr("SUPERCALL_PLAYBACK_DTMF_TIMEOUT", 5*time.Second),
		StaleCallAge:          envDurationOr("SUPERCALL_STALE_CALL_AGE", 5*time.Minute),
	}

	switch cfg.Carrier {
	case CarrierTwilio, CarrierMock:
	default:
		return Config{}, fmt.Errorf("SUPERCALL_CARRIER must be one of twilio|mock")
	}
	if cfg.Carrier == CarrierTwilio {
		if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
			return Config{}, fmt.Errorf("SUPERCALL_TWILIO_ACCOUNT_SID and SUPERCALL_TWILIO_AUTH_TOKEN are required when SUPERCALL_CARRIER=twilio")
		}
	}

	switch cfg.ModelProvider {
	case ModelProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return Config{}, fmt.Errorf("SUPERCALL_OPENAI_API_KEY is required when SUPERCALL_MODEL_PROVIDER=openai")
		}
	case ModelProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return Config{}, fmt.Errorf("SUPERCALL_GEMINI_API_KEY is required when SUPERCALL_MODEL_PROVIDER=gemini")
		}
	default:
		return Config{}, fmt.Errorf("SUPERCALL_MODEL_PROVIDER must be one of openai|gemini")
	}

	switch cfg.Tunnel {
	case TunnelNone, TunnelNgrok, TunnelTailscaleServe, TunnelTailscaleFunnel:
	default:
		return Config{}, fmt.Errorf("SUPERCALL_TUNNEL must be one of none|ngrok|tailscale-serve|tailscale-funnel")
	}

	switch cfg.AuthMode {
	case AuthModeStatic:
		if cfg.StaticToken == "" {
			return Config{}, fmt.Errorf("SUPERCALL_STATIC_TOKEN is required when SUPERCALL_AUTH_MODE=static")
		}
	case AuthModeWorkOS:
		if cfg.WorkOSAPIKey == "" || cfg.WorkOSClientID == "" || cfg.JWTSigningKey == "" {
			return Config{}, fmt.Errorf("SUPERCALL_WORKOS_API_KEY, SUPERCALL_WORKOS_CLIENT_ID and SUPERCALL_JWT_SIGNING_KEY are all required when SUPERCALL_AUTH_MODE=workos")
		}
	default:
		return Config{}, fmt.Errorf("SUPERCALL_AUTH_MODE must be one of static|workos")
	}

	if cfg.StreamFrameBytes <= 0 {
		return Config{}, fmt.Errorf("SUPERCALL_STREAM_FRAME_BYTES must be > 0")
	}
	if cfg.MaxConcurrentCalls <= 0 {
		return Config{}, fmt.Errorf("SUPERCALL_MAX_CONCURRENT_CALLS must be > 0")
	}
	if cfg.MaxDurationSeconds <= 0 {
		return Config{}, fmt.Errorf("SUPERCALL_MAX_DURATION_SECONDS must be > 0")
	}
	if strings.TrimSpace(cfg.StorePath) == "" {
		return Config{}, fmt.Errorf("SUPERCALL_STORE_PATH must not be empty")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("SUPERCALL_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("SUPERCALL_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.PreflightTimeout <= 0 {
		return Config{}, fmt.Errorf("SUPERCALL_PREFLIGHT_TIMEOUT must be > 0")
	}
	if cfg.PreflightCacheTTL <= 0 {
		return Config{}, fmt.Errorf("SUPERCALL_PREFLIGHT_CACHE_TTL must be > 0")
	}
	if cfg.PlaybackHangupTimeout <= 0 {
		return Config{}, fmt.Errorf("SUPERCALL_PLAYBACK_HANGUP_TIMEOUT must be > 0")
	}
	if cfg.PlaybackDTMFTimeout <= 0 {
		return Config{}, fmt.Errorf("SUPERCALL_PLAYBACK_DTMF_TIMEOUT must be > 0")
	}
	if cfg.StaleCallAge <= 0 {
		return Config{}, fmt.Errorf("SUPERCALL_STALE_CALL_AGE must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
