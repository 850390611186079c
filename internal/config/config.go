package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/lexiqai/avatar-speech/internal/audio"
	"github.com/lexiqai/avatar-speech/internal/lipsync"
	"github.com/lexiqai/avatar-speech/internal/resilience"
)

// Config holds all configuration for the avatar speech service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service. Used for logging the WebSocket
	// endpoint; browsers connect to wss://<this-host>/streams/avatar.
	// Optional; if unset, logs ws://localhost:PORT/streams/avatar.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// TTS API configuration
	TTSAPIEndpoint       string  `envconfig:"TTS_API_ENDPOINT" required:"true"`
	TTSAPIKey            string  `envconfig:"TTS_API_KEY" default:""`              // Sent as a bearer token when set
	TTSEngine            string  `envconfig:"TTS_ENGINE" default:""`               // Engine override passed through to the API
	TTSDefaultVoice      string  `envconfig:"TTS_DEFAULT_VOICE" default:"am_fenrir"`
	TTSSampleRate        int     `envconfig:"TTS_SAMPLE_RATE" default:"24000"`     // PCM s16le mono
	TTSRequestsPerSecond float64 `envconfig:"TTS_REQUESTS_PER_SECOND" default:"5"` // Outbound rate limit
	TTSRequestBurst      int     `envconfig:"TTS_REQUEST_BURST" default:"2"`

	// Speech queue configuration
	SpeechBufferSize  int `envconfig:"SPEECH_BUFFER_SIZE" default:"1"`   // Items fetched ahead of the playing one
	PrefetchCacheSize int `envconfig:"PREFETCH_CACHE_SIZE" default:"64"` // Prefetched payloads kept in memory
	PlaybackTickMS    int `envconfig:"PLAYBACK_TICK_MS" default:"16"`    // Scheduler tick interval in milliseconds

	// Natural lip-sync defaults
	LipSyncEnabled             bool    `envconfig:"LIPSYNC_ENABLED" default:"false"`
	LipSyncMinVisemeInterval   int     `envconfig:"LIPSYNC_MIN_VISEME_INTERVAL" default:"60"` // milliseconds
	LipSyncMergeWindow         int     `envconfig:"LIPSYNC_MERGE_WINDOW" default:"80"`        // milliseconds
	LipSyncKeyVisemePreference float64 `envconfig:"LIPSYNC_KEY_VISEME_PREFERENCE" default:"0.7"`
	LipSyncPreserveSilence     bool    `envconfig:"LIPSYNC_PRESERVE_SILENCE" default:"true"`
	LipSyncSimilarityThreshold float64 `envconfig:"LIPSYNC_SIMILARITY_THRESHOLD" default:"0.6"`
	LipSyncPreserveCritical    bool    `envconfig:"LIPSYNC_PRESERVE_CRITICAL" default:"true"`

	// Stress derived from audio energy when the TTS sends none
	StressFromAudio       bool    `envconfig:"STRESS_FROM_AUDIO" default:"true"`
	StressEnergyThreshold float64 `envconfig:"STRESS_ENERGY_THRESHOLD" default:"500.0"` // RMS energy below which a frame is silent

	// Live conversation relay. Only wss URLs on these hosts may be intercepted.
	LiveAllowedHosts []string `envconfig:"LIVE_ALLOWED_HOSTS" default:"api.elevenlabs.io"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges. Errors name the offending variable.
func (c *Config) Validate() error {
	if c.TTSAPIEndpoint == "" {
		return fmt.Errorf("TTS_API_ENDPOINT is required")
	}
	u, err := url.Parse(c.TTSAPIEndpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("TTS_API_ENDPOINT must be an http(s) URL, got %q", c.TTSAPIEndpoint)
	}
	if c.TTSSampleRate <= 0 {
		return fmt.Errorf("TTS_SAMPLE_RATE must be positive, got %d", c.TTSSampleRate)
	}
	if c.TTSRequestsPerSecond <= 0 {
		return fmt.Errorf("TTS_REQUESTS_PER_SECOND must be positive, got %v", c.TTSRequestsPerSecond)
	}
	if c.TTSRequestBurst < 1 {
		return fmt.Errorf("TTS_REQUEST_BURST must be at least 1, got %d", c.TTSRequestBurst)
	}
	if c.SpeechBufferSize < 1 {
		return fmt.Errorf("SPEECH_BUFFER_SIZE must be at least 1, got %d", c.SpeechBufferSize)
	}
	if c.PrefetchCacheSize < 1 {
		return fmt.Errorf("PREFETCH_CACHE_SIZE must be at least 1, got %d", c.PrefetchCacheSize)
	}
	if c.PlaybackTickMS < 1 {
		return fmt.Errorf("PLAYBACK_TICK_MS must be at least 1, got %d", c.PlaybackTickMS)
	}
	if c.LipSyncMinVisemeInterval < 0 {
		return fmt.Errorf("LIPSYNC_MIN_VISEME_INTERVAL must not be negative, got %d", c.LipSyncMinVisemeInterval)
	}
	if c.LipSyncMergeWindow < 0 {
		return fmt.Errorf("LIPSYNC_MERGE_WINDOW must not be negative, got %d", c.LipSyncMergeWindow)
	}
	if c.LipSyncKeyVisemePreference < 0 || c.LipSyncKeyVisemePreference > 1 {
		return fmt.Errorf("LIPSYNC_KEY_VISEME_PREFERENCE must be in [0,1], got %v", c.LipSyncKeyVisemePreference)
	}
	if c.LipSyncSimilarityThreshold < 0 || c.LipSyncSimilarityThreshold > 1 {
		return fmt.Errorf("LIPSYNC_SIMILARITY_THRESHOLD must be in [0,1], got %v", c.LipSyncSimilarityThreshold)
	}
	if c.StressEnergyThreshold < 0 {
		return fmt.Errorf("STRESS_ENERGY_THRESHOLD must not be negative, got %v", c.StressEnergyThreshold)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, fatal, panic; got %q", c.LogLevel)
	}
	return nil
}

// LiveURLAllowed reports whether a live conversation socket URL may be
// dialled
func (c *Config) LiveURLAllowed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "wss" && u.Scheme != "ws") {
		return false
	}
	for _, h := range c.LiveAllowedHosts {
		if strings.EqualFold(u.Hostname(), h) {
			return true
		}
	}
	return false
}

// LipSync returns the natural lip-sync defaults as a processor config
func (c *Config) LipSync() lipsync.Config {
	return lipsync.Config{
		MinVisemeInterval:       time.Duration(c.LipSyncMinVisemeInterval) * time.Millisecond,
		MergeWindow:             time.Duration(c.LipSyncMergeWindow) * time.Millisecond,
		KeyVisemePreference:     c.LipSyncKeyVisemePreference,
		PreserveSilence:         c.LipSyncPreserveSilence,
		SimilarityThreshold:     c.LipSyncSimilarityThreshold,
		PreserveCriticalVisemes: c.LipSyncPreserveCritical,
	}
}

// AudioFormat returns the PCM format the TTS service produces
func (c *Config) AudioFormat() audio.Format {
	return audio.Format{SampleRate: c.TTSSampleRate, Channels: 1}
}

// Stress returns the audio stress settings, or nil when stress from audio is
// disabled
func (c *Config) Stress() *audio.StressConfig {
	if !c.StressFromAudio {
		return nil
	}
	cfg := audio.DefaultStressConfig()
	cfg.VAD.EnergyThreshold = c.StressEnergyThreshold
	return &cfg
}

// Reconnect returns the backoff used when redialling live sockets
func (c *Config) Reconnect() *resilience.ReconnectConfig {
	rc := resilience.DefaultReconnectConfig()
	rc.MaxAttempts = c.ReconnectMaxAttempts
	rc.Backoff = time.Duration(c.ReconnectBackoff) * time.Millisecond
	return rc
}

// Retry returns the retry policy of outbound TTS requests
func (c *Config) Retry() *resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	rc.MaxAttempts = c.RetryMaxAttempts
	rc.InitialBackoff = time.Duration(c.RetryInitialBackoff) * time.Millisecond
	return rc
}

// PlaybackTick returns the scheduler tick interval
func (c *Config) PlaybackTick() time.Duration {
	return time.Duration(c.PlaybackTickMS) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
