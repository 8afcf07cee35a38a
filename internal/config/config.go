package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Supported provider names
const (
	STTProviderAssemblyAI = "assemblyai"
	STTProviderDeepgram   = "deepgram"
	STTProviderGoogle     = "google"

	TranslationProviderGoogle = "google"
	TranslationProviderHTTP   = "http"
	TranslationProviderGemini = "gemini"
	TranslationProviderNone   = "none"
)

// Config holds all configuration for the transcript gateway
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Speech-to-text provider selection: assemblyai, deepgram, google
	STTProvider string `envconfig:"STT_PROVIDER" default:"assemblyai"`

	// AssemblyAI Universal-Streaming configuration
	AssemblyAIAPIKey                string `envconfig:"ASSEMBLYAI_API_KEY" default:""`
	AssemblyAIURL                   string `envconfig:"ASSEMBLYAI_URL" default:"wss://streaming.assemblyai.com/v3/ws"`
	AssemblyAIMinEndOfTurnSilenceMs int    `envconfig:"ASSEMBLYAI_MIN_END_OF_TURN_SILENCE_MS" default:"100"`
	AssemblyAIMaxTurnSilenceMs      int    `envconfig:"ASSEMBLYAI_MAX_TURN_SILENCE_MS" default:"800"`

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// Google Cloud Speech-to-Text v2 configuration
	GoogleCloudProjectID       string `envconfig:"GOOGLE_CLOUD_PROJECT_ID" default:""`
	GoogleCloudCredentialsJSON string `envconfig:"GOOGLE_CLOUD_CREDENTIALS_JSON" default:""`
	GoogleCloudSpeechLocation  string `envconfig:"GOOGLE_CLOUD_SPEECH_LOCATION" default:"global"`
	GoogleCloudSpeechModel     string `envconfig:"GOOGLE_CLOUD_SPEECH_MODEL" default:"long"`
	GoogleCloudSpeechLanguage  string `envconfig:"GOOGLE_CLOUD_SPEECH_LANGUAGE" default:"en-US"`

	// Translation provider selection: google, gemini, http, none
	TranslationProvider       string `envconfig:"TRANSLATION_PROVIDER" default:"google"`
	TranslationDefaultTarget  string `envconfig:"TRANSLATION_DEFAULT_TARGET" default:"disabled"`
	GoogleTranslateAPIKey     string `envconfig:"GOOGLE_TRANSLATE_API_KEY" default:""`
	TranslationHTTPURL        string `envconfig:"TRANSLATION_HTTP_URL" default:""`
	TranslationHTTPAuthHeader string `envconfig:"TRANSLATION_HTTP_AUTH_HEADER" default:""` // "Header-Name: value"
	GeminiAPIKey              string `envconfig:"GEMINI_API_KEY" default:""`
	GeminiHistoryTurns        int    `envconfig:"GEMINI_HISTORY_TURNS" default:"8"` // Exchanges kept per session
	TranslationModel          string `envconfig:"TRANSLATION_MODEL" default:""`
	TranslatePartials         bool   `envconfig:"TRANSLATE_PARTIALS" default:"true"`

	// Translation limits
	TranslationTimeoutMs      int `envconfig:"TRANSLATION_TIMEOUT_MS" default:"2000"`  // Per provider call
	TranslationDeadlineMs     int `envconfig:"TRANSLATION_DEADLINE_MS" default:"3000"` // Per event, from receipt
	TranslationRateLimit      int `envconfig:"TRANSLATION_RATE_LIMIT" default:"100"`   // Requests per window
	TranslationRateWindowSecs int `envconfig:"TRANSLATION_RATE_WINDOW_SECONDS" default:"60"`
	TranslationRateWaitMs     int `envconfig:"TRANSLATION_RATE_WAIT_MS" default:"250"` // Max wait for a permit
	TranslationCacheSize      int `envconfig:"TRANSLATION_CACHE_SIZE" default:"1000"`
	TranslationCacheTTLSecs   int `envconfig:"TRANSLATION_CACHE_TTL_SECONDS" default:"600"`

	// Session streaming configuration
	ReorderBufferSize  int `envconfig:"REORDER_BUFFER_SIZE" default:"64"`    // Events awaiting delivery
	AudioQueueFrames   int `envconfig:"AUDIO_QUEUE_FRAMES" default:"64"`     // Frames queued towards the provider
	AudioSendTimeoutMs int `envconfig:"AUDIO_SEND_TIMEOUT_MS" default:"200"` // Backpressure bound
	DrainTimeoutMs     int `envconfig:"DRAIN_TIMEOUT_MS" default:"5000"`
	DeliveryTimeoutMs  int `envconfig:"DELIVERY_TIMEOUT_MS" default:"5000"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Connect attempts at session start
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"1"`         // Mid-stream reconnects
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"500"`            // Reconnection backoff in milliseconds

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

	cfg.STTProvider = strings.ToLower(strings.TrimSpace(cfg.STTProvider))
	cfg.TranslationProvider = strings.ToLower(strings.TrimSpace(cfg.TranslationProvider))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks provider selection and the keys each provider needs
func (c *Config) Validate() error {
	switch c.STTProvider {
	case STTProviderAssemblyAI:
		if c.AssemblyAIAPIKey == "" {
			return fmt.Errorf("ASSEMBLYAI_API_KEY is required when STT_PROVIDER=assemblyai")
		}
	case STTProviderDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when STT_PROVIDER=deepgram")
		}
	case STTProviderGoogle:
		if c.GoogleCloudProjectID == "" {
			return fmt.Errorf("GOOGLE_CLOUD_PROJECT_ID is required when STT_PROVIDER=google")
		}
	default:
		return fmt.Errorf("unsupported STT_PROVIDER %q", c.STTProvider)
	}

	switch c.TranslationProvider {
	case TranslationProviderGoogle:
		if c.GoogleTranslateAPIKey == "" {
			return fmt.Errorf("GOOGLE_TRANSLATE_API_KEY is required when TRANSLATION_PROVIDER=google")
		}
	case TranslationProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when TRANSLATION_PROVIDER=gemini")
		}
	case TranslationProviderHTTP:
		if c.TranslationHTTPURL == "" {
			return fmt.Errorf("TRANSLATION_HTTP_URL is required when TRANSLATION_PROVIDER=http")
		}
	case TranslationProviderNone:
	default:
		return fmt.Errorf("unsupported TRANSLATION_PROVIDER %q", c.TranslationProvider)
	}

	if c.TranslationRateLimit <= 0 {
		return fmt.Errorf("TRANSLATION_RATE_LIMIT must be positive, got %d", c.TranslationRateLimit)
	}
	if c.TranslationRateWindowSecs <= 0 {
		return fmt.Errorf("TRANSLATION_RATE_WINDOW_SECONDS must be positive, got %d", c.TranslationRateWindowSecs)
	}
	if c.ReorderBufferSize <= 0 {
		return fmt.Errorf("REORDER_BUFFER_SIZE must be positive, got %d", c.ReorderBufferSize)
	}
	if c.TranslationDeadlineMs <= 0 {
		return fmt.Errorf("TRANSLATION_DEADLINE_MS must be positive, got %d", c.TranslationDeadlineMs)
	}

	return nil
}

// TranslationEnabled reports whether any translation provider is configured
func (c *Config) TranslationEnabled() bool {
	return c.TranslationProvider != TranslationProviderNone
}

func (c *Config) TranslationTimeout() time.Duration {
	return time.Duration(c.TranslationTimeoutMs) * time.Millisecond
}

func (c *Config) TranslationDeadline() time.Duration {
	return time.Duration(c.TranslationDeadlineMs) * time.Millisecond
}

func (c *Config) TranslationRateWindow() time.Duration {
	return time.Duration(c.TranslationRateWindowSecs) * time.Second
}

func (c *Config) TranslationRateWait() time.Duration {
	return time.Duration(c.TranslationRateWaitMs) * time.Millisecond
}

func (c *Config) TranslationCacheTTL() time.Duration {
	return time.Duration(c.TranslationCacheTTLSecs) * time.Second
}

func (c *Config) AudioSendTimeout() time.Duration {
	return time.Duration(c.AudioSendTimeoutMs) * time.Millisecond
}

func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMs) * time.Millisecond
}

func (c *Config) DeliveryTimeout() time.Duration {
	return time.Duration(c.DeliveryTimeoutMs) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
