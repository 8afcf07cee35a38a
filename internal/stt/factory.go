package stt

import (
	"context"
	"fmt"
	"time"

	"github.com/lexiqai/transcript-gateway/internal/config"
	"github.com/lexiqai/transcript-gateway/internal/resilience"
)

// NewProvider builds the provider selected by STT_PROVIDER
func NewProvider(ctx context.Context, cfg *config.Config) (Provider, error) {
	switch cfg.STTProvider {
	case config.STTProviderAssemblyAI:
		return NewAssemblyAI(AssemblyAIConfig{
			APIKey:                cfg.AssemblyAIAPIKey,
			URL:                   cfg.AssemblyAIURL,
			FormatTurns:           true,
			MinEndOfTurnSilenceMs: cfg.AssemblyAIMinEndOfTurnSilenceMs,
			MaxTurnSilenceMs:      cfg.AssemblyAIMaxTurnSilenceMs,
		})
	case config.STTProviderDeepgram:
		return NewDeepgram(DeepgramConfig{
			APIKey:   cfg.DeepgramAPIKey,
			Model:    cfg.DeepgramModel,
			Language: cfg.DeepgramLanguage,
		})
	case config.STTProviderGoogle:
		return NewGoogleSpeech(ctx, GoogleSpeechConfig{
			ProjectID:       cfg.GoogleCloudProjectID,
			CredentialsJSON: cfg.GoogleCloudCredentialsJSON,
			Location:        cfg.GoogleCloudSpeechLocation,
			Model:           cfg.GoogleCloudSpeechModel,
			Language:        cfg.GoogleCloudSpeechLanguage,
		})
	}
	return nil, fmt.Errorf("%w: unsupported STT provider %q", ErrConfigInvalid, cfg.STTProvider)
}

// OptionsFromConfig maps the streaming settings onto bridge options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		QueueFrames: cfg.AudioQueueFrames,
		SendTimeout: cfg.AudioSendTimeout(),
		Retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		Reconnect: &resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  5 * time.Second,
		},
	}
}
