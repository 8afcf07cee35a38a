package translation

import (
	"context"
	"fmt"
	"time"

	"github.com/lexiqai/transcript-gateway/internal/config"
	"github.com/lexiqai/transcript-gateway/internal/resilience"
)

// NewProvider builds the provider selected by TRANSLATION_PROVIDER.
// It returns a nil provider for "none".
func NewProvider(ctx context.Context, cfg *config.Config) (Provider, error) {
	switch cfg.TranslationProvider {
	case config.TranslationProviderGoogle:
		return NewGoogleProvider(ctx, cfg.GoogleTranslateAPIKey, cfg.TranslationModel)
	case config.TranslationProviderGemini:
		return NewGeminiProvider(ctx, cfg.GeminiAPIKey, cfg.TranslationModel, cfg.GeminiHistoryTurns)
	case config.TranslationProviderHTTP:
		return NewHTTPProvider(cfg.TranslationHTTPURL, cfg.TranslationModel, cfg.TranslationHTTPAuthHeader, nil)
	case config.TranslationProviderNone:
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported translation provider %q", cfg.TranslationProvider)
}

// NewClientFromConfig wires the process-wide cache, limiter and breaker
// around the configured provider
func NewClientFromConfig(ctx context.Context, cfg *config.Config) (*Client, error) {
	provider, err := NewProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return NewClient(provider, Options{
		Cache:   NewCache(cfg.TranslationCacheSize, cfg.TranslationCacheTTL()),
		Limiter: NewLimiter(cfg.TranslationRateLimit, cfg.TranslationRateWindow(), cfg.TranslationRateWait()),
		Breaker: resilience.NewCircuitBreaker(
			"translation",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		Timeout: cfg.TranslationTimeout(),
	}), nil
}
