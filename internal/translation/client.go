package translation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/lexiqai/transcript-gateway/internal/observability"
	"github.com/lexiqai/transcript-gateway/internal/resilience"
)

const defaultCallTimeout = 2 * time.Second

// Options configures a Client
type Options struct {
	Cache   *Cache
	Limiter *Limiter
	Breaker *resilience.CircuitBreaker
	Timeout time.Duration // Bound on one provider call
	Logger  *zerolog.Logger
}

// Client translates transcript text through a provider, behind a shared
// cache, a rate limiter and in-flight deduplication. It never returns an
// error: every failure is reported through Result.Status.
type Client struct {
	provider Provider
	cache    *Cache
	limiter  *Limiter
	breaker  *resilience.CircuitBreaker
	timeout  time.Duration
	logger   zerolog.Logger

	group   singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight
}

// flight tracks the callers waiting on one deduplicated provider call.
// The call runs on ctx, which is cancelled once nobody waits any more.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// NewClient creates a translation client. A nil provider disables translation.
func NewClient(provider Provider, opts Options) *Client {
	if opts.Cache == nil {
		opts.Cache = NewCache(defaultCacheSize, defaultCacheTTL)
	}
	if opts.Limiter == nil {
		opts.Limiter = NewLimiter(100, time.Minute, 250*time.Millisecond)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultCallTimeout
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker("translation", 5, 30*time.Second)
	}

	logger := observability.GetLogger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	providerName := "none"
	if provider != nil {
		providerName = provider.Name()
	}

	return &Client{
		provider: provider,
		cache:    opts.Cache,
		limiter:  opts.Limiter,
		breaker:  opts.Breaker,
		timeout:  opts.Timeout,
		logger:   logger.With().Str("component", "translation").Str("provider", providerName).Logger(),
		flights:  make(map[string]*flight),
	}
}

// Enabled reports whether a provider is configured
func (c *Client) Enabled() bool {
	return c.provider != nil
}

// Ready is a readiness check: the provider is configured and its breaker is not open
func (c *Client) Ready(ctx context.Context) (bool, error) {
	if c.provider == nil {
		return true, nil
	}
	if state := c.breaker.GetState(); state == resilience.StateOpen {
		_, requests, failures, rate := c.breaker.GetStats()
		return false, fmt.Errorf("%s circuit breaker is %s (%d of %d calls failed, %.1f%%)",
			c.provider.Name(), state, failures, requests, rate)
	}
	return true, nil
}

// EndSession releases provider state held for session
func (c *Client) EndSession(session string) {
	if ender, ok := c.provider.(SessionEnder); ok && session != "" {
		ender.EndSession(session)
	}
}

// Translate returns the translation of text into target
func (c *Client) Translate(ctx context.Context, text, target string) Result {
	start := time.Now()
	res := c.translate(ctx, text, target)
	res.Latency = time.Since(start)
	observability.RecordTranslation(string(res.Status))
	return res
}

func (c *Client) translate(ctx context.Context, text, target string) Result {
	if IsDisabled(target) {
		return Result{Status: StatusDisabled}
	}
	if c.provider == nil {
		return Result{Status: StatusDisabled, Reason: ReasonNoProvider}
	}

	normalized := Normalize(text)
	if normalized == "" {
		return Result{Status: StatusSkipped, Reason: ReasonEmptyText}
	}
	target = NormalizeTarget(target)
	key := Key(normalized, target)

	if res, ok := c.cache.Get(key); ok {
		return res
	}

	fl := c.join(key)
	defer c.leave(key, fl)

	// Only the caller that starts the flight runs this, so its session is the one sent
	session := SessionFromContext(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return c.call(fl.ctx, key, Request{Text: normalized, Target: target, Session: session}), nil
	})

	select {
	case r := <-ch:
		return r.Val.(Result)
	case <-ctx.Done():
		return Failed(ReasonCanceled)
	}
}

// join registers a waiter on key's flight, creating the flight if needed
func (c *Client) join(key string) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()

	fl, ok := c.flights[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		fl = &flight{ctx: ctx, cancel: cancel}
		c.flights[key] = fl
	}
	fl.waiters++
	return fl
}

// leave drops a waiter; the last one out cancels the provider call and
// forgets the key so a later caller starts a fresh call.
func (c *Client) leave(key string, fl *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fl.waiters--
	if fl.waiters > 0 {
		return
	}
	fl.cancel()
	if c.flights[key] == fl {
		delete(c.flights, key)
		c.group.Forget(key)
	}
}

// call performs the rate-limited provider round trip for one cache miss
func (c *Client) call(ctx context.Context, key string, req Request) Result {
	// A flight that just finished may have filled the cache
	if res, ok := c.cache.Peek(key); ok {
		return res
	}

	if err := c.limiter.Acquire(ctx); err != nil {
		if ctx.Err() != nil {
			return Failed(ReasonCanceled)
		}
		observability.RecordRateLimited()
		c.logger.Debug().Int("text_len", len(req.Text)).Msg("Translation rate limited")
		return Failed(ReasonRateLimited)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req.Source = c.cache.SourceHint(req.Text)
	var resp Response
	start := time.Now()
	err := c.breaker.Call(func() error {
		var err error
		resp, err = c.provider.Translate(callCtx, req)
		return err
	}, func(err error) bool {
		// Abandoned calls say nothing about provider health
		return errors.Is(err, context.Canceled) || ctx.Err() != nil
	})
	observability.ObserveTranslationLatency(time.Since(start))

	if err != nil {
		reason := ReasonProviderError
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			reason = ReasonCircuitOpen
		case ctx.Err() != nil:
			reason = ReasonCanceled
		case errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil:
			reason = ReasonTimeout
		}
		if reason != ReasonCanceled {
			c.logger.Warn().Err(err).Str("target", req.Target).Str("session_id", req.Session).Str("reason", reason).Msg("Translation failed")
		}
		return Failed(reason)
	}
	if resp.Text == "" {
		return Failed(ReasonEmptyResult)
	}

	detected := resp.DetectedSource
	if detected == "" {
		detected = req.Source
	}
	res := Result{
		Text:           resp.Text,
		DetectedSource: NormalizeTarget(detected),
		Status:         StatusSuccess,
	}
	c.cache.Add(key, res)
	c.cache.RememberSource(req.Text, res.DetectedSource)
	return res
}
