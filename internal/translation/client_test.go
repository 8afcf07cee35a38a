package translation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lexiqai/transcript-gateway/internal/resilience"
)

// fakeProvider answers from a fixed table, optionally after a delay
type fakeProvider struct {
	calls    atomic.Int32
	delay    time.Duration
	err      error
	detected string
	answers  map[string]string
	lastReq  atomic.Value
	released chan struct{} // When set, calls block until closed
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Translate(ctx context.Context, req Request) (Response, error) {
	p.calls.Add(1)
	p.lastReq.Store(req)

	if p.released != nil {
		select {
		case <-p.released:
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	if p.err != nil {
		return Response{}, p.err
	}
	return Response{Text: p.answers[req.Text], DetectedSource: p.detected}, nil
}

func newTestClient(p Provider, limit int) *Client {
	return NewClient(p, Options{
		Cache:   NewCache(100, time.Minute),
		Limiter: NewLimiter(limit, time.Minute, 20*time.Millisecond),
		Breaker: resilience.NewCircuitBreaker("translation-test", 100, time.Second),
		Timeout: 200 * time.Millisecond,
	})
}

func TestClient_TranslateSuccess(t *testing.T) {
	p := &fakeProvider{answers: map[string]string{"hello": "hola"}, detected: "EN"}
	c := newTestClient(p, 10)

	res := c.Translate(context.Background(), "hello", "es")

	if res.Status != StatusSuccess {
		t.Fatalf("Expected status success, got %s (%s)", res.Status, res.Reason)
	}
	if res.Text != "hola" {
		t.Errorf("Expected 'hola', got '%s'", res.Text)
	}
	if res.DetectedSource != "en" {
		t.Errorf("Expected detected source 'en', got '%s'", res.DetectedSource)
	}
}

func TestClient_Disabled(t *testing.T) {
	p := &fakeProvider{answers: map[string]string{"hello": "hola"}}
	c := newTestClient(p, 10)

	for _, target := range []string{Disabled, "DISABLED", ""} {
		res := c.Translate(context.Background(), "hello", target)
		if res.Status != StatusDisabled {
			t.Errorf("Target %q: expected status disabled, got %s", target, res.Status)
		}
		if res.Text != "" {
			t.Errorf("Target %q: expected no translated text, got '%s'", target, res.Text)
		}
	}

	if p.calls.Load() != 0 {
		t.Errorf("Expected no provider calls, got %d", p.calls.Load())
	}
}

func TestClient_NilProvider(t *testing.T) {
	c := newTestClient(nil, 10)

	res := c.Translate(context.Background(), "hello", "es")
	if res.Status != StatusDisabled || res.Reason != ReasonNoProvider {
		t.Errorf("Expected disabled/no_provider, got %s/%s", res.Status, res.Reason)
	}
	if c.Enabled() {
		t.Error("Expected client without provider to report disabled")
	}
}

func TestClient_EmptyTextSkipped(t *testing.T) {
	p := &fakeProvider{}
	c := newTestClient(p, 10)

	res := c.Translate(context.Background(), "  \t\n ", "es")
	if res.Status != StatusSkipped {
		t.Errorf("Expected status skipped, got %s", res.Status)
	}
	if p.calls.Load() != 0 {
		t.Errorf("Expected no provider calls, got %d", p.calls.Load())
	}
}

func TestClient_CacheRoundTrip(t *testing.T) {
	p := &fakeProvider{answers: map[string]string{"good morning": "buenos días"}}
	c := newTestClient(p, 10)

	first := c.Translate(context.Background(), "good morning", "es")
	// Same text after normalization and a differently cased target
	second := c.Translate(context.Background(), "  good   morning ", "ES")

	if first.Status != StatusSuccess || second.Status != StatusSuccess {
		t.Fatalf("Expected two successes, got %s and %s", first.Status, second.Status)
	}
	if second.Text != "buenos días" {
		t.Errorf("Expected cached 'buenos días', got '%s'", second.Text)
	}
	if !second.Cached {
		t.Error("Expected second result to come from the cache")
	}
	if p.calls.Load() != 1 {
		t.Errorf("Expected exactly 1 provider call, got %d", p.calls.Load())
	}
}

func TestClient_CacheHitsAreNotRateLimited(t *testing.T) {
	p := &fakeProvider{answers: map[string]string{"yes": "sí"}}
	c := newTestClient(p, 1)

	for i := 0; i < 5; i++ {
		res := c.Translate(context.Background(), "yes", "es")
		if res.Status != StatusSuccess {
			t.Fatalf("Call %d: expected success, got %s (%s)", i, res.Status, res.Reason)
		}
	}
	if p.calls.Load() != 1 {
		t.Errorf("Expected 1 provider call, got %d", p.calls.Load())
	}
}

func TestClient_FailuresAreNotCached(t *testing.T) {
	p := &fakeProvider{err: errors.New("quota exceeded")}
	c := newTestClient(p, 10)

	first := c.Translate(context.Background(), "hello", "es")
	if first.Status != StatusFailed || first.Text != "" {
		t.Fatalf("Expected failed without text, got %s '%s'", first.Status, first.Text)
	}
	if first.Reason != ReasonProviderError {
		t.Errorf("Expected reason provider_error, got %s", first.Reason)
	}

	c.Translate(context.Background(), "hello", "es")
	if p.calls.Load() != 2 {
		t.Errorf("Expected failure to be retried on the next call, got %d calls", p.calls.Load())
	}
}

func TestClient_Deduplication(t *testing.T) {
	p := &fakeProvider{
		answers:  map[string]string{"again": "otra vez"},
		released: make(chan struct{}),
	}
	c := newTestClient(p, 10)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Translate(context.Background(), "again", "es")
		}(i)
	}

	// Both callers must be parked on the same flight before it completes
	deadline := time.Now().Add(time.Second)
	for {
		c.mu.Lock()
		fl := c.flights[Key("again", "es")]
		waiters := 0
		if fl != nil {
			waiters = fl.waiters
		}
		c.mu.Unlock()
		if waiters == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for both callers to join the flight")
		}
		time.Sleep(time.Millisecond)
	}

	close(p.released)
	wg.Wait()

	if p.calls.Load() != 1 {
		t.Errorf("Expected exactly 1 provider call, got %d", p.calls.Load())
	}
	for i, res := range results {
		if res.Status != StatusSuccess || res.Text != "otra vez" {
			t.Errorf("Caller %d: expected success 'otra vez', got %s '%s'", i, res.Status, res.Text)
		}
	}
}

func TestClient_DeduplicationSharesFailure(t *testing.T) {
	p := &fakeProvider{
		err:      errors.New("boom"),
		released: make(chan struct{}),
	}
	c := newTestClient(p, 10)

	var wg sync.WaitGroup
	statuses := make([]Status, 3)
	for i := range statuses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i] = c.Translate(context.Background(), "same", "fr").Status
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(p.released)
	wg.Wait()

	if p.calls.Load() != 1 {
		t.Errorf("Expected exactly 1 provider call, got %d", p.calls.Load())
	}
	for i, s := range statuses {
		if s != StatusFailed {
			t.Errorf("Caller %d: expected failed, got %s", i, s)
		}
	}
}

func TestClient_RateLimit(t *testing.T) {
	p := &fakeProvider{answers: map[string]string{}}
	for _, w := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		p.answers[w] = w + "!"
	}
	c := newTestClient(p, 3)

	success, rateLimited := 0, 0
	for _, w := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		res := c.Translate(context.Background(), w, "es")
		switch {
		case res.Status == StatusSuccess:
			success++
		case res.Status == StatusFailed && res.Reason == ReasonRateLimited:
			rateLimited++
		default:
			t.Errorf("Unexpected result for %s: %s (%s)", w, res.Status, res.Reason)
		}
	}

	if success != 3 {
		t.Errorf("Expected 3 successes, got %d", success)
	}
	if rateLimited != 5 {
		t.Errorf("Expected 5 rate limited, got %d", rateLimited)
	}
	if p.calls.Load() != 3 {
		t.Errorf("Expected provider call count capped at 3, got %d", p.calls.Load())
	}
}

func TestClient_ProviderTimeout(t *testing.T) {
	p := &fakeProvider{answers: map[string]string{"slow": "lento"}, delay: time.Second}
	c := newTestClient(p, 10)

	start := time.Now()
	res := c.Translate(context.Background(), "slow", "es")

	if res.Status != StatusFailed || res.Reason != ReasonTimeout {
		t.Errorf("Expected failed/timeout, got %s/%s", res.Status, res.Reason)
	}
	if time.Since(start) > 800*time.Millisecond {
		t.Errorf("Expected call to be bounded by the provider timeout, took %v", time.Since(start))
	}
}

func TestClient_CallerCancellation(t *testing.T) {
	p := &fakeProvider{answers: map[string]string{"wait": "espera"}, released: make(chan struct{})}
	defer close(p.released)
	c := newTestClient(p, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		done <- c.Translate(ctx, "wait", "es")
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		if res.Status != StatusFailed || res.Reason != ReasonCanceled {
			t.Errorf("Expected failed/canceled, got %s/%s", res.Status, res.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected Translate to return promptly after cancellation")
	}

	// Last waiter gone: the flight and its provider call are cancelled
	c.mu.Lock()
	remaining := len(c.flights)
	c.mu.Unlock()
	if remaining != 0 {
		t.Errorf("Expected no flights left, got %d", remaining)
	}
}

func TestClient_SourceHint(t *testing.T) {
	p := &fakeProvider{answers: map[string]string{"bonjour": "hello"}, detected: "fr"}
	c := newTestClient(p, 10)

	c.Translate(context.Background(), "bonjour", "en")
	// A different target misses the cache but reuses the detected source
	c.Translate(context.Background(), "bonjour", "de")

	req := p.lastReq.Load().(Request)
	if req.Source != "fr" {
		t.Errorf("Expected source hint 'fr', got '%s'", req.Source)
	}
}

func TestClient_CircuitOpen(t *testing.T) {
	p := &fakeProvider{err: errors.New("down")}
	c := NewClient(p, Options{
		Cache:   NewCache(10, time.Minute),
		Limiter: NewLimiter(100, time.Minute, 0),
		Breaker: resilience.NewCircuitBreaker("translation-open-test", 2, time.Minute),
		Timeout: 100 * time.Millisecond,
	})

	c.Translate(context.Background(), "one", "es")
	c.Translate(context.Background(), "two", "es")
	res := c.Translate(context.Background(), "three", "es")

	if res.Reason != ReasonCircuitOpen {
		t.Errorf("Expected reason circuit_open, got %s", res.Reason)
	}
	if p.calls.Load() != 2 {
		t.Errorf("Expected breaker to stop the third call, got %d calls", p.calls.Load())
	}
	ok, err := c.Ready(context.Background())
	if ok || err == nil {
		t.Fatalf("Expected not ready with an open breaker, got %v, %v", ok, err)
	}
	if !strings.Contains(err.Error(), "calls failed") {
		t.Errorf("Expected failure stats in readiness error, got %q", err.Error())
	}
}
