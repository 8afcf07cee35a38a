package translation

import (
	"context"
	"strings"
	"time"
)

// Disabled is the target language sentinel that turns translation off for a session
const Disabled = "disabled"

// Status is the outcome of one translation request
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusDisabled Status = "disabled"
	StatusSkipped  Status = "skipped"
)

// Failure reasons carried in Result.Reason
const (
	ReasonRateLimited   = "rate_limited"
	ReasonTimeout       = "timeout"
	ReasonCanceled      = "canceled"
	ReasonProviderError = "provider_error"
	ReasonCircuitOpen   = "circuit_open"
	ReasonEmptyText     = "empty_text"
	ReasonEmptyResult   = "empty_translation"
	ReasonNoProvider    = "no_provider"
	ReasonPartial       = "partial"
	ReasonDeadline      = "deadline_exceeded"
)

// Result is the immutable outcome handed to the session stream.
// Text and DetectedSource are empty when unknown.
type Result struct {
	Text           string
	DetectedSource string
	Status         Status
	Reason         string
	Latency        time.Duration
	Cached         bool
}

// Failed builds a failed result with the given reason
func Failed(reason string) Result {
	return Result{Status: StatusFailed, Reason: reason}
}

// Request is one call to an external translation provider
type Request struct {
	Text    string
	Target  string
	Source  string // Optional hint, empty lets the provider detect
	Session string // Originating session, empty when unknown
}

// Response is what a provider returns on success
type Response struct {
	Text           string
	DetectedSource string
}

// Provider translates text through an external service
type Provider interface {
	Name() string
	Translate(ctx context.Context, req Request) (Response, error)
}

// Translator is the narrow interface session streams depend on
type Translator interface {
	Translate(ctx context.Context, text, target string) Result
}

// SessionEnder is implemented by translators and providers that keep
// per-session state
type SessionEnder interface {
	EndSession(session string)
}

type sessionKey struct{}

// WithSession tags ctx with the session a translation is made for
func WithSession(ctx context.Context, session string) context.Context {
	return context.WithValue(ctx, sessionKey{}, session)
}

// SessionFromContext returns the session set by WithSession
func SessionFromContext(ctx context.Context) string {
	session, _ := ctx.Value(sessionKey{}).(string)
	return session
}

// IsDisabled reports whether target is the disabled sentinel or empty
func IsDisabled(target string) bool {
	t := strings.TrimSpace(target)
	return t == "" || strings.EqualFold(t, Disabled)
}

// Normalize trims text and collapses internal whitespace runs to one space
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// NormalizeTarget lowercases a language code
func NormalizeTarget(target string) string {
	return strings.ToLower(strings.TrimSpace(target))
}
