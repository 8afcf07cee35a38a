// Package session holds the per-connection session record shared by the
// registry and the stream.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/lexiqai/transcript-gateway/internal/audio"
	"github.com/lexiqai/transcript-gateway/internal/translation"
)

// State is the session lifecycle; it only moves forward
type State int

const (
	StateActive State = iota
	StateEnding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Config is what a client asks for when opening a session
type Config struct {
	TargetLanguage string // ISO code or translation.Disabled
	Format         audio.Format
	Language       string // Optional recognition language hint
}

// Session is one client's streaming session
type Session struct {
	ID             string
	TargetLanguage string
	Format         audio.Format
	Language       string
	CreatedAt      time.Time

	mu    sync.Mutex
	state State
}

// New creates an active session; an empty id is replaced by a ULID
func New(id string, cfg Config) *Session {
	if id == "" {
		id = NewID()
	}
	target := translation.NormalizeTarget(cfg.TargetLanguage)
	if target == "" {
		target = translation.Disabled
	}
	return &Session{
		ID:             id,
		TargetLanguage: target,
		Format:         cfg.Format,
		Language:       cfg.Language,
		CreatedAt:      time.Now().UTC(),
	}
}

// NewID returns a lexicographically sortable session id
func NewID() string {
	return ulid.Make().String()
}

// TranslationEnabled reports whether events are translated
func (s *Session) TranslationEnabled() bool {
	return !translation.IsDisabled(s.TargetLanguage)
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Advance moves the session to next. Moving backwards is an error, staying
// put is a no-op.
func (s *Session) Advance(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if next < s.state {
		return fmt.Errorf("session %s: cannot move from %s to %s", s.ID, s.state, next)
	}
	s.state = next
	return nil
}

func (s *Session) String() string {
	return fmt.Sprintf("%s (%s, target=%s)", s.ID, s.Format, s.TargetLanguage)
}
