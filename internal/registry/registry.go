// Package registry is the process-wide directory of live session streams.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/transcript-gateway/internal/observability"
	"github.com/lexiqai/transcript-gateway/internal/session"
	"github.com/lexiqai/transcript-gateway/internal/stream"
)

var (
	// ErrAlreadyExists is returned when a session id is already registered
	ErrAlreadyExists = errors.New("session already exists")
	// ErrNotFound is returned for an unknown session id
	ErrNotFound = errors.New("session not found")
)

// Registry maps session ids to their streams. Safe for concurrent use.
type Registry struct {
	opts   stream.Options
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*entry
}

// entry holds a session's id from reservation until its stream is gone.
// An entry removed while starting stays as a tombstone until Start returns,
// so the id cannot open a second bridge in the meantime.
type entry struct {
	stream  *stream.Stream
	started bool
	removed bool
}

// New creates a registry; every stream is built from opts
func New(opts stream.Options) *Registry {
	return &Registry{
		opts:     opts,
		logger:   observability.GetLogger().With().Str("component", "registry").Logger(),
		sessions: make(map[string]*entry),
	}
}

// Create registers id and starts its stream. An empty id gets a generated one.
// The id is reserved while the provider connects so concurrent creates fail
// fast with ErrAlreadyExists.
func (r *Registry) Create(ctx context.Context, id string, cfg session.Config) (*stream.Stream, error) {
	sess := session.New(id, cfg)

	r.mu.Lock()
	if _, exists := r.sessions[sess.ID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, sess.ID)
	}
	st := stream.New(sess, r.opts)
	e := &entry{stream: st}
	r.sessions[sess.ID] = e
	r.mu.Unlock()

	err := st.Start(ctx)

	r.mu.Lock()
	removed := e.removed
	if err != nil || removed {
		delete(r.sessions, sess.ID)
	} else {
		e.started = true
	}
	r.mu.Unlock()

	if removed {
		st.Close()
		return nil, fmt.Errorf("%w: %s removed while starting", ErrNotFound, sess.ID)
	}
	if err != nil {
		return nil, err
	}

	r.logger.Debug().Str("session_id", sess.ID).Int("sessions", r.Len()).Msg("Session registered")
	return st, nil
}

// Get returns the stream for id
func (r *Registry) Get(id string) (*stream.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok || !e.started {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.stream, nil
}

// Remove closes and deregisters id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.RemoveWithReason(id, stream.ReasonAborted)
}

// RemoveWithReason is Remove with the close reason reported to the client
func (r *Registry) RemoveWithReason(id, reason string) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if e.started {
		delete(r.sessions, id)
	} else {
		// Create deletes the tombstone once Start returns
		e.removed = true
	}
	r.mu.Unlock()

	e.stream.CloseWithReason(reason)
	r.logger.Debug().Str("session_id", id).Str("reason", reason).Msg("Session removed")
}

// Len returns the number of registered sessions, including those starting
// and those removed while starting
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll ends every session gracefully, aborting whatever has not drained
// by the time ctx is done
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	streams := make([]*stream.Stream, 0, len(r.sessions))
	var starting []*stream.Stream
	for id, e := range r.sessions {
		if !e.started {
			e.removed = true
			starting = append(starting, e.stream)
			continue
		}
		streams = append(streams, e.stream)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	r.logger.Info().Int("sessions", len(streams)).Int("starting", len(starting)).Msg("Closing all sessions")
	for _, st := range starting {
		st.Close()
	}

	var wg sync.WaitGroup
	for _, st := range streams {
		wg.Add(1)
		go func(st *stream.Stream) {
			defer wg.Done()
			st.End()
			select {
			case <-st.Done():
			case <-ctx.Done():
				st.Close()
			}
		}(st)
	}
	wg.Wait()
}
