// Package stream runs one session's pipeline: audio into the transcription
// bridge, transcript events through translation, ordered messages out.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/transcript-gateway/internal/observability"
	"github.com/lexiqai/transcript-gateway/internal/session"
	"github.com/lexiqai/transcript-gateway/internal/stt"
	"github.com/lexiqai/transcript-gateway/internal/translation"
)

// State is the stream lifecycle
type State int

const (
	StateStarting State = iota
	StateStreaming
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// sessionState maps a stream state onto the session lifecycle
func (s State) sessionState() session.State {
	switch s {
	case StateDraining:
		return session.StateEnding
	case StateClosed:
		return session.StateClosed
	}
	return session.StateActive
}

// Reasons carried by the terminal session_closed message
const (
	ReasonEnded               = "ended"
	ReasonProviderUnavailable = "provider_unavailable"
	ReasonClientGone          = "client_gone"
	ReasonAborted             = "aborted"
)

// ErrNotStreaming is returned for audio sent outside the streaming state
var ErrNotStreaming = errors.New("session is not streaming")

// Options configures a Stream
type Options struct {
	Provider          stt.Provider
	Translator        translation.Translator // Nil disables translation
	Bridge            stt.Options
	TranslatePartials bool
	Deadline          time.Duration // Per event, from receipt
	BufferSize        int           // Events awaiting delivery
	DrainTimeout      time.Duration
	DeliveryTimeout   time.Duration
	MessageBuffer     int
	Logger            *zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.Deadline <= 0 {
		o.Deadline = 3 * time.Second
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 64
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 5 * time.Second
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = 5 * time.Second
	}
	if o.MessageBuffer <= 0 {
		o.MessageBuffer = 32
	}
}

// slot is one event waiting in the reordering buffer
type slot struct {
	event    stt.Event
	done     chan struct{}
	result   translation.Result // Written before done closes
	deadline time.Time
	cancel   context.CancelFunc
}

func (sl *slot) ready() bool {
	select {
	case <-sl.done:
		return true
	default:
		return false
	}
}

func resolvedSlot(ev stt.Event, res translation.Result) *slot {
	sl := &slot{event: ev, done: make(chan struct{}), result: res}
	close(sl.done)
	return sl
}

// Stream is one session's event loop. Messages are delivered in transcript
// sequence order; the last one is always session_closed.
type Stream struct {
	session *session.Session
	opts    Options
	logger  zerolog.Logger
	metrics *observability.Metrics
	bridge  *stt.Bridge

	// Cancels in-flight translations
	ctx    context.Context
	cancel context.CancelFunc

	messages  chan Message
	endCh     chan struct{}
	abortCh   chan struct{}
	done      chan struct{}
	endOnce   sync.Once
	abortOnce sync.Once
	closeMsgs sync.Once
	doneOnce  sync.Once

	mu          sync.Mutex
	state       State
	running     bool
	abortReason string
	closeReason string
}

// New creates a stream in the starting state
func New(sess *session.Session, opts Options) *Stream {
	opts.setDefaults()

	logger := observability.WithSession(sess.ID)
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("session_id", sess.ID).Logger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		session:  sess,
		opts:     opts,
		logger:   logger.With().Str("component", "session_stream").Logger(),
		metrics:  observability.NewSessionMetrics(sess.ID),
		ctx:      ctx,
		cancel:   cancel,
		messages: make(chan Message, opts.MessageBuffer),
		endCh:    make(chan struct{}),
		abortCh:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Session returns the session record
func (s *Stream) Session() *session.Session {
	return s.session
}

// ID returns the session id
func (s *Stream) ID() string {
	return s.session.ID
}

// State returns the current stream state
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns the outbound message channel. It is closed after the
// session_closed message.
func (s *Stream) Messages() <-chan Message {
	return s.messages
}

// Reason returns the reason reported in session_closed, empty until closed
func (s *Stream) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Done is closed once the stream has fully closed
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) setState(next State) {
	s.mu.Lock()
	if next > s.state {
		s.state = next
	}
	s.mu.Unlock()

	if err := s.session.Advance(next.sessionState()); err != nil {
		s.logger.Warn().Err(err).Msg("Session state not advanced")
	}
}

// Start opens the transcription bridge and launches the event loop.
// ctx bounds only the connection attempt.
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStarting || s.running {
		s.mu.Unlock()
		return fmt.Errorf("session %s: already started", s.session.ID)
	}
	s.mu.Unlock()

	bopts := s.opts.Bridge
	bopts.Metrics = s.metrics
	bopts.Logger = &s.logger

	bridge, err := stt.Open(ctx, s.opts.Provider, stt.StreamConfig{
		SessionID: s.session.ID,
		Format:    s.session.Format,
		Language:  s.session.Language,
	}, bopts)
	if err != nil {
		s.metrics.RecordError("bridge_open", "session_stream")
		s.shutdownUnstarted()
		return err
	}

	s.mu.Lock()
	if s.abortReason != "" {
		// Closed while connecting
		s.mu.Unlock()
		bridge.Close()
		s.shutdownUnstarted()
		return fmt.Errorf("session %s: closed during start", s.session.ID)
	}
	s.bridge = bridge
	s.running = true
	s.mu.Unlock()

	s.setState(StateStreaming)
	s.metrics.RecordSessionStart()
	s.deliver(Message{Type: TypeConnected, Data: Connected{
		SessionID:          s.session.ID,
		SampleRate:         s.session.Format.SampleRate,
		Encoding:           string(s.session.Format.Encoding),
		TargetLanguage:     s.session.TargetLanguage,
		TranslationEnabled: s.translationEnabled(),
	}})

	s.logger.Info().
		Str("target_language", s.session.TargetLanguage).
		Str("format", s.session.Format.String()).
		Msg("Session streaming")

	go s.run()
	return nil
}

// shutdownUnstarted closes a stream whose loop never ran
func (s *Stream) shutdownUnstarted() {
	s.cancel()
	s.mu.Lock()
	if s.closeReason == "" {
		s.closeReason = s.abortReason
	}
	s.mu.Unlock()
	s.setState(StateClosed)
	s.closeMessages()
	s.markDone()
}

func (s *Stream) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Stream) closeMessages() {
	s.closeMsgs.Do(func() { close(s.messages) })
}

// SendAudio forwards one client frame to the bridge
func (s *Stream) SendAudio(frame []byte) error {
	s.mu.Lock()
	state, bridge := s.state, s.bridge
	s.mu.Unlock()

	if state != StateStreaming || bridge == nil {
		return ErrNotStreaming
	}
	return bridge.SendAudio(frame)
}

// End requests a graceful end: queued audio is flushed, trailing events are
// delivered and the stream closes with reason "ended", all within the drain
// timeout. It does not wait.
func (s *Stream) End() {
	s.endOnce.Do(func() { close(s.endCh) })
}

// Close aborts the stream without waiting for in-flight translations and
// returns once it has closed. Safe to call more than once.
func (s *Stream) Close() error {
	return s.CloseWithReason(ReasonAborted)
}

// CloseWithReason is Close with the reason reported in session_closed
func (s *Stream) CloseWithReason(reason string) error {
	s.abortOnce.Do(func() {
		s.mu.Lock()
		s.abortReason = reason
		running := s.running
		s.mu.Unlock()

		close(s.abortCh)
		if !running {
			s.shutdownUnstarted()
		}
	})

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		<-s.done
	}
	return nil
}

// translationEnabled is false without a translator, for a translator that
// reports itself disabled, or for a disabled target
func (s *Stream) translationEnabled() bool {
	if s.opts.Translator == nil || !s.session.TranslationEnabled() {
		return false
	}
	if e, ok := s.opts.Translator.(interface{ Enabled() bool }); ok {
		return e.Enabled()
	}
	return true
}

// admit starts the translation task for ev and returns its buffer slot
func (s *Stream) admit(ev stt.Event) *slot {
	if !s.translationEnabled() {
		return resolvedSlot(ev, translation.Result{Status: translation.StatusDisabled})
	}
	if !ev.IsFinal && !s.opts.TranslatePartials {
		return resolvedSlot(ev, translation.Result{Status: translation.StatusSkipped, Reason: translation.ReasonPartial})
	}

	deadline := time.Now().Add(s.opts.Deadline)
	ctx, cancel := context.WithDeadline(translation.WithSession(s.ctx, s.session.ID), deadline)
	sl := &slot{
		event:    ev,
		done:     make(chan struct{}),
		deadline: deadline,
		cancel:   cancel,
	}

	go func() {
		defer cancel()
		sl.result = s.opts.Translator.Translate(ctx, ev.Text, s.session.TargetLanguage)
		close(sl.done)
	}()
	return sl
}

func (s *Stream) run() {
	defer s.markDone()

	var (
		buf        []*slot
		events     = s.bridge.Events()
		endCh      = s.endCh
		drainTimer <-chan time.Time
		reason     string
		cause      error
	)

	headTimer := time.NewTimer(time.Hour)
	headTimer.Stop()
	defer headTimer.Stop()

	startDrain := func() {
		if drainTimer == nil {
			s.setState(StateDraining)
			drainTimer = time.After(s.opts.DrainTimeout)
		}
	}

loop:
	for {
		// Deliver every head that is resolved or past its deadline
		for len(buf) > 0 {
			head := buf[0]
			var msg Message
			switch {
			case head.ready():
				msg = newLiveTranscript(s.session.ID, s.session.TargetLanguage, head.event, head.result)
			case !head.deadline.IsZero() && !time.Now().Before(head.deadline):
				head.cancel()
				s.metrics.RecordDeadlineMissed()
				msg = newLiveTranscript(s.session.ID, s.session.TargetLanguage, head.event, translation.Failed(translation.ReasonDeadline))
			}
			if msg.Type == "" {
				break
			}
			buf[0] = nil
			buf = buf[1:]
			if !s.deliver(msg) {
				reason = s.stopReason()
				break loop
			}
		}

		if events == nil && len(buf) == 0 {
			reason = ReasonEnded
			if cause != nil {
				reason = ReasonProviderUnavailable
			}
			break
		}

		var in <-chan stt.Event
		if events != nil && len(buf) < s.opts.BufferSize {
			in = events
		}
		headTimer.Stop()
		var headDone <-chan struct{}
		if len(buf) > 0 {
			headDone = buf[0].done
			if !buf[0].deadline.IsZero() {
				headTimer.Reset(time.Until(buf[0].deadline))
			}
		}

		select {
		case ev, ok := <-in:
			if !ok {
				events = nil
				cause = s.bridge.Err()
				if cause != nil {
					s.logger.Warn().Err(cause).Msg("Transcription ended with error")
				}
				startDrain()
				continue
			}
			buf = append(buf, s.admit(ev))

		case <-headDone:
		case <-headTimer.C:

		case <-endCh:
			endCh = nil
			s.logger.Info().Int("buffered", len(buf)).Msg("Session end requested, draining")
			s.bridge.Drain()
			startDrain()

		case <-drainTimer:
			s.logger.Warn().Int("buffered", len(buf)).Msg("Drain timeout, flushing untranslated")
			delivered := true
			for _, sl := range buf {
				res := translation.Failed(translation.ReasonDeadline)
				if sl.ready() {
					res = sl.result
				} else {
					sl.cancel()
				}
				if delivered && !s.deliver(newLiveTranscript(s.session.ID, s.session.TargetLanguage, sl.event, res)) {
					delivered = false
				}
			}
			buf = nil
			switch {
			case !delivered || s.aborted():
				reason = s.stopReason()
			case cause != nil:
				reason = ReasonProviderUnavailable
			default:
				reason = ReasonEnded
			}
			break loop

		case <-s.abortCh:
			reason = s.stopReason()
			break loop
		}
	}

	s.finish(reason, cause)
}

func (s *Stream) aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortReason != ""
}

// stopReason returns the abort reason, or client_gone when delivery stalled
func (s *Stream) stopReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abortReason != "" {
		return s.abortReason
	}
	return ReasonClientGone
}

// deliver pushes msg, waiting at most the delivery timeout. It reports false
// when the client is not reading or the stream was aborted.
func (s *Stream) deliver(msg Message) bool {
	select {
	case s.messages <- msg:
		return true
	default:
	}

	timer := time.NewTimer(s.opts.DeliveryTimeout)
	defer timer.Stop()

	select {
	case s.messages <- msg:
		return true
	case <-timer.C:
		s.logger.Warn().Str("type", msg.Type).Msg("Client not reading, ending session")
		return false
	case <-s.abortCh:
		return false
	}
}

func (s *Stream) finish(reason string, cause error) {
	s.cancel()
	s.bridge.Close()
	s.setState(StateDraining)

	closed := SessionClosed{SessionID: s.session.ID, Reason: reason}
	if cause != nil {
		closed.Error = cause.Error()
		s.metrics.RecordError("provider_unavailable", "session_stream")
	}
	msg := Message{Type: TypeSessionClosed, Data: closed}

	if reason == ReasonEnded || reason == ReasonProviderUnavailable {
		s.deliver(msg)
	} else {
		// Aborted or gone: only if there is room
		select {
		case s.messages <- msg:
		default:
		}
	}

	s.closeMessages()
	s.mu.Lock()
	s.closeReason = reason
	s.mu.Unlock()
	s.setState(StateClosed)
	s.metrics.RecordSessionEnd(reason)

	if ender, ok := s.opts.Translator.(translation.SessionEnder); ok {
		ender.EndSession(s.session.ID)
	}

	s.logger.Info().
		Str("reason", reason).
		Dur("duration", time.Since(s.session.CreatedAt)).
		Msg("Session closed")
}
