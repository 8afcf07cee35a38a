package stream

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lexiqai/transcript-gateway/internal/audio"
	"github.com/lexiqai/transcript-gateway/internal/resilience"
	"github.com/lexiqai/transcript-gateway/internal/session"
	"github.com/lexiqai/transcript-gateway/internal/stt"
	"github.com/lexiqai/transcript-gateway/internal/translation"
)

// scriptConn replays results pushed by the test; Finish ends the stream
type scriptConn struct {
	results    chan stt.Result
	fail       chan error
	closed     chan struct{}
	closeOnce  sync.Once
	finishOnce sync.Once
}

func newScriptConn(results ...stt.Result) *scriptConn {
	c := &scriptConn{
		results: make(chan stt.Result, len(results)+64),
		fail:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
	for _, r := range results {
		c.results <- r
	}
	return c
}

func (c *scriptConn) end() {
	c.finishOnce.Do(func() { close(c.results) })
}

func (c *scriptConn) Send(chunk []byte) error { return nil }

func (c *scriptConn) Recv() (stt.Result, error) {
	select {
	case r, ok := <-c.results:
		if !ok {
			return stt.Result{}, io.EOF
		}
		return r, nil
	case err := <-c.fail:
		return stt.Result{}, err
	case <-c.closed:
		return stt.Result{}, errors.New("use of closed connection")
	}
}

func (c *scriptConn) Finish() error {
	c.end()
	return nil
}

func (c *scriptConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type scriptProvider struct {
	conn *scriptConn
	err  error
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) Connect(ctx context.Context, cfg stt.StreamConfig) (stt.Conn, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.conn, nil
}

// dictProvider is a translation provider backed by a map, with optional per-text delay
type dictProvider struct {
	words map[string]string
	delay map[string]time.Duration
	calls atomic.Int32
}

func (p *dictProvider) Name() string { return "dict" }

func (p *dictProvider) Translate(ctx context.Context, req translation.Request) (translation.Response, error) {
	p.calls.Add(1)
	if d := p.delay[req.Text]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return translation.Response{}, ctx.Err()
		}
	}
	text, ok := p.words[req.Text]
	if !ok {
		text = req.Text + " (" + req.Target + ")"
	}
	return translation.Response{Text: text, DetectedSource: "en"}, nil
}

func newTranslator(p translation.Provider) *translation.Client {
	return translation.NewClient(p, translation.Options{
		Cache:   translation.NewCache(100, time.Minute),
		Limiter: translation.NewLimiter(1000, time.Minute, 10*time.Millisecond),
		Breaker: resilience.NewCircuitBreaker("stream-test", 1000, time.Second),
		Timeout: time.Second,
	})
}

func testOptions(provider stt.Provider, translator translation.Translator) Options {
	return Options{
		Provider:          provider,
		Translator:        translator,
		TranslatePartials: true,
		Deadline:          time.Second,
		DrainTimeout:      2 * time.Second,
		DeliveryTimeout:   time.Second,
		Bridge: stt.Options{
			Retry:     &resilience.RetryConfig{MaxAttempts: 1},
			Reconnect: &resilience.ReconnectConfig{MaxAttempts: 0},
		},
	}
}

func startStream(t *testing.T, target string, opts Options) *Stream {
	t.Helper()
	sess := session.New("", session.Config{
		TargetLanguage: target,
		Format:         audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 16000},
	})
	st := New(sess, opts)
	if err := st.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return st
}

// drainMessages reads until the channel closes
func drainMessages(t *testing.T, st *Stream) []Message {
	t.Helper()
	timeout := time.After(5 * time.Second)

	var msgs []Message
	for {
		select {
		case msg, ok := <-st.Messages():
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		case <-timeout:
			t.Fatalf("Timed out waiting for messages, got %d", len(msgs))
		}
	}
}

func transcripts(msgs []Message) []LiveTranscript {
	var out []LiveTranscript
	for _, m := range msgs {
		if lt, ok := m.Data.(LiveTranscript); ok {
			out = append(out, lt)
		}
	}
	return out
}

func lastClosed(t *testing.T, msgs []Message) SessionClosed {
	t.Helper()
	if len(msgs) == 0 {
		t.Fatal("Expected messages, got none")
	}
	last := msgs[len(msgs)-1]
	closed, ok := last.Data.(SessionClosed)
	if last.Type != TypeSessionClosed || !ok {
		t.Fatalf("Expected session_closed last, got %s", last.Type)
	}
	return closed
}

func TestStream_HelloHola(t *testing.T) {
	conn := newScriptConn(stt.Result{Text: "hello", Segment: 0, IsFinal: false})
	conn.end()
	dict := &dictProvider{words: map[string]string{"hello": "hola"}}

	st := startStream(t, "es", testOptions(&scriptProvider{conn: conn}, newTranslator(dict)))
	defer st.Close()

	msgs := drainMessages(t, st)
	if msgs[0].Type != TypeConnected {
		t.Errorf("Expected connected first, got %s", msgs[0].Type)
	}

	lts := transcripts(msgs)
	if len(lts) != 1 {
		t.Fatalf("Expected 1 transcript, got %d", len(lts))
	}
	lt := lts[0]
	if lt.Text != "hello" {
		t.Errorf("Expected text hello, got %q", lt.Text)
	}
	if lt.TextTranslated == nil || *lt.TextTranslated != "hola" {
		t.Errorf("Expected text_translated hola, got %v", lt.TextTranslated)
	}
	if lt.TranslationStatus != string(translation.StatusSuccess) {
		t.Errorf("Expected status success, got %s", lt.TranslationStatus)
	}
	if lt.IsFinal {
		t.Error("Expected is_final false")
	}
	if lt.TargetLanguage != "es" {
		t.Errorf("Expected target es, got %s", lt.TargetLanguage)
	}
	if lt.SourceLanguageDetected == nil || *lt.SourceLanguageDetected != "en" {
		t.Errorf("Expected detected source en, got %v", lt.SourceLanguageDetected)
	}
	if lt.Seq != 1 {
		t.Errorf("Expected seq 1, got %d", lt.Seq)
	}

	if closed := lastClosed(t, msgs); closed.Reason != ReasonEnded {
		t.Errorf("Expected reason ended, got %s", closed.Reason)
	}
	if st.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", st.State())
	}
	if st.Session().State() != session.StateClosed {
		t.Errorf("Expected session closed, got %s", st.Session().State())
	}
}

func TestStream_TranslationDisabled(t *testing.T) {
	conn := newScriptConn(
		stt.Result{Text: "hello", Segment: 0},
		stt.Result{Text: "hello there", Segment: 0, IsFinal: true},
	)
	conn.end()
	dict := &dictProvider{}

	st := startStream(t, translation.Disabled, testOptions(&scriptProvider{conn: conn}, newTranslator(dict)))
	defer st.Close()

	lts := transcripts(drainMessages(t, st))
	if len(lts) != 2 {
		t.Fatalf("Expected 2 transcripts, got %d", len(lts))
	}
	for _, lt := range lts {
		if lt.TextTranslated != nil {
			t.Errorf("Expected null text_translated, got %q", *lt.TextTranslated)
		}
		if lt.TranslationStatus != string(translation.StatusDisabled) {
			t.Errorf("Expected status disabled, got %s", lt.TranslationStatus)
		}
		if lt.TargetLanguage != translation.Disabled {
			t.Errorf("Expected target %s, got %s", translation.Disabled, lt.TargetLanguage)
		}
	}
	if dict.calls.Load() != 0 {
		t.Errorf("Expected no provider calls, got %d", dict.calls.Load())
	}
}

func TestStream_OrderUnderRandomLatency(t *testing.T) {
	const n = 40
	conn := newScriptConn()
	dict := &dictProvider{delay: make(map[string]time.Duration)}
	for i := 0; i < n; i++ {
		text := "utterance " + string(rune('a'+i%26)) + string(rune('a'+i/26))
		dict.delay[text] = time.Duration(rand.IntN(40)) * time.Millisecond
		conn.results <- stt.Result{Text: text, Segment: i, IsFinal: true}
	}
	conn.end()

	st := startStream(t, "fr", testOptions(&scriptProvider{conn: conn}, newTranslator(dict)))
	defer st.Close()

	lts := transcripts(drainMessages(t, st))
	if len(lts) != n {
		t.Fatalf("Expected %d transcripts, got %d", n, len(lts))
	}
	for i, lt := range lts {
		if lt.Seq != uint64(i+1) {
			t.Fatalf("Expected seq %d at position %d, got %d", i+1, i, lt.Seq)
		}
		if lt.TranslationStatus != string(translation.StatusSuccess) {
			t.Errorf("Expected success for seq %d, got %s (%s)", lt.Seq, lt.TranslationStatus, lt.TranslationReason)
		}
	}
}

func TestStream_TimeoutThenSuccess(t *testing.T) {
	conn := newScriptConn(
		stt.Result{Text: "slow", Segment: 0, IsFinal: true},
		stt.Result{Text: "fast", Segment: 1, IsFinal: true},
	)
	conn.end()
	dict := &dictProvider{
		words: map[string]string{"fast": "rapide"},
		delay: map[string]time.Duration{"slow": 5 * time.Second},
	}

	opts := testOptions(&scriptProvider{conn: conn}, newTranslator(dict))
	opts.Deadline = 100 * time.Millisecond
	st := startStream(t, "fr", opts)
	defer st.Close()

	lts := transcripts(drainMessages(t, st))
	if len(lts) != 2 {
		t.Fatalf("Expected 2 transcripts, got %d", len(lts))
	}
	if lts[0].Text != "slow" || lts[0].TranslationStatus != string(translation.StatusFailed) {
		t.Errorf("Expected slow to fail, got %+v", lts[0])
	}
	if lts[0].TextTranslated != nil {
		t.Errorf("Expected null text_translated for slow, got %q", *lts[0].TextTranslated)
	}
	if lts[1].Text != "fast" || lts[1].TranslationStatus != string(translation.StatusSuccess) {
		t.Errorf("Expected fast to succeed, got %+v", lts[1])
	}
	if lts[1].TextTranslated == nil || *lts[1].TextTranslated != "rapide" {
		t.Errorf("Expected rapide, got %v", lts[1].TextTranslated)
	}
}

func TestStream_PartialsSkippedWhenDisabled(t *testing.T) {
	conn := newScriptConn(
		stt.Result{Text: "good", Segment: 0},
		stt.Result{Text: "good morning", Segment: 0, IsFinal: true},
	)
	conn.end()
	dict := &dictProvider{}

	opts := testOptions(&scriptProvider{conn: conn}, newTranslator(dict))
	opts.TranslatePartials = false
	st := startStream(t, "de", opts)
	defer st.Close()

	lts := transcripts(drainMessages(t, st))
	if len(lts) != 2 {
		t.Fatalf("Expected 2 transcripts, got %d", len(lts))
	}
	if lts[0].TranslationStatus != string(translation.StatusSkipped) {
		t.Errorf("Expected partial skipped, got %s", lts[0].TranslationStatus)
	}
	if lts[1].TranslationStatus != string(translation.StatusSuccess) {
		t.Errorf("Expected final translated, got %s", lts[1].TranslationStatus)
	}
	if dict.calls.Load() != 1 {
		t.Errorf("Expected 1 provider call, got %d", dict.calls.Load())
	}
}

func TestStream_EndDrains(t *testing.T) {
	conn := newScriptConn(stt.Result{Text: "last words", Segment: 0, IsFinal: true})

	st := startStream(t, translation.Disabled, testOptions(&scriptProvider{conn: conn}, nil))
	defer st.Close()

	st.End()
	msgs := drainMessages(t, st)

	if len(transcripts(msgs)) != 1 {
		t.Errorf("Expected the trailing transcript, got %d", len(transcripts(msgs)))
	}
	if closed := lastClosed(t, msgs); closed.Reason != ReasonEnded {
		t.Errorf("Expected reason ended, got %s", closed.Reason)
	}
	if err := st.SendAudio([]byte{0, 0}); !errors.Is(err, ErrNotStreaming) {
		t.Errorf("Expected ErrNotStreaming after end, got %v", err)
	}
}

func TestStream_ProviderFailure(t *testing.T) {
	conn := newScriptConn()
	conn.fail <- errors.New("invalid audio")

	st := startStream(t, translation.Disabled, testOptions(&scriptProvider{conn: conn}, nil))
	defer st.Close()

	closed := lastClosed(t, drainMessages(t, st))
	if closed.Reason != ReasonProviderUnavailable {
		t.Errorf("Expected reason provider_unavailable, got %s", closed.Reason)
	}
	if closed.Error == "" {
		t.Error("Expected an error description")
	}
}

func TestStream_StartFailure(t *testing.T) {
	sess := session.New("", session.Config{
		TargetLanguage: "es",
		Format:         audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 16000},
	})
	st := New(sess, testOptions(&scriptProvider{err: errors.New("refused")}, nil))

	if err := st.Start(context.Background()); !errors.Is(err, stt.ErrProviderUnavailable) {
		t.Errorf("Expected ErrProviderUnavailable, got %v", err)
	}
	if _, ok := <-st.Messages(); ok {
		t.Error("Expected messages channel to be closed")
	}
	if st.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", st.State())
	}
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	conn := newScriptConn()
	st := startStream(t, "es", testOptions(&scriptProvider{conn: conn}, newTranslator(&dictProvider{})))

	if err := st.Close(); err != nil {
		t.Errorf("Expected nil from Close, got %v", err)
	}
	if err := st.Close(); err != nil {
		t.Errorf("Expected nil from second Close, got %v", err)
	}

	msgs := drainMessages(t, st)
	if closed := lastClosed(t, msgs); closed.Reason != ReasonAborted {
		t.Errorf("Expected reason aborted, got %s", closed.Reason)
	}
	if st.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", st.State())
	}
	select {
	case <-st.Done():
	default:
		t.Error("Expected Done to be closed")
	}
}

func TestStream_ClosedProducesNothingAfterTerminal(t *testing.T) {
	conn := newScriptConn(stt.Result{Text: "one", Segment: 0, IsFinal: true})
	st := startStream(t, translation.Disabled, testOptions(&scriptProvider{conn: conn}, nil))

	// Let the first transcript through, then abort
	time.Sleep(50 * time.Millisecond)
	st.Close()
	conn.results <- stt.Result{Text: "two", Segment: 1, IsFinal: true}

	msgs := drainMessages(t, st)
	lastClosed(t, msgs)
	for _, lt := range transcripts(msgs) {
		if lt.Text == "two" {
			t.Error("Expected no transcript after close")
		}
	}
}

func TestStream_DrainTimeoutFlushesAndEnds(t *testing.T) {
	conn := newScriptConn(
		stt.Result{Text: "slow", Segment: 0, IsFinal: true},
		stt.Result{Text: "fast", Segment: 1, IsFinal: true},
	)
	dict := &dictProvider{
		words: map[string]string{"fast": "rapide"},
		delay: map[string]time.Duration{"slow": 10 * time.Second},
	}

	opts := testOptions(&scriptProvider{conn: conn}, newTranslator(dict))
	opts.Deadline = 5 * time.Second
	opts.DrainTimeout = 300 * time.Millisecond
	st := startStream(t, "fr", opts)
	defer st.Close()

	// Both events are buffered behind the slow head before the end request
	time.Sleep(50 * time.Millisecond)
	st.End()
	msgs := drainMessages(t, st)

	lts := transcripts(msgs)
	if len(lts) != 2 {
		t.Fatalf("Expected 2 transcripts, got %d", len(lts))
	}
	if lts[0].Text != "slow" || lts[0].TranslationReason != translation.ReasonDeadline {
		t.Errorf("Expected slow flushed with deadline_exceeded, got %s %s", lts[0].TranslationStatus, lts[0].TranslationReason)
	}
	if lts[1].Text != "fast" || lts[1].TranslationStatus != string(translation.StatusSuccess) {
		t.Errorf("Expected fast translated, got %s", lts[1].TranslationStatus)
	}
	if closed := lastClosed(t, msgs); closed.Reason != ReasonEnded {
		t.Errorf("Expected reason ended, got %s", closed.Reason)
	}
	if st.Reason() != ReasonEnded {
		t.Errorf("Expected Reason() ended, got %s", st.Reason())
	}
}

func TestStream_SmallBufferKeepsOrder(t *testing.T) {
	const n = 12
	conn := newScriptConn()
	dict := &dictProvider{delay: make(map[string]time.Duration)}
	for i := 0; i < n; i++ {
		text := "line " + string(rune('a'+i))
		// Earlier lines are slower
		dict.delay[text] = time.Duration(n-i) * 5 * time.Millisecond
		conn.results <- stt.Result{Text: text, Segment: i, IsFinal: true}
	}
	conn.end()

	opts := testOptions(&scriptProvider{conn: conn}, newTranslator(dict))
	opts.BufferSize = 2
	st := startStream(t, "it", opts)
	defer st.Close()

	lts := transcripts(drainMessages(t, st))
	if len(lts) != n {
		t.Fatalf("Expected %d transcripts, got %d", n, len(lts))
	}
	for i, lt := range lts {
		if lt.Seq != uint64(i+1) {
			t.Errorf("Expected seq %d at position %d, got %d", i+1, i, lt.Seq)
		}
		if lt.TranslationStatus != string(translation.StatusSuccess) {
			t.Errorf("Expected success for seq %d, got %s (%s)", lt.Seq, lt.TranslationStatus, lt.TranslationReason)
		}
	}
}

func TestStream_SlowClientEndsAsGone(t *testing.T) {
	conn := newScriptConn(
		stt.Result{Text: "one", Segment: 0, IsFinal: true},
		stt.Result{Text: "two", Segment: 1, IsFinal: true},
	)

	opts := testOptions(&scriptProvider{conn: conn}, nil)
	opts.MessageBuffer = 1
	opts.DeliveryTimeout = 100 * time.Millisecond
	st := startStream(t, translation.Disabled, opts)
	defer st.Close()

	// Nobody reads: connected fills the buffer and the first transcript times out
	select {
	case <-st.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for the stream to give up on the client")
	}

	if st.Reason() != ReasonClientGone {
		t.Errorf("Expected reason client_gone, got %s", st.Reason())
	}
	msgs := drainMessages(t, st)
	if len(msgs) != 1 || msgs[0].Type != TypeConnected {
		t.Errorf("Expected only the connected message, got %d messages", len(msgs))
	}
	if st.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", st.State())
	}
}

func TestStream_CloseDoesNotWaitForTranslations(t *testing.T) {
	conn := newScriptConn(stt.Result{Text: "slow", Segment: 0, IsFinal: true})
	dict := &dictProvider{delay: map[string]time.Duration{"slow": 10 * time.Second}}

	st := startStream(t, "pt", testOptions(&scriptProvider{conn: conn}, newTranslator(dict)))

	deadline := time.Now().Add(2 * time.Second)
	for dict.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if dict.calls.Load() == 0 {
		t.Fatal("Expected the translation to be in flight")
	}

	start := time.Now()
	st.Close()
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Expected Close to return promptly, took %v", elapsed)
	}

	msgs := drainMessages(t, st)
	if n := len(transcripts(msgs)); n != 0 {
		t.Errorf("Expected no transcripts from the cancelled translation, got %d", n)
	}
	if closed := lastClosed(t, msgs); closed.Reason != ReasonAborted {
		t.Errorf("Expected reason aborted, got %s", closed.Reason)
	}
}

func TestStream_TranslatorWithoutProvider(t *testing.T) {
	conn := newScriptConn(stt.Result{Text: "hello", Segment: 0, IsFinal: true})
	conn.end()

	st := startStream(t, "es", testOptions(&scriptProvider{conn: conn}, newTranslator(nil)))
	defer st.Close()

	msgs := drainMessages(t, st)
	connected, ok := msgs[0].Data.(Connected)
	if !ok {
		t.Fatalf("Expected connected first, got %s", msgs[0].Type)
	}
	if connected.TranslationEnabled {
		t.Error("Expected translation_enabled false without a provider")
	}
	lts := transcripts(msgs)
	if len(lts) != 1 || lts[0].TranslationStatus != string(translation.StatusDisabled) {
		t.Errorf("Expected one disabled transcript, got %+v", lts)
	}
}

// sessionTranslator records the session each call and end is made for
type sessionTranslator struct {
	mu       sync.Mutex
	sessions []string
	ended    []string
}

func (tr *sessionTranslator) Translate(ctx context.Context, text, target string) translation.Result {
	tr.mu.Lock()
	tr.sessions = append(tr.sessions, translation.SessionFromContext(ctx))
	tr.mu.Unlock()
	return translation.Result{Text: text, Status: translation.StatusSuccess}
}

func (tr *sessionTranslator) EndSession(session string) {
	tr.mu.Lock()
	tr.ended = append(tr.ended, session)
	tr.mu.Unlock()
}

func TestStream_TranslationsCarrySession(t *testing.T) {
	conn := newScriptConn(stt.Result{Text: "hello", Segment: 0, IsFinal: true})
	conn.end()
	tr := &sessionTranslator{}

	st := startStream(t, "es", testOptions(&scriptProvider{conn: conn}, tr))
	drainMessages(t, st)
	<-st.Done()

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.sessions) != 1 || tr.sessions[0] != st.ID() {
		t.Errorf("Expected translation tagged with %s, got %v", st.ID(), tr.sessions)
	}
	if len(tr.ended) != 1 || tr.ended[0] != st.ID() {
		t.Errorf("Expected session %s ended once, got %v", st.ID(), tr.ended)
	}
}
