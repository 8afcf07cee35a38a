package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/transcript-gateway/internal/audio"
	"github.com/lexiqai/transcript-gateway/internal/observability"
	"github.com/lexiqai/transcript-gateway/internal/resilience"
)

// Options tunes a Bridge
type Options struct {
	QueueFrames int           // Frames buffered between SendAudio and the provider
	SendTimeout time.Duration // Longest SendAudio blocks before dropping a frame
	EventBuffer int           // Events buffered ahead of NextEvent
	MinChunk    time.Duration
	MaxChunk    time.Duration
	Retry       *resilience.RetryConfig     // Initial connect
	Reconnect   *resilience.ReconnectConfig // Mid-stream recovery
	Metrics     *observability.Metrics
	Logger      *zerolog.Logger
}

func (o *Options) setDefaults(sessionID string) {
	if o.QueueFrames <= 0 {
		o.QueueFrames = 64
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 200 * time.Millisecond
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 16
	}
	if o.MinChunk <= 0 {
		o.MinChunk = audio.DefaultMinChunk
	}
	if o.MaxChunk <= 0 {
		o.MaxChunk = audio.DefaultMaxChunk
	}
	if o.Retry == nil {
		o.Retry = resilience.DefaultRetryConfig()
	}
	if o.Reconnect == nil {
		o.Reconnect = resilience.DefaultReconnectConfig()
	}
	if o.Metrics == nil {
		o.Metrics = observability.NewSessionMetrics(sessionID)
	}
}

// Bridge owns one session's streaming connection to a transcription provider.
// A writer goroutine forwards chunked audio, a reader goroutine turns provider
// results into sequenced Events.
type Bridge struct {
	provider  Provider
	cfg       StreamConfig // As requested by the client
	wireCfg   StreamConfig // As sent to the provider
	opts      Options
	logger    zerolog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	audioCh   chan []byte
	events    chan Event
	drainCh   chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	drainOnce sync.Once

	mu        sync.Mutex
	conn      Conn
	connCause error // Write failure recorded against conn
	draining  bool
	closed    bool
	err       error

	// Owned by the reader goroutine
	seq       uint64
	segBase   int
	nextBase  int
	lastFinal int
	finalSeen bool
}

// Open validates cfg and connects to the provider with bounded retry
func Open(ctx context.Context, provider Provider, cfg StreamConfig, opts Options) (*Bridge, error) {
	if err := cfg.Format.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}
	opts.setDefaults(cfg.SessionID)

	wireCfg := cfg
	if s, ok := provider.(EncodingSupporter); ok && !s.SupportsEncoding(cfg.Format.Encoding) {
		if !s.SupportsEncoding(audio.EncodingPCM16) {
			return nil, fmt.Errorf("%w: %s does not accept %s", ErrConfigInvalid, provider.Name(), cfg.Format.Encoding)
		}
		wireCfg.Format.Encoding = audio.EncodingPCM16
	}

	logger := observability.WithSession(cfg.SessionID)
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	bctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		provider: provider,
		cfg:      cfg,
		wireCfg:  wireCfg,
		opts:     opts,
		logger:   logger.With().Str("component", "stt_bridge").Str("provider", provider.Name()).Logger(),
		ctx:      bctx,
		cancel:   cancel,
		audioCh:  make(chan []byte, opts.QueueFrames),
		events:   make(chan Event, opts.EventBuffer),
		drainCh:  make(chan struct{}),
	}

	// The caller's ctx bounds connecting only; the connection lives with the bridge
	stop := context.AfterFunc(ctx, cancel)
	err := resilience.Retry(bctx, func(ctx context.Context) error {
		conn, err := provider.Connect(ctx, wireCfg)
		if err != nil {
			b.logger.Warn().Err(err).Msg("Provider connect failed")
			return err
		}
		b.conn = conn
		return nil
	}, opts.Retry, func(err error) bool {
		return !errors.Is(err, ErrConfigInvalid)
	})
	stop()

	if err != nil {
		cancel()
		if errors.Is(err, ErrConfigInvalid) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrProviderUnavailable, provider.Name(), err)
	}
	if bctx.Err() != nil {
		b.conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, ctx.Err())
	}

	b.logger.Info().
		Str("format", cfg.Format.String()).
		Str("wire_encoding", string(wireCfg.Format.Encoding)).
		Msg("Transcription stream opened")

	b.wg.Add(2)
	go b.writeLoop()
	go b.readLoop()

	return b, nil
}

// SendAudio queues one frame for the provider. It blocks at most the send
// timeout; on timeout the frame is dropped and ErrBackpressure returned.
func (b *Bridge) SendAudio(frame []byte) error {
	if !b.accepting() {
		return ErrStreamClosed
	}
	if len(frame) == 0 {
		return nil
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case b.audioCh <- buf:
		b.opts.Metrics.RecordAudioBytes("in", int64(len(buf)))
		return nil
	default:
	}

	timer := time.NewTimer(b.opts.SendTimeout)
	defer timer.Stop()

	select {
	case b.audioCh <- buf:
		b.opts.Metrics.RecordAudioBytes("in", int64(len(buf)))
		return nil
	case <-timer.C:
		observability.RecordFrameDropped()
		return ErrBackpressure
	case <-b.ctx.Done():
		return ErrStreamClosed
	}
}

// NextEvent blocks until the next transcript, ErrEndOfStream, or ctx is done
func (b *Bridge) NextEvent(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-b.events:
		if !ok {
			return Event{}, ErrEndOfStream
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Events exposes the event sequence; the channel closes at end of stream
func (b *Bridge) Events() <-chan Event {
	return b.events
}

// Drain stops accepting audio, flushes what is queued and asks the provider
// to finish. Trailing results still arrive before end of stream.
func (b *Bridge) Drain() {
	b.drainOnce.Do(func() {
		b.mu.Lock()
		b.draining = true
		b.mu.Unlock()
		close(b.drainCh)
	})
}

// Close releases the provider connection. Safe to call more than once.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		conn := b.conn
		b.mu.Unlock()

		b.cancel()
		if conn != nil {
			conn.Close()
		}
		b.wg.Wait()
		b.logger.Debug().Uint64("events", b.seq).Msg("Transcription stream closed")
	})
	return nil
}

// Err returns the error that ended the event sequence, nil for a clean end
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Format returns the client audio format
func (b *Bridge) Format() audio.Format {
	return b.cfg.Format
}

func (b *Bridge) accepting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.draining && !b.closed && b.ctx.Err() == nil
}

func (b *Bridge) ending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.draining || b.closed
}

func (b *Bridge) currentConn() Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

func (b *Bridge) writeLoop() {
	defer b.wg.Done()

	chunker := audio.NewChunker(b.wireCfg.Format, b.opts.MinChunk, b.opts.MaxChunk)
	push := func(frame []byte) {
		wire, err := audio.Transcode(frame, b.cfg.Format.Encoding, b.wireCfg.Format.Encoding)
		if err != nil {
			b.logger.Warn().Err(err).Msg("Dropping untranscodable frame")
			return
		}
		for _, chunk := range chunker.Push(wire) {
			b.write(chunk)
		}
	}

	for {
		select {
		case frame := <-b.audioCh:
			push(frame)

		case <-b.drainCh:
		queued:
			for {
				select {
				case frame := <-b.audioCh:
					push(frame)
				default:
					break queued
				}
			}
			if rest := chunker.Flush(); rest != nil {
				b.write(rest)
			}
			if conn := b.currentConn(); conn != nil {
				if err := conn.Finish(); err != nil {
					b.logger.Debug().Err(err).Msg("Provider finish failed")
					conn.Close()
				}
			}
			return

		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bridge) write(chunk []byte) {
	conn := b.currentConn()
	if conn == nil {
		return
	}
	if err := conn.Send(chunk); err != nil {
		if b.ctx.Err() != nil {
			return
		}
		b.logger.Warn().Err(err).Int("bytes", len(chunk)).Msg("Provider write failed")

		// Wake the reader so it can decide whether to reconnect
		b.mu.Lock()
		if b.conn == conn && b.connCause == nil {
			b.connCause = err
		}
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.opts.Metrics.RecordAudioBytes("out", int64(len(chunk)))
}

func (b *Bridge) readLoop() {
	defer b.wg.Done()
	defer close(b.events)
	defer b.cancel()

	for {
		conn := b.currentConn()
		res, err := conn.Recv()
		if err == nil {
			if !b.emit(res) {
				return
			}
			continue
		}

		if errors.Is(err, io.EOF) {
			b.logger.Info().Uint64("events", b.seq).Msg("Provider ended the stream")
			return
		}
		if b.ctx.Err() != nil {
			return
		}

		b.mu.Lock()
		if b.connCause != nil {
			err = b.connCause
		}
		b.mu.Unlock()

		if b.ending() {
			b.finish(err)
			return
		}
		if !b.reconnect(conn, err) {
			return
		}
	}
}

// emit applies the segment guard and forwards one event. It reports false
// once the bridge is shutting down.
func (b *Bridge) emit(res Result) bool {
	seg := b.segBase + res.Segment
	if seg >= b.nextBase {
		b.nextBase = seg + 1
	}
	if b.finalSeen && seg <= b.lastFinal {
		b.logger.Debug().Int("segment", seg).Msg("Dropping result for finalized segment")
		return true
	}
	if res.IsFinal {
		b.lastFinal = seg
		b.finalSeen = true
	}

	ts := res.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	b.seq++
	ev := Event{
		Seq:       b.seq,
		Text:      res.Text,
		Segment:   seg,
		IsFinal:   res.IsFinal,
		Timestamp: ts.UTC(),
	}
	b.opts.Metrics.RecordTranscriptEvent(b.provider.Name(), ev.IsFinal)

	select {
	case b.events <- ev:
		return true
	case <-b.ctx.Done():
		return false
	}
}

// reconnect replaces a failed connection; it reports false, with the bridge
// error set, when the stream cannot continue.
func (b *Bridge) reconnect(failed Conn, cause error) bool {
	failed.Close()

	if !resilience.IsRetryableNetworkError(cause) {
		b.finish(fmt.Errorf("%w: %s: %w", ErrProviderUnavailable, b.provider.Name(), cause))
		return false
	}

	b.logger.Warn().Err(cause).Msg("Provider stream failed, reconnecting")
	err := resilience.Reconnect(b.ctx, b.provider.Name(), func(ctx context.Context) error {
		conn, err := b.provider.Connect(ctx, b.wireCfg)
		if err != nil {
			return err
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed || b.draining {
			conn.Close()
			return ErrStreamClosed
		}
		b.conn = conn
		b.connCause = nil
		return nil
	}, b.opts.Reconnect)

	if err != nil {
		if b.ctx.Err() == nil {
			b.finish(fmt.Errorf("%w: %s: %w", ErrProviderUnavailable, b.provider.Name(), err))
		}
		return false
	}

	// Segment numbering restarts on a new connection
	b.segBase = b.nextBase
	return true
}

func (b *Bridge) finish(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
	b.logger.Error().Err(err).Msg("Transcription stream failed")
}
