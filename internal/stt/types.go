package stt

import (
	"context"
	"errors"
	"time"

	"github.com/lexiqai/transcript-gateway/internal/audio"
)

var (
	// ErrConfigInvalid means the stream format cannot be served
	ErrConfigInvalid = errors.New("invalid stream configuration")
	// ErrProviderUnavailable means the provider could not be reached or re-reached
	ErrProviderUnavailable = errors.New("transcription provider unavailable")
	// ErrStreamClosed is returned when audio is sent to a drained or closed bridge
	ErrStreamClosed = errors.New("transcription stream closed")
	// ErrBackpressure is returned when a frame was dropped because the provider fell behind
	ErrBackpressure = errors.New("audio frame dropped: provider backpressure")
	// ErrEndOfStream terminates the event sequence
	ErrEndOfStream = errors.New("end of transcript stream")
)

// Event is one partial or final transcript. Seq is assigned by the bridge and
// strictly increases within a session.
type Event struct {
	Seq       uint64
	Text      string
	Segment   int
	IsFinal   bool
	Timestamp time.Time
}

// StreamConfig is the per-connection provider configuration
type StreamConfig struct {
	SessionID string
	Format    audio.Format
	Language  string // Optional recognition language hint
}

// Result is a transcript as reported by one provider connection.
// Segment numbering is per connection and starts at zero.
type Result struct {
	Text      string
	Segment   int
	IsFinal   bool
	Timestamp time.Time
}

// Conn is one live provider stream. Send and Finish are called from a single
// writer goroutine, Recv from a single reader goroutine; Close may be called
// from anywhere and more than once.
type Conn interface {
	// Send writes one chunk of audio
	Send(chunk []byte) error
	// Recv blocks for the next transcript; io.EOF reports a clean end
	Recv() (Result, error)
	// Finish asks the provider to flush remaining results and end the stream
	Finish() error
	Close() error
}

// Provider opens streaming connections. ctx bounds the connection lifetime.
type Provider interface {
	Name() string
	Connect(ctx context.Context, cfg StreamConfig) (Conn, error)
}

// EncodingSupporter is implemented by providers that accept only some encodings;
// the bridge transcodes to PCM16 for anything unsupported.
type EncodingSupporter interface {
	SupportsEncoding(enc audio.Encoding) bool
}
