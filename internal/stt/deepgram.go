package stt

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/transcript-gateway/internal/audio"
	"github.com/lexiqai/transcript-gateway/internal/observability"
	"github.com/lexiqai/transcript-gateway/internal/resilience"
)

// Wait for Deepgram to close the stream after Finish before giving up on trailing results
const deepgramFinishGrace = 3 * time.Second

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler // Embed default handler for methods we don't override
	conn                                   *deepgramConn
}

// Message forwards transcription results to the connection
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.conn.handleMessage(message)
	return nil
}

// Error ends the stream; Deepgram errors arrive when the socket breaks
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.conn.logger.Warn().Str("error", fmt.Sprintf("%+v", errorResponse)).Msg("Deepgram error")
	m.conn.end(resilience.NewRetryableError(fmt.Errorf("deepgram error: %+v", errorResponse)))
	return nil
}

// Close reports a clean end of stream
func (m *messageCallbackHandler) Close(closeResponse *msginterfaces.CloseResponse) error {
	m.conn.end(io.EOF)
	return nil
}

// DeepgramConfig configures the Deepgram live provider
type DeepgramConfig struct {
	APIKey   string
	Model    string
	Language string
}

// Deepgram streams audio to Deepgram's live transcription API
type Deepgram struct {
	cfg    DeepgramConfig
	logger zerolog.Logger
}

// NewDeepgram creates a new Deepgram provider
func NewDeepgram(cfg DeepgramConfig) (*Deepgram, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: Deepgram API key is required", ErrConfigInvalid)
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	return &Deepgram{
		cfg:    cfg,
		logger: observability.GetLogger().With().Str("component", "deepgram").Logger(),
	}, nil
}

func (d *Deepgram) Name() string {
	return "deepgram"
}

func (d *Deepgram) SupportsEncoding(enc audio.Encoding) bool {
	return enc == audio.EncodingPCM16 || enc == audio.EncodingMulaw
}

func deepgramEncoding(enc audio.Encoding) string {
	if enc == audio.EncodingMulaw {
		return "mulaw"
	}
	return "linear16"
}

// Connect opens a live transcription socket
func (d *Deepgram) Connect(ctx context.Context, cfg StreamConfig) (Conn, error) {
	language := d.cfg.Language
	if cfg.Language != "" {
		language = cfg.Language
	}

	// Create Deepgram transcription options (v3 API)
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.cfg.Model,
		Language:       language,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000", // End utterance after 1 second of silence (string in v3)
		VadEvents:      true,
		Encoding:       deepgramEncoding(cfg.Format.Encoding),
		Channels:       1,
		SampleRate:     cfg.Format.SampleRate,
	}
	cOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}

	conn := &deepgramConn{
		results: make(chan Result, 64),
		done:    make(chan struct{}),
		logger:  d.logger.With().Str("session_id", cfg.SessionID).Logger(),
	}
	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		conn:                   conn,
	}

	client, err := listenClient.NewWSUsingCallback(ctx, d.cfg.APIKey, cOptions, tOptions, callback)
	if err != nil {
		return nil, fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	if !client.Connect() {
		return nil, resilience.NewRetryableError(fmt.Errorf("failed to connect to Deepgram"))
	}
	conn.client = client

	conn.logger.Debug().
		Str("model", d.cfg.Model).
		Str("language", language).
		Int("sample_rate", cfg.Format.SampleRate).
		Msg("Deepgram streaming client started")
	return conn, nil
}

type deepgramConn struct {
	client    *listenClient.WSCallback
	results   chan Result
	done      chan struct{}
	endOnce   sync.Once
	endErr    error
	closeOnce sync.Once
	segment   int // Owned by the SDK callback goroutine
	logger    zerolog.Logger
}

// handleMessage processes messages from Deepgram
func (c *deepgramConn) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}

	// Get the best alternative (first one)
	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return
	}

	res := Result{
		Text:      alt.Transcript,
		Segment:   c.segment,
		IsFinal:   msg.IsFinal,
		Timestamp: time.Now(),
	}
	if msg.IsFinal {
		c.segment++
	}

	select {
	case c.results <- res:
	case <-c.done:
	}
}

func (c *deepgramConn) end(err error) {
	c.endOnce.Do(func() {
		c.endErr = err
		close(c.done)
	})
}

func (c *deepgramConn) Send(chunk []byte) error {
	select {
	case <-c.done:
		return ErrStreamClosed
	default:
	}

	// WSCallback uses Write method for sending audio (returns bytes written and error)
	if _, err := c.client.Write(chunk); err != nil {
		return resilience.NewRetryableError(fmt.Errorf("failed to send audio to Deepgram: %w", err))
	}
	return nil
}

func (c *deepgramConn) Recv() (Result, error) {
	select {
	case res := <-c.results:
		return res, nil
	case <-c.done:
	}

	// Hand out anything that arrived before the end
	select {
	case res := <-c.results:
		return res, nil
	default:
		return Result{}, c.endErr
	}
}

// Finish asks Deepgram to flush and close; the Close callback ends the stream
func (c *deepgramConn) Finish() error {
	c.client.Finish()
	time.AfterFunc(deepgramFinishGrace, func() {
		c.end(io.EOF)
	})
	return nil
}

func (c *deepgramConn) Close() error {
	c.closeOnce.Do(func() {
		select {
		case <-c.done:
		default:
			c.client.Finish()
		}
		c.end(io.EOF)
	})
	return nil
}
