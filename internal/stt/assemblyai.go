package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/transcript-gateway/internal/audio"
	"github.com/lexiqai/transcript-gateway/internal/observability"
	"github.com/lexiqai/transcript-gateway/internal/resilience"
)

const (
	assemblyAIWriteTimeout = 5 * time.Second
	assemblyAICloseTimeout = time.Second
)

// WebsocketDialer opens provider WebSocket connections; satisfied by *websocket.Dialer
type WebsocketDialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// AssemblyAIConfig configures the Universal-Streaming v3 provider
type AssemblyAIConfig struct {
	APIKey                string
	URL                   string
	FormatTurns           bool
	MinEndOfTurnSilenceMs int
	MaxTurnSilenceMs      int
	Dialer                WebsocketDialer
}

// AssemblyAI streams audio to AssemblyAI Universal-Streaming
type AssemblyAI struct {
	cfg    AssemblyAIConfig
	logger zerolog.Logger
}

type assemblyAIMessage struct {
	Type string `json:"type"`

	// Begin
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`

	// Turn
	TurnOrder       int              `json:"turn_order"`
	TurnIsFormatted bool             `json:"turn_is_formatted"`
	EndOfTurn       bool             `json:"end_of_turn"`
	Transcript      string           `json:"transcript"`
	Words           []assemblyAIWord `json:"words"`

	// Termination
	AudioDurationSeconds float64 `json:"audio_duration_seconds"`

	// Error
	Error string `json:"error"`
}

type assemblyAIWord struct {
	Start       int     `json:"start"`
	End         int     `json:"end"`
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
	WordIsFinal bool    `json:"word_is_final"`
}

// NewAssemblyAI creates the provider; a nil Dialer uses websocket.DefaultDialer
func NewAssemblyAI(cfg AssemblyAIConfig) (*AssemblyAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: AssemblyAI API key is required", ErrConfigInvalid)
	}
	if cfg.URL == "" {
		cfg.URL = "wss://streaming.assemblyai.com/v3/ws"
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &AssemblyAI{
		cfg:    cfg,
		logger: observability.GetLogger().With().Str("component", "assemblyai").Logger(),
	}, nil
}

func (a *AssemblyAI) Name() string {
	return "assemblyai"
}

// SupportsEncoding reports the encodings the v3 API accepts
func (a *AssemblyAI) SupportsEncoding(enc audio.Encoding) bool {
	return enc == audio.EncodingPCM16 || enc == audio.EncodingMulaw
}

func (a *AssemblyAI) streamURL(cfg StreamConfig) (string, error) {
	u, err := url.Parse(a.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("%w: AssemblyAI URL: %w", ErrConfigInvalid, err)
	}

	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(cfg.Format.SampleRate))
	q.Set("encoding", string(cfg.Format.Encoding))
	q.Set("format_turns", strconv.FormatBool(a.cfg.FormatTurns))
	if a.cfg.MinEndOfTurnSilenceMs > 0 {
		q.Set("min_end_of_turn_silence_when_confident", strconv.Itoa(a.cfg.MinEndOfTurnSilenceMs))
	}
	if a.cfg.MaxTurnSilenceMs > 0 {
		q.Set("max_turn_silence", strconv.Itoa(a.cfg.MaxTurnSilenceMs))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the streaming endpoint
func (a *AssemblyAI) Connect(ctx context.Context, cfg StreamConfig) (Conn, error) {
	streamURL, err := a.streamURL(cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", a.cfg.APIKey)

	ws, resp, err := a.cfg.Dialer.DialContext(ctx, streamURL, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: AssemblyAI rejected credentials (status %d)", ErrConfigInvalid, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect to AssemblyAI: %w", err)
	}

	logger := a.logger.With().Str("session_id", cfg.SessionID).Logger()
	logger.Debug().Int("sample_rate", cfg.Format.SampleRate).Msg("Connected to AssemblyAI")

	return &assemblyAIConn{
		ws:          ws,
		formatTurns: a.cfg.FormatTurns,
		logger:      logger,
	}, nil
}

type assemblyAIConn struct {
	ws          *websocket.Conn
	formatTurns bool
	logger      zerolog.Logger
	writeMu     sync.Mutex
	closeOnce   sync.Once
	terminated  bool // Set by the reader once Termination arrives
}

func (c *assemblyAIConn) Send(chunk []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(assemblyAIWriteTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return classifyWebsocketError(err)
	}
	return nil
}

func (c *assemblyAIConn) Finish() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(assemblyAIWriteTimeout))
	return c.ws.WriteJSON(map[string]string{"type": "Terminate"})
}

func (c *assemblyAIConn) Recv() (Result, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.terminated || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return Result{}, io.EOF
			}
			return Result{}, classifyWebsocketError(err)
		}

		var msg assemblyAIMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("Error parsing AssemblyAI message")
			continue
		}

		switch msg.Type {
		case "Begin":
			c.logger.Debug().Str("provider_session", msg.ID).Int64("expires_at", msg.ExpiresAt).Msg("AssemblyAI session began")

		case "Turn":
			if msg.Transcript == "" {
				continue
			}
			final := msg.EndOfTurn && (msg.TurnIsFormatted || !c.formatTurns)
			// With formatting on, the unformatted end-of-turn is followed by a formatted copy
			if msg.EndOfTurn && !final {
				continue
			}
			return Result{
				Text:      msg.Transcript,
				Segment:   msg.TurnOrder,
				IsFinal:   final,
				Timestamp: time.Now(),
			}, nil

		case "Termination":
			c.logger.Debug().Float64("audio_seconds", msg.AudioDurationSeconds).Msg("AssemblyAI session terminated")
			c.terminated = true
			c.closeWS()
			return Result{}, io.EOF

		case "Error":
			return Result{}, fmt.Errorf("AssemblyAI error: %s", msg.Error)

		default:
			c.logger.Debug().Str("type", msg.Type).Msg("Unknown message type from AssemblyAI")
		}
	}
}

func (c *assemblyAIConn) Close() error {
	c.closeOnce.Do(func() {
		// WriteControl may run concurrently with Send
		c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(assemblyAICloseTimeout),
		)
		c.ws.Close()
	})
	return nil
}

func (c *assemblyAIConn) closeWS() {
	c.closeOnce.Do(func() {
		c.ws.Close()
	})
}

// classifyWebsocketError marks dropped connections as retryable
func classifyWebsocketError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseAbnormalClosure, websocket.CloseGoingAway,
			websocket.CloseServiceRestart, websocket.CloseTryAgainLater, websocket.CloseInternalServerErr:
			return resilience.NewRetryableError(err)
		}
		return err
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return resilience.NewRetryableError(err)
	}
	return err
}
