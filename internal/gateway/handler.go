// Package gateway exposes sessions to clients over WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/transcript-gateway/internal/audio"
	"github.com/lexiqai/transcript-gateway/internal/observability"
	"github.com/lexiqai/transcript-gateway/internal/registry"
	"github.com/lexiqai/transcript-gateway/internal/session"
	"github.com/lexiqai/transcript-gateway/internal/stream"
	"github.com/lexiqai/transcript-gateway/internal/stt"
)

const (
	defaultSampleRate = 16000
	connectTimeout    = 10 * time.Second
	writeTimeout      = 5 * time.Second
	maxMessageSize    = 1 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Authentication and origin policy live in front of the gateway
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// ClientMessage is a text frame from the client
type ClientMessage struct {
	Type string `json:"type"`
}

// HandlerConfig holds the handler defaults
type HandlerConfig struct {
	DefaultTarget string // Used when the client sends no target_language
}

// ClientSession holds the state of one client connection
type ClientSession struct {
	conn     *websocket.Conn
	registry *registry.Registry
	stream   *stream.Stream

	correlationID string
	logger        zerolog.Logger

	writerDone chan struct{}
}

// HandleStreamWS is the entry point for client WebSocket connections
func HandleStreamWS(reg *registry.Registry, hcfg HandlerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Upgrade HTTP connection to WebSocket
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger := observability.GetLogger()
			logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}
		defer conn.Close()
		conn.SetReadLimit(maxMessageSize)

		correlationID := observability.NewCorrelationID()
		logger := observability.WithCorrelationID(correlationID).With().Str("component", "gateway").Logger()

		id, cfg, err := parseSessionRequest(r, hcfg)
		if err != nil {
			logger.Info().Err(err).Msg("Rejected session request")
			rejectSession(conn, err.Error())
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), connectTimeout)
		st, err := reg.Create(ctx, id, cfg)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Str("session_id", id).Msg("Session setup failed")
			rejectSession(conn, setupErrorMessage(err))
			return
		}

		cs := &ClientSession{
			conn:          conn,
			registry:      reg,
			stream:        st,
			correlationID: correlationID,
			logger:        logger.With().Str("session_id", st.ID()).Logger(),
			writerDone:    make(chan struct{}),
		}
		cs.logger.Info().
			Str("target_language", cfg.TargetLanguage).
			Str("format", cfg.Format.String()).
			Msg("New client WebSocket connection established")

		go cs.processOutgoingMessages()
		cs.processIncomingMessages()

		// No-op when the session already closed itself
		reg.RemoveWithReason(st.ID(), stream.ReasonClientGone)
		<-cs.writerDone
		cs.logger.Info().Msg("Client connection closed")
	}
}

// parseSessionRequest reads session_id, target_language, sample_rate,
// encoding and language from the query string
func parseSessionRequest(r *http.Request, hcfg HandlerConfig) (string, session.Config, error) {
	q := r.URL.Query()

	enc, err := audio.ParseEncoding(q.Get("encoding"))
	if err != nil {
		return "", session.Config{}, err
	}

	rate := defaultSampleRate
	if v := q.Get("sample_rate"); v != "" {
		rate, err = strconv.Atoi(v)
		if err != nil {
			return "", session.Config{}, fmt.Errorf("%w: sample_rate %q", audio.ErrUnsupportedFormat, v)
		}
	}

	format := audio.Format{Encoding: enc, SampleRate: rate}
	if err := format.Validate(); err != nil {
		return "", session.Config{}, err
	}

	target := strings.TrimSpace(q.Get("target_language"))
	if target == "" {
		target = hcfg.DefaultTarget
	}

	return strings.TrimSpace(q.Get("session_id")), session.Config{
		TargetLanguage: target,
		Format:         format,
		Language:       strings.TrimSpace(q.Get("language")),
	}, nil
}

func setupErrorMessage(err error) string {
	switch {
	case errors.Is(err, registry.ErrAlreadyExists):
		return "session already exists"
	case errors.Is(err, stt.ErrConfigInvalid):
		return "invalid stream configuration"
	case errors.Is(err, stt.ErrProviderUnavailable):
		return "transcription provider unavailable"
	}
	return "session setup failed"
}

// rejectSession sends an error message and closes the connection
func rejectSession(conn *websocket.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(stream.NewError(message)); err != nil {
		return
	}
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message),
		time.Now().Add(time.Second),
	)
}

// processIncomingMessages handles audio and control frames until the client
// goes away or the connection is closed by the writer
func (s *ClientSession) processIncomingMessages() {
	for {
		mt, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			s.handleAudio(message)

		case websocket.TextMessage:
			var msg ClientMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to parse client message")
				continue
			}
			switch msg.Type {
			case "end":
				s.logger.Info().Msg("Client requested end of session")
				s.stream.End()
			default:
				s.logger.Debug().Str("type", msg.Type).Msg("Unknown client message")
			}
		}
	}
}

func (s *ClientSession) handleAudio(frame []byte) {
	err := s.stream.SendAudio(frame)
	switch {
	case err == nil:
	case errors.Is(err, stt.ErrBackpressure):
		s.logger.Debug().Int("bytes", len(frame)).Msg("Audio frame dropped")
	case errors.Is(err, stream.ErrNotStreaming), errors.Is(err, stt.ErrStreamClosed):
		// Ending; late frames are discarded
	default:
		s.logger.Warn().Err(err).Msg("Error sending audio")
	}
}

// processOutgoingMessages is the only writer on the connection
func (s *ClientSession) processOutgoingMessages() {
	defer close(s.writerDone)

	failed := false
	for msg := range s.stream.Messages() {
		if failed {
			continue
		}
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteJSON(msg); err != nil {
			s.logger.Warn().Err(err).Str("type", msg.Type).Msg("Error writing to client")
			failed = true
			// Wakes the reader, which removes the session
			s.conn.Close()
		}
	}

	if !failed {
		s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
			time.Now().Add(time.Second),
		)
	}
	s.conn.Close()
}
