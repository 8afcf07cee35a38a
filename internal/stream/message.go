package stream

import (
	"time"

	"github.com/lexiqai/transcript-gateway/internal/stt"
	"github.com/lexiqai/transcript-gateway/internal/translation"
)

// Message types sent to the client
const (
	TypeConnected      = "connected"
	TypeLiveTranscript = "live_transcript"
	TypeSessionClosed  = "session_closed"
	TypeError          = "error"
)

// Message is the envelope for every client-bound JSON message
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Connected is sent once the session is streaming
type Connected struct {
	SessionID          string `json:"session_id"`
	SampleRate         int    `json:"sample_rate"`
	Encoding           string `json:"encoding"`
	TargetLanguage     string `json:"target_language"`
	TranslationEnabled bool   `json:"translation_enabled"`
}

// LiveTranscript carries one transcript event and its translation outcome
type LiveTranscript struct {
	Text                   string  `json:"text"`
	TextTranslated         *string `json:"text_translated"`
	TargetLanguage         string  `json:"target_language"`
	SourceLanguageDetected *string `json:"source_language_detected"`
	TranslationStatus      string  `json:"translation_status"`
	Timestamp              string  `json:"timestamp"`
	SessionID              string  `json:"session_id"`
	IsFinal                bool    `json:"is_final"`

	Seq               uint64 `json:"-"`
	TranslationReason string `json:"-"`
}

// SessionClosed is the terminal message of a session
type SessionClosed struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
	Error     string `json:"error,omitempty"`
}

// ErrorData reports a rejected request
type ErrorData struct {
	Message string `json:"message"`
}

// NewError builds an error message
func NewError(message string) Message {
	return Message{Type: TypeError, Data: ErrorData{Message: message}}
}

func newLiveTranscript(sessionID, target string, ev stt.Event, res translation.Result) Message {
	lt := LiveTranscript{
		Text:              ev.Text,
		TargetLanguage:    target,
		TranslationStatus: string(res.Status),
		Timestamp:         ev.Timestamp.UTC().Format(time.RFC3339Nano),
		SessionID:         sessionID,
		IsFinal:           ev.IsFinal,
		Seq:               ev.Seq,
		TranslationReason: res.Reason,
	}
	if res.Status == translation.StatusSuccess {
		text := res.Text
		lt.TextTranslated = &text
	}
	if res.DetectedSource != "" {
		src := res.DetectedSource
		lt.SourceLanguageDetected = &src
	}
	return Message{Type: TypeLiveTranscript, Data: lt}
}
