package translation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lexiqai/transcript-gateway/internal/resilience"
)

const maxResponseBytes = 1 << 20

// HTTPProvider posts JSON to a self-hosted translation endpoint
type HTTPProvider struct {
	url         string
	model       string
	headerName  string
	headerValue string
	client      *http.Client
}

type httpRequest struct {
	Text           string `json:"text"`
	TargetLanguage string `json:"target_language"`
	SourceLanguage string `json:"source_language,omitempty"`
	Model          string `json:"model,omitempty"`
}

type httpResponse struct {
	TranslatedText string `json:"translated_text"`
	Translation    string `json:"translation"`
	Text           string `json:"text"`
	SourceLanguage string `json:"source_language"`
	DetectedSource string `json:"detected_source_language"`
}

// NewHTTPProvider creates a provider for url. authHeader is an optional
// "Header-Name: value" pair sent with every request.
func NewHTTPProvider(url, model, authHeader string, client *http.Client) (*HTTPProvider, error) {
	if url == "" {
		return nil, errors.New("http translation: URL is required")
	}
	if client == nil {
		client = http.DefaultClient
	}

	p := &HTTPProvider{url: url, model: model, client: client}
	if authHeader != "" {
		name, value, ok := strings.Cut(authHeader, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("http translation: auth header must be \"Name: value\", got %q", authHeader)
		}
		p.headerName = strings.TrimSpace(name)
		p.headerValue = strings.TrimSpace(value)
	}
	return p, nil
}

func (p *HTTPProvider) Name() string {
	return "http"
}

func (p *HTTPProvider) Translate(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(httpRequest{
		Text:           req.Text,
		TargetLanguage: req.Target,
		SourceLanguage: req.Source,
		Model:          p.model,
	})
	if err != nil {
		return Response{}, fmt.Errorf("http translation: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("http translation: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.headerName != "" {
		httpReq.Header.Set(p.headerName, p.headerValue)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("http translation: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, fmt.Errorf("http translation: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("http translation: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return Response{}, resilience.NewRetryableError(err)
		}
		return Response{}, err
	}

	var parsed httpResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Response{}, fmt.Errorf("http translation: decode response: %w", err)
	}

	text := parsed.TranslatedText
	if text == "" {
		text = parsed.Translation
	}
	if text == "" {
		text = parsed.Text
	}
	detected := parsed.DetectedSource
	if detected == "" {
		detected = parsed.SourceLanguage
	}

	return Response{Text: strings.TrimSpace(text), DetectedSource: detected}, nil
}
