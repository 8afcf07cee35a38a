package translation

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	translate "google.golang.org/api/translate/v2"

	"github.com/lexiqai/transcript-gateway/internal/resilience"
)

// GoogleProvider calls the Cloud Translation v2 REST API
type GoogleProvider struct {
	service *translate.Service
	model   string
}

// NewGoogleProvider creates a provider authenticated with an API key.
// Extra client options (endpoint, HTTP client) are appended after the key.
func NewGoogleProvider(ctx context.Context, apiKey, model string, opts ...option.ClientOption) (*GoogleProvider, error) {
	if apiKey == "" {
		return nil, errors.New("google translate: API key is required")
	}

	clientOpts := append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	service, err := translate.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("google translate: failed to create service: %w", err)
	}

	return &GoogleProvider{service: service, model: model}, nil
}

func (p *GoogleProvider) Name() string {
	return "google"
}

// Translate sends one text in plain-text format
func (p *GoogleProvider) Translate(ctx context.Context, req Request) (Response, error) {
	call := p.service.Translations.List([]string{req.Text}, req.Target).Format("text").Context(ctx)
	if req.Source != "" {
		call = call.Source(req.Source)
	}
	if p.model != "" {
		call = call.Model(p.model)
	}

	resp, err := call.Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && (apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500) {
			return Response{}, resilience.NewRetryableError(fmt.Errorf("google translate: %w", err))
		}
		return Response{}, fmt.Errorf("google translate: %w", err)
	}
	if len(resp.Translations) == 0 {
		return Response{}, errors.New("google translate: empty response")
	}

	t := resp.Translations[0]
	return Response{
		Text:           html.UnescapeString(t.TranslatedText),
		DetectedSource: t.DetectedSourceLanguage,
	}, nil
}
