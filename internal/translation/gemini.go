package translation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"
)

const (
	defaultGeminiModel   = "gemini-2.5-flash-lite"
	defaultGeminiHistory = 8
)

// Replies that mean the model declined rather than translated
var geminiRefusals = map[string]bool{
	"error":               true,
	"failed":              true,
	"unable to translate": true,
	"translation failed":  true,
}

// geminiGenerator is the slice of the genai client the provider needs
type geminiGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// geminiTurn is one translated exchange kept as conversation context
type geminiTurn struct {
	source      string
	translation string
}

// GeminiProvider translates with a Gemini model. Each session and target
// pair keeps its last few exchanges so terminology stays consistent across
// utterances; EndSession drops them.
type GeminiProvider struct {
	models     geminiGenerator
	model      string
	maxHistory int

	mu      sync.Mutex
	history map[string][]geminiTurn
}

// NewGeminiProvider creates a Gemini provider backed by the Gemini API
func NewGeminiProvider(ctx context.Context, apiKey, model string, maxHistory int) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return newGeminiProvider(client.Models, model, maxHistory), nil
}

func newGeminiProvider(models geminiGenerator, model string, maxHistory int) *GeminiProvider {
	if model == "" {
		model = defaultGeminiModel
	}
	if maxHistory <= 0 {
		maxHistory = defaultGeminiHistory
	}
	return &GeminiProvider{
		models:     models,
		model:      model,
		maxHistory: maxHistory,
		history:    make(map[string][]geminiTurn),
	}
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return "gemini"
}

func geminiKey(session, target string) string {
	return session + "\x00" + target
}

func geminiInstruction(target string) string {
	return fmt.Sprintf(`You are a professional live interpreter translating speech transcripts into %s.
Rules:
- Keep the original meaning and tone.
- Reply with the translation only, no explanations.
- If the text is cut off, translate what is there without adding content.
- Keep terminology consistent with earlier turns.`, target)
}

// Translate sends text along with the session's recent exchanges
func (p *GeminiProvider) Translate(ctx context.Context, req Request) (Response, error) {
	key := geminiKey(req.Session, req.Target)

	p.mu.Lock()
	past := append([]geminiTurn(nil), p.history[key]...)
	p.mu.Unlock()

	contents := make([]*genai.Content, 0, 2*len(past)+1)
	for _, turn := range past {
		contents = append(contents,
			genai.NewContentFromText(turn.source, genai.RoleUser),
			genai.NewContentFromText(turn.translation, genai.RoleModel),
		)
	}
	contents = append(contents, genai.NewContentFromText(req.Text, genai.RoleUser))

	resp, err := p.models.GenerateContent(ctx, p.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(geminiInstruction(req.Target), genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.1),
	})
	if err != nil {
		return Response{}, classifyGeminiError(err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" || geminiRefusals[strings.ToLower(text)] {
		return Response{}, fmt.Errorf("gemini returned no usable translation (%q)", text)
	}

	// Sessionless calls share nothing
	if req.Session != "" {
		p.remember(key, geminiTurn{source: req.Text, translation: text})
	}
	return Response{Text: text}, nil
}

func (p *GeminiProvider) remember(key string, turn geminiTurn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	turns := append(p.history[key], turn)
	if len(turns) > p.maxHistory {
		turns = turns[len(turns)-p.maxHistory:]
	}
	p.history[key] = turns
}

// EndSession forgets every target's context for session
func (p *GeminiProvider) EndSession(session string) {
	prefix := session + "\x00"

	p.mu.Lock()
	defer p.mu.Unlock()
	for key := range p.history {
		if strings.HasPrefix(key, prefix) {
			delete(p.history, key)
		}
	}
}

// Sessions returns the number of session and target pairs holding context
func (p *GeminiProvider) Sessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.history)
}

func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("gemini status %d: %s", apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("gemini request failed: %w", err)
}
