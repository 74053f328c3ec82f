package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"localrag/apps/backend/internal/settings"
)

const DefaultGenerationModel = "gemini-1.5-flash"

// Generator is the shape shared by every answer generator.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// DynamicGenerator reads the API key and model from settings on every call so
// a key saved at runtime takes effect without a restart. Without a key it
// delegates to fallback.
type DynamicGenerator struct {
	settingsSvc *settings.Service
	fallback    Generator
	client      *genai.Client
	currentKey  string
	mu          sync.RWMutex
	clientOpts  []option.ClientOption
}

func NewDynamicGenerator(svc *settings.Service, fallback Generator, opts ...option.ClientOption) *DynamicGenerator {
	return &DynamicGenerator{
		settingsSvc: svc,
		fallback:    fallback,
		clientOpts:  opts,
	}
}

func (g *DynamicGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	s, err := g.settingsSvc.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get settings: %w", err)
	}

	if s.GeminiAPIKey == "" {
		if g.fallback == nil {
			return "", fmt.Errorf("gemini api key not configured")
		}
		return g.fallback.Generate(ctx, prompt)
	}

	client, err := g.getClient(ctx, s.GeminiAPIKey)
	if err != nil {
		return "", err
	}

	name := s.GenerationModel
	if name == "" {
		name = DefaultGenerationModel
	}
	model := client.GenerativeModel(name)
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		slog.ErrorContext(ctx, "generation failed", "model", name, "error", err)
		return "", classify(fmt.Errorf("generate content: %w", err))
	}

	text := responseText(resp)
	if text == "" {
		return "", fmt.Errorf("empty generation received")
	}
	return text, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return strings.TrimSpace(b.String())
}

func (g *DynamicGenerator) getClient(ctx context.Context, key string) (*genai.Client, error) {
	g.mu.RLock()
	if g.client != nil && g.currentKey == key {
		defer g.mu.RUnlock()
		return g.client, nil
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client != nil && g.currentKey == key {
		return g.client, nil
	}

	if g.client != nil {
		if err := g.client.Close(); err != nil {
			slog.Warn("failed to close previous genai client", "error", err)
		}
	}

	opts := append(append([]option.ClientOption(nil), g.clientOpts...), option.WithAPIKey(key))
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	g.client = client
	g.currentKey = key
	return client, nil
}

func (g *DynamicGenerator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil
	}
	err := g.client.Close()
	g.client = nil
	g.currentKey = ""
	return err
}
