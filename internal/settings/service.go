package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var ErrInvalidSettings = errors.New("invalid settings")

var validate = validator.New()

// Settings are the runtime-editable generation options. An empty key means the
// offline embedder and generator are used.
type Settings struct {
	GeminiAPIKey    string `json:"gemini_api_key" validate:"omitempty,min=8,max=256"`
	GenerationModel string `json:"generation_model" validate:"omitempty,max=128"`
}

type Repository interface {
	Get(ctx context.Context) (*Settings, error)
	Update(ctx context.Context, s *Settings) error
}

type Service struct {
	repo     Repository
	defaults Settings
}

// NewService returns a Service whose Get fills empty fields from defaults,
// usually the values loaded from the environment.
func NewService(repo Repository, defaults Settings) *Service {
	return &Service{repo: repo, defaults: defaults}
}

func (s *Service) Get(ctx context.Context) (*Settings, error) {
	stored, err := s.repo.Get(ctx)
	if err != nil {
		return nil, err
	}
	out := *stored
	if out.GeminiAPIKey == "" {
		out.GeminiAPIKey = s.defaults.GeminiAPIKey
	}
	if out.GenerationModel == "" {
		out.GenerationModel = s.defaults.GenerationModel
	}
	return &out, nil
}

// Update stores set. A masked key, as returned by Masked, keeps the stored key.
func (s *Service) Update(ctx context.Context, set *Settings) error {
	if err := validate.Struct(set); err != nil && !isMasked(set.GeminiAPIKey) {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	next := *set
	if isMasked(next.GeminiAPIKey) {
		current, err := s.repo.Get(ctx)
		if err != nil {
			return err
		}
		next.GeminiAPIKey = current.GeminiAPIKey
	}
	return s.repo.Update(ctx, &next)
}

// Masked returns a copy safe to send to clients.
func (s Settings) Masked() Settings {
	if s.GeminiAPIKey == "" {
		return s
	}
	key := s.GeminiAPIKey
	tail := ""
	if len(key) > 8 {
		tail = key[len(key)-4:]
	}
	s.GeminiAPIKey = maskPrefix + tail
	return s
}

const maskPrefix = "****"

func isMasked(key string) bool {
	return strings.HasPrefix(key, maskPrefix)
}
