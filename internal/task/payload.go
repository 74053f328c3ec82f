package task

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

const MaxBatchQuestions = 10

var validate = validator.New(validator.WithRequiredStructEnabled())

type Document struct {
	ID       string            `json:"id" validate:"required,max=256"`
	Text     string            `json:"text" validate:"required"`
	Source   string            `json:"source,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type ProcessDocumentsPayload struct {
	Documents     []Document `json:"documents,omitempty" validate:"omitempty,dive"`
	Directory     string     `json:"directory,omitempty" validate:"omitempty,max=4096"`
	ClearExisting bool       `json:"clear_existing"`
	ChunkSize     int        `json:"chunk_size,omitempty" validate:"omitempty,min=1,max=20000"`
	ChunkOverlap  int        `json:"chunk_overlap,omitempty" validate:"omitempty,min=0"`
}

type AnswerQueryPayload struct {
	Question    string `json:"question" validate:"required,max=1000"`
	TopK        int    `json:"top_k,omitempty" validate:"omitempty,min=1,max=50"`
	BypassCache bool   `json:"bypass_cache,omitempty"`
}

type BatchQueryPayload struct {
	Questions   []string `json:"questions" validate:"required,min=1,max=10,dive,required,max=1000"`
	TopK        int      `json:"top_k,omitempty" validate:"omitempty,min=1,max=50"`
	BypassCache bool     `json:"bypass_cache,omitempty"`
}

type ClearIndexPayload struct {
	ClearCache bool `json:"clear_cache,omitempty"`
}

// Decode strictly unmarshals raw into T and validates it. An empty body decodes
// to the zero value before validation.
func Decode[T any](raw []byte) (T, error) {
	var v T
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&v); err != nil {
			return v, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	if err := validate.Struct(&v); err != nil {
		return v, fmt.Errorf("%w: %s", ErrInvalidInput, describe(err))
	}
	if c, ok := any(&v).(interface{ check() error }); ok {
		if err := c.check(); err != nil {
			return v, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	return v, nil
}

// ValidatePayload checks raw against the payload schema of kind.
func ValidatePayload(kind Kind, raw []byte) error {
	var err error
	switch kind {
	case KindProcessDocuments:
		_, err = Decode[ProcessDocumentsPayload](raw)
	case KindAnswerQuery:
		_, err = Decode[AnswerQueryPayload](raw)
	case KindBatchQuery:
		_, err = Decode[BatchQueryPayload](raw)
	case KindClearIndex:
		_, err = Decode[ClearIndexPayload](raw)
	default:
		return fmt.Errorf("%w: %w: %q", ErrInvalidInput, ErrUnknownKind, kind)
	}
	return err
}

func (p *ProcessDocumentsPayload) check() error {
	if p.ChunkSize > 0 && p.ChunkOverlap >= p.ChunkSize {
		return errors.New("chunk_overlap must be smaller than chunk_size")
	}
	if p.Directory != "" && !filepath.IsLocal(p.Directory) {
		return fmt.Errorf("directory %q must be a relative path inside the documents directory", p.Directory)
	}
	seen := make(map[string]bool, len(p.Documents))
	for _, d := range p.Documents {
		if seen[d.ID] {
			return fmt.Errorf("duplicate document id %q", d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}

func (p *AnswerQueryPayload) check() error {
	if strings.TrimSpace(p.Question) == "" {
		return errors.New("question must not be blank")
	}
	return nil
}

func (p *BatchQueryPayload) check() error {
	for i, q := range p.Questions {
		if strings.TrimSpace(q) == "" {
			return fmt.Errorf("questions[%d] must not be blank", i)
		}
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
