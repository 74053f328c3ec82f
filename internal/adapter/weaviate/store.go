package weaviate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"localrag/apps/backend/internal/retrieval"
)

const pageSize = 500

// Store keeps the retrieval index snapshot in Weaviate. Vectors are stored
// as given; ranking stays in the in-process engine.
type Store struct {
	client *weaviate.Client
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	return EnsureSchema(ctx, NewClientAdapter(s.client))
}

// ReplaceDocument deletes docID's objects and writes chunks in one batch.
// Weaviate has no transactions, so a failed insert leaves the document
// missing until the next successful ingest.
func (s *Store) ReplaceDocument(ctx context.Context, docID string, chunks []retrieval.Chunk) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(ClassName).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithPath([]string{"docId"}).
			WithOperator(filters.Equal).
			WithValueString(docID)).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("delete chunks of %s: %w", docID, err)
	}
	if len(chunks) == 0 {
		return nil
	}

	objects := make([]*models.Object, 0, len(chunks))
	for _, c := range chunks {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		objects = append(objects, &models.Object{
			Class: ClassName,
			ID:    strfmt.UUID(c.ID),
			Properties: map[string]interface{}{
				"docId":       c.DocID,
				"chunkIndex":  c.ChunkIndex,
				"seq":         c.Seq,
				"content":     c.Text,
				"startOffset": c.Start,
				"endOffset":   c.End,
				"metadata":    string(meta),
				"createdAt":   c.CreatedAt.UTC().Format(time.RFC3339Nano),
			},
			Vector: models.C11yVector(c.Vector),
		})
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("write chunks of %s: %w", docID, err)
	}
	var failures []string
	for _, r := range resp {
		if r.Result != nil && r.Result.Errors != nil {
			for _, e := range r.Result.Errors.Error {
				failures = append(failures, e.Message)
			}
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("write chunks of %s: %s", docID, strings.Join(failures, "; "))
	}
	return nil
}

// Clear drops the class and recreates it empty.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.client.Schema().ClassDeleter().WithClassName(ClassName).Do(ctx); err != nil {
		return fmt.Errorf("delete class: %w", err)
	}
	return s.EnsureSchema(ctx)
}

// Load pages through every object with the cursor API and returns the chunks
// in insertion order.
func (s *Store) Load(ctx context.Context) ([]retrieval.Chunk, error) {
	fields := []graphql.Field{
		{Name: "docId"},
		{Name: "chunkIndex"},
		{Name: "seq"},
		{Name: "content"},
		{Name: "startOffset"},
		{Name: "endOffset"},
		{Name: "metadata"},
		{Name: "createdAt"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "vector"}}},
	}

	var chunks []retrieval.Chunk
	after := ""
	for {
		q := s.client.GraphQL().Get().
			WithClassName(ClassName).
			WithLimit(pageSize).
			WithFields(fields...)
		if after != "" {
			q = q.WithAfter(after)
		}
		res, err := q.Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("load chunks: %w", err)
		}
		if len(res.Errors) > 0 {
			return nil, fmt.Errorf("graphql error: %s", res.Errors[0].Message)
		}

		page := decodePage(res.Data)
		for _, c := range page {
			chunks = append(chunks, c)
			after = c.ID
		}
		if len(page) < pageSize {
			break
		}
	}

	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Seq < chunks[j].Seq })
	return chunks, nil
}

func decodePage(data map[string]models.JSONObject) []retrieval.Chunk {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := get[ClassName].([]interface{})
	if !ok {
		return nil
	}

	out := make([]retrieval.Chunk, 0, len(raw))
	for _, item := range raw {
		props, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		c := retrieval.Chunk{
			DocID:      stringProp(props, "docId"),
			ChunkIndex: int(numberProp(props, "chunkIndex")),
			Seq:        int64(numberProp(props, "seq")),
			Text:       stringProp(props, "content"),
			Start:      int(numberProp(props, "startOffset")),
			End:        int(numberProp(props, "endOffset")),
		}
		if meta := stringProp(props, "metadata"); meta != "" && meta != "null" {
			_ = json.Unmarshal([]byte(meta), &c.Metadata)
		}
		if ts, err := time.Parse(time.RFC3339Nano, stringProp(props, "createdAt")); err == nil {
			c.CreatedAt = ts
		}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			c.ID, _ = additional["id"].(string)
			if vec, ok := additional["vector"].([]interface{}); ok {
				c.Vector = make([]float32, 0, len(vec))
				for _, v := range vec {
					f, _ := v.(float64)
					c.Vector = append(c.Vector, float32(f))
				}
			}
		}
		out = append(out, c)
	}
	return out
}

func stringProp(props map[string]interface{}, name string) string {
	s, _ := props[name].(string)
	return s
}

func numberProp(props map[string]interface{}, name string) float64 {
	f, _ := props[name].(float64)
	return f
}
