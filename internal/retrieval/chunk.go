package retrieval

import "time"

// Chunk is one indexed segment of a document. Vectors are stored
// L2-normalised so a dot product is the cosine similarity.
type Chunk struct {
	ID         string            `json:"id"`
	DocID      string            `json:"doc_id"`
	ChunkIndex int               `json:"chunk_index"`
	Seq        int64             `json:"seq"`
	Text       string            `json:"text"`
	Start      int               `json:"start"`
	End        int               `json:"end"`
	Vector     []float32         `json:"-"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
