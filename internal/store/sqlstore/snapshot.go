package sqlstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"localrag/apps/backend/internal/retrieval"
)

// Snapshots returns the retrieval.SnapshotStore view backed by index_chunks.
func (s *Store) Snapshots() *SnapshotStore {
	return &SnapshotStore{s: s}
}

type SnapshotStore struct {
	s *Store
}

var (
	_ retrieval.SnapshotStore      = (*SnapshotStore)(nil)
	_ retrieval.BatchSnapshotStore = (*SnapshotStore)(nil)
)

// ReplaceDocument swaps every persisted chunk of docID for chunks in one
// transaction.
func (ss *SnapshotStore) ReplaceDocument(ctx context.Context, docID string, chunks []retrieval.Chunk) error {
	return ss.ApplyBatch(ctx, false, []retrieval.DocumentChunks{{DocID: docID, Chunks: chunks}})
}

// ApplyBatch replaces each document's chunks, after emptying the table when
// replaceAll is set, in a single transaction.
func (ss *SnapshotStore) ApplyBatch(ctx context.Context, replaceAll bool, docs []retrieval.DocumentChunks) error {
	return ss.s.retry(ctx, func() error {
		return ss.apply(ctx, replaceAll, docs)
	})
}

func (ss *SnapshotStore) apply(ctx context.Context, replaceAll bool, docs []retrieval.DocumentChunks) error {
	tx, err := ss.s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	if replaceAll {
		if _, err := tx.ExecContext(ctx, `DELETE FROM index_chunks`); err != nil {
			return unavailable(err)
		}
	}
	remove := ss.s.rebind(`DELETE FROM index_chunks WHERE doc_id = ?`)
	insert := ss.s.rebind(`INSERT INTO index_chunks
		(id, doc_id, chunk_index, seq, content, start_offset, end_offset, vector, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, d := range docs {
		if !replaceAll {
			if _, err := tx.ExecContext(ctx, remove, d.DocID); err != nil {
				return unavailable(err)
			}
		}
		for _, c := range d.Chunks {
			meta, err := json.Marshal(c.Metadata)
			if err != nil {
				return fmt.Errorf("encode chunk metadata: %w", err)
			}
			if c.Metadata == nil {
				meta = []byte("{}")
			}
			created := c.CreatedAt
			if created.IsZero() {
				created = ss.s.now()
			}
			if _, err := tx.ExecContext(ctx, insert, c.ID, c.DocID, c.ChunkIndex, c.Seq, c.Text, c.Start, c.End,
				encodeVector(c.Vector), string(meta), created.UnixMilli()); err != nil {
				return unavailable(err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (ss *SnapshotStore) Clear(ctx context.Context) error {
	if _, err := ss.s.exec(ctx, `DELETE FROM index_chunks`); err != nil {
		return unavailable(err)
	}
	return nil
}

// Load returns every persisted chunk in insertion order.
func (ss *SnapshotStore) Load(ctx context.Context) ([]retrieval.Chunk, error) {
	rows, err := ss.s.query(ctx, `SELECT id, doc_id, chunk_index, seq, content, start_offset, end_offset,
		vector, metadata, created_at FROM index_chunks ORDER BY seq ASC`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var chunks []retrieval.Chunk
	for rows.Next() {
		var (
			c       retrieval.Chunk
			vec     []byte
			meta    string
			created int64
		)
		if err := rows.Scan(&c.ID, &c.DocID, &c.ChunkIndex, &c.Seq, &c.Text, &c.Start, &c.End,
			&vec, &meta, &created); err != nil {
			return nil, unavailable(err)
		}
		c.Vector, err = decodeVector(vec)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", c.ID, err)
		}
		if meta != "" && meta != "{}" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
				return nil, fmt.Errorf("chunk %s metadata: %w", c.ID, err)
			}
		}
		c.CreatedAt = fromMillis(created)
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return chunks, nil
}

// encodeVector packs v as little-endian float32s.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
