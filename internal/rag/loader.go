package rag

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"localrag/apps/backend/internal/retrieval"
	"localrag/apps/backend/internal/task"
	"localrag/apps/backend/internal/text"
)

const documentExt = ".txt"

// DirectoryLoader reads plain-text documents from a directory under its root.
// Only regular *.txt files directly inside that directory are considered.
type DirectoryLoader struct {
	root string
}

func NewDirectoryLoader(root string) *DirectoryLoader {
	if root == "" {
		root = "."
	}
	return &DirectoryLoader{root: root}
}

func (l *DirectoryLoader) resolve(dir string) string {
	if dir == "" {
		return l.root
	}
	return filepath.Join(l.root, dir)
}

// Load returns one document per file, ordered by file name. dir must be a
// local path relative to the root; reads go through os.Root, so symlinks
// cannot leave it either. A missing directory yields no documents.
func (l *DirectoryLoader) Load(dir string) ([]retrieval.Document, error) {
	sub := "."
	if dir != "" {
		if !filepath.IsLocal(dir) {
			return nil, task.Permanent(fmt.Errorf("%w: directory %q is outside the documents directory", task.ErrInvalidInput, dir))
		}
		sub = filepath.Clean(dir)
	}
	path := l.resolve(dir)

	root, err := os.OpenRoot(l.root)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("documents directory does not exist", "path", l.root)
		return nil, nil
	}
	if err != nil {
		return nil, task.Permanent(fmt.Errorf("%w: open %s: %v", task.ErrInvalidInput, l.root, err))
	}
	defer root.Close()

	entries, err := readDir(root, sub)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("documents directory does not exist", "path", path)
		return nil, nil
	}
	if err != nil {
		return nil, task.Permanent(fmt.Errorf("%w: read %s: %v", task.ErrInvalidInput, path, err))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var docs []retrieval.Document
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.EqualFold(filepath.Ext(e.Name()), documentExt) {
			continue
		}
		full := filepath.Join(path, e.Name())
		b, err := root.ReadFile(filepath.Join(sub, e.Name()))
		if err != nil {
			slog.Warn("skipping unreadable document", "path", full, "error", err)
			continue
		}
		if !utf8.Valid(b) {
			slog.Warn("skipping non utf-8 document", "path", full)
			continue
		}
		docs = append(docs, retrieval.Document{
			ID:     e.Name(),
			Text:   string(b),
			Source: full,
			Metadata: map[string]string{
				"filename": e.Name(),
				"size":     strconv.Itoa(len(b)),
			},
		})
	}
	return docs, nil
}

func readDir(root *os.Root, name string) ([]fs.DirEntry, error) {
	f, err := root.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.ReadDir(-1)
}

type DirectoryStats struct {
	Path            string `json:"path"`
	TotalDocuments  int    `json:"total_documents"`
	TotalCharacters int    `json:"total_characters"`
	EstimatedChunks int    `json:"estimated_chunks"`
	ChunkSize       int    `json:"chunk_size"`
	ChunkOverlap    int    `json:"chunk_overlap"`
}

// Stats summarises what Load would return and how many chunks it would
// produce with the given strategy.
func (l *DirectoryLoader) Stats(dir string, strategy text.Strategy, size, overlap int) (DirectoryStats, error) {
	docs, err := l.Load(dir)
	if err != nil {
		return DirectoryStats{}, err
	}
	st := DirectoryStats{Path: l.resolve(dir), TotalDocuments: len(docs), ChunkSize: size, ChunkOverlap: overlap}
	for _, d := range docs {
		st.TotalCharacters += utf8.RuneCountInString(d.Text)
		st.EstimatedChunks += len(text.Chunk(strategy, d.Text, size, overlap))
	}
	return st, nil
}
