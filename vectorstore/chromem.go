package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

var errPrecomputedOnly = errors.New("vectorstore: chromem collections only accept precomputed embeddings")

// chromemBackend keeps vectors in an embedded chromem-go database, optionally
// persisted to a directory.
type chromemBackend struct {
	db   *chromem.DB
	path string

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	dimensions  map[string]int
}

var _ backend = (*chromemBackend)(nil)

func newChromemBackend(path string) (*chromemBackend, error) {
	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		persistent, err := chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("vectorstore: open chromem db at %s: %w", path, err)
		}
		db = persistent
	}
	return &chromemBackend{
		db:          db,
		path:        path,
		collections: make(map[string]*chromem.Collection),
		dimensions:  make(map[string]int),
	}, nil
}

func rejectEmbedding(context.Context, string) ([]float32, error) {
	return nil, errPrecomputedOnly
}

func (b *chromemBackend) Name() string { return "chromem" }

func (b *chromemBackend) Target() string {
	if b.path == "" {
		return "memory"
	}
	return "file://" + b.path
}

func (b *chromemBackend) Ping(context.Context) error {
	if b.db == nil {
		return ErrDisconnected
	}
	return nil
}

func (b *chromemBackend) EnsureCollection(_ context.Context, name string, dimension int) error {
	if dimension <= 0 {
		return errors.New("vectorstore: vector size must be positive")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.collections[name]; ok {
		return nil
	}
	col, err := b.db.GetOrCreateCollection(name, map[string]string{
		"dimension": strconv.Itoa(dimension),
		"distance":  "cosine",
	}, rejectEmbedding)
	if err != nil {
		return fmt.Errorf("vectorstore: create chromem collection %s: %w", name, err)
	}
	b.collections[name] = col
	b.dimensions[name] = dimension
	return nil
}

func (b *chromemBackend) collection(name string) (*chromem.Collection, int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	col, ok := b.collections[name]
	if !ok {
		return nil, 0, fmt.Errorf("vectorstore: chromem collection %s is not initialized", name)
	}
	return col, b.dimensions[name], nil
}

func (b *chromemBackend) ListCollections(context.Context) ([]string, error) {
	all := b.db.ListCollections()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (b *chromemBackend) Upsert(ctx context.Context, collection string, records []ChunkRecord) error {
	col, _, err := b.collection(collection)
	if err != nil {
		return err
	}
	docs := make([]chromem.Document, len(records))
	for i, record := range records {
		docs[i] = chromem.Document{
			ID:        record.ID,
			Content:   record.Text,
			Embedding: record.Embedding,
			Metadata: map[string]string{
				"document_id": record.DocumentID,
				"chunk_id":    record.ChunkID,
				"metadata":    record.Metadata,
			},
		}
	}
	return col.AddDocuments(ctx, docs, runtime.NumCPU())
}

// Query runs one filtered query per document because chromem's where clause
// only supports exact matches. Results are merged by the caller.
func (b *chromemBackend) Query(ctx context.Context, collection string, vector []float32, limit int, cutoff float64, documentIDs []string) ([]ScoredChunk, error) {
	col, _, err := b.collection(collection)
	if err != nil {
		return nil, err
	}

	filters := []map[string]string{nil}
	if len(documentIDs) > 0 {
		filters = make([]map[string]string, 0, len(documentIDs))
		for _, id := range documentIDs {
			filters = append(filters, map[string]string{"document_id": id})
		}
	}

	var results []ScoredChunk
	for _, where := range filters {
		n := limit
		if count := col.Count(); n > count {
			n = count
		}
		if n <= 0 {
			return nil, nil
		}
		hits, err := col.QueryEmbedding(ctx, vector, n, where, nil)
		if err != nil {
			return nil, fmt.Errorf("vectorstore: chromem query: %w", err)
		}
		for _, hit := range hits {
			score := float64(hit.Similarity)
			if score < cutoff {
				continue
			}
			results = append(results, ScoredChunk{
				StoredChunk: storedChunkFromChromem(hit.ID, hit.Content, hit.Metadata),
				Score:       score,
			})
		}
	}
	return results, nil
}

func (b *chromemBackend) DeleteByDocument(ctx context.Context, collection string, documentID string) error {
	col, _, err := b.collection(collection)
	if err != nil {
		return err
	}
	return col.Delete(ctx, map[string]string{"document_id": documentID}, nil)
}

func (b *chromemBackend) DeletePoints(ctx context.Context, collection string, ids []string) error {
	col, _, err := b.collection(collection)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return col.Delete(ctx, nil, nil, ids...)
}

// Scroll has no native equivalent in chromem, so it queries with a unit
// vector and a limit equal to the collection size, filtered to the document.
func (b *chromemBackend) Scroll(ctx context.Context, collection string, documentID string) ([]StoredChunk, error) {
	col, dimension, err := b.collection(collection)
	if err != nil {
		return nil, err
	}
	count := col.Count()
	if count == 0 || dimension <= 0 {
		return nil, nil
	}
	axis := make([]float32, dimension)
	axis[0] = 1
	hits, err := col.QueryEmbedding(ctx, axis, count, map[string]string{"document_id": documentID}, nil)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: chromem scroll: %w", err)
	}
	chunks := make([]StoredChunk, 0, len(hits))
	for _, hit := range hits {
		chunks = append(chunks, storedChunkFromChromem(hit.ID, hit.Content, hit.Metadata))
	}
	return chunks, nil
}

func (b *chromemBackend) Count(_ context.Context, collection string) (int64, error) {
	col, _, err := b.collection(collection)
	if err != nil {
		col = b.db.GetCollection(collection, rejectEmbedding)
		if col == nil {
			return 0, err
		}
	}
	return int64(col.Count()), nil
}

func (b *chromemBackend) Close() error { return nil }

func storedChunkFromChromem(id, content string, metadata map[string]string) StoredChunk {
	chunk := StoredChunk{
		ID:         id,
		Text:       content,
		DocumentID: metadata["document_id"],
		ChunkID:    metadata["chunk_id"],
		Metadata:   metadata["metadata"],
	}
	if chunk.ChunkID == "" {
		chunk.ChunkID = id
	}
	return chunk
}
