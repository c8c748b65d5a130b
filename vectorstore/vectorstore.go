// Package vectorstore persists chunk embeddings and answers similarity
// queries. One Store type carries the shared contract (validation, cutoff
// relaxation, connection handling) on top of a pluggable backend chosen at
// startup: a Qdrant server or an embedded chromem-go database.
package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"ragdesk_back/config"
)

var (
	ErrNoValidRecords = errors.New("vectorstore: no valid records to insert")
	ErrDisconnected   = errors.New("vectorstore: not connected")
)

const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// ChunkRecord is one embedded chunk as written to the store.
type ChunkRecord struct {
	ID         string
	DocumentID string
	ChunkID    string
	Text       string
	// Metadata is a JSON object serialized as a string.
	Metadata  string
	Embedding []float32
}

// StoredChunk is a chunk read back from the store without its vector.
type StoredChunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	ChunkID    string `json:"chunk_id"`
	Text       string `json:"text"`
	Metadata   string `json:"metadata,omitempty"`
	ChunkIndex int    `json:"chunk_index"`
}

// ScoredChunk is a search hit. Score is the cosine similarity.
type ScoredChunk struct {
	StoredChunk
	Score float64 `json:"score"`
}

// SearchRequest describes a similarity search.
type SearchRequest struct {
	Vector []float32
	TopK   int
	Cutoff float64
	// DocumentIDs restricts the search. Empty searches the whole collection.
	DocumentIDs []string
}

// ConnectionStatus is the diagnostics payload returned by CheckConnection.
type ConnectionStatus struct {
	Status                 string   `json:"status"`
	Backend                string   `json:"backend"`
	URL                    string   `json:"url,omitempty"`
	Collections            []string `json:"collections"`
	TargetCollection       string   `json:"target_collection"`
	TargetCollectionExists bool     `json:"target_collection_exists"`
	EntityCount            int64    `json:"entity_count"`
	Error                  string   `json:"error,omitempty"`
}

// VectorStore is the backend-agnostic contract used by the pipeline and the
// query engine.
type VectorStore interface {
	Initialize(ctx context.Context) error
	Insert(ctx context.Context, records []ChunkRecord) ([]string, error)
	Search(ctx context.Context, req SearchRequest) ([]ScoredChunk, error)
	DeleteByDocument(ctx context.Context, documentID string) bool
	DeleteVectors(ctx context.Context, ids []string) bool
	GetDocumentChunks(ctx context.Context, documentID string) ([]StoredChunk, error)
	CheckConnection(ctx context.Context) ConnectionStatus
	Close() error
}

// backend is implemented by each storage engine. It knows nothing about
// validation or relaxation.
type backend interface {
	Name() string
	Target() string
	Ping(ctx context.Context) error
	EnsureCollection(ctx context.Context, name string, dimension int) error
	ListCollections(ctx context.Context) ([]string, error)
	Upsert(ctx context.Context, collection string, records []ChunkRecord) error
	Query(ctx context.Context, collection string, vector []float32, limit int, cutoff float64, documentIDs []string) ([]ScoredChunk, error)
	DeleteByDocument(ctx context.Context, collection string, documentID string) error
	DeletePoints(ctx context.Context, collection string, ids []string) error
	Scroll(ctx context.Context, collection string, documentID string) ([]StoredChunk, error)
	Count(ctx context.Context, collection string) (int64, error)
	Close() error
}

// Options configures a Store independently of its backend.
type Options struct {
	Collection      string
	Dimension       int
	Timeout         time.Duration
	ConnectAttempts int
	// ConnectBackoff is the base delay; attempt n waits ConnectBackoff * 2^n.
	ConnectBackoff time.Duration
}

// Store adds validation, reconnects and cutoff relaxation on top of a
// backend. It is safe for concurrent use.
type Store struct {
	backend    backend
	collection string
	dimension  int
	timeout    time.Duration
	attempts   int
	backoff    time.Duration

	mu            sync.Mutex
	connected     bool
	everConnected bool
	initialized   bool
}

var _ VectorStore = (*Store)(nil)

// New builds the store selected by cfg.Backend.
func New(cfg config.VectorConfig, dimension int) (*Store, error) {
	opts := Options{
		Collection:      cfg.Collection,
		Dimension:       dimension,
		Timeout:         cfg.Timeout,
		ConnectAttempts: cfg.ConnectAttempts,
		ConnectBackoff:  time.Second,
	}
	switch cfg.Backend {
	case config.VectorBackendQdrant:
		b, err := newQdrantBackend(cfg.QdrantURL, cfg.QdrantAPIKey, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		return newStore(b, opts), nil
	case config.VectorBackendChromem:
		b, err := newChromemBackend(cfg.ChromemPath)
		if err != nil {
			return nil, err
		}
		return newStore(b, opts), nil
	default:
		return nil, fmt.Errorf("vectorstore: unsupported backend %q", cfg.Backend)
	}
}

func newStore(b backend, opts Options) *Store {
	if opts.Collection == "" {
		opts.Collection = "document_embeddings"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = 3
	}
	if opts.ConnectBackoff <= 0 {
		opts.ConnectBackoff = time.Second
	}
	return &Store{
		backend:    b,
		collection: opts.Collection,
		dimension:  opts.Dimension,
		timeout:    opts.Timeout,
		attempts:   opts.ConnectAttempts,
		backoff:    opts.ConnectBackoff,
	}
}

func (s *Store) Collection() string { return s.collection }

func (s *Store) Dimension() int { return s.dimension }

// Initialize connects and makes sure the target collection exists. Calling it
// again once the collection is in place is a no-op.
func (s *Store) Initialize(ctx context.Context) error {
	return s.ensureConnected(ctx)
}

func (s *Store) ensureConnected(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected && s.initialized {
		return nil
	}

	// The first connection gets the full retry budget. A later reconnect
	// after a dropped connection gets a single attempt.
	attempts := 1
	if !s.everConnected {
		attempts = s.attempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = s.connectOnce(ctx)
		if lastErr == nil {
			s.connected = true
			s.everConnected = true
			return nil
		}
		log.Printf("vectorstore: %s connect attempt %d/%d failed: %v", s.backend.Name(), attempt+1, attempts, lastErr)
		if attempt == attempts-1 {
			break
		}
		wait := s.backoff * time.Duration(1<<attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	s.connected = false
	return fmt.Errorf("%w: %v", ErrDisconnected, lastErr)
}

func (s *Store) connectOnce(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.backend.Ping(opCtx); err != nil {
		return err
	}
	if s.initialized {
		return nil
	}
	if err := s.backend.EnsureCollection(opCtx, s.collection, s.dimension); err != nil {
		return err
	}
	s.initialized = true
	return nil
}

func (s *Store) markDisconnected(err error) {
	if !isConnectionError(err) {
		return
	}
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

// withReconnect runs op and, when it fails on a connection error, reconnects
// once and runs it again.
func (s *Store) withReconnect(ctx context.Context, op func(context.Context) error) error {
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	err := s.run(ctx, op)
	if err == nil || !isConnectionError(err) {
		return err
	}
	s.markDisconnected(err)
	log.Printf("vectorstore: %s operation failed, reconnecting: %v", s.backend.Name(), err)
	if connErr := s.ensureConnected(ctx); connErr != nil {
		return connErr
	}
	return s.run(ctx, op)
}

func (s *Store) run(ctx context.Context, op func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return op(opCtx)
}

// Insert validates records, writes the valid subset and returns the IDs that
// were written. It fails only when nothing is valid or the backend rejects
// the batch.
func (s *Store) Insert(ctx context.Context, records []ChunkRecord) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}
	valid := validateRecords(records, s.dimension)
	if len(valid) == 0 {
		log.Printf("vectorstore: 0 of %d records passed validation", len(records))
		return nil, ErrNoValidRecords
	}

	err := s.withReconnect(ctx, func(ctx context.Context) error {
		return s.backend.Upsert(ctx, s.collection, valid)
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: insert: %w", err)
	}

	ids := make([]string, len(valid))
	for i, record := range valid {
		ids[i] = record.ID
	}
	log.Printf("vectorstore: inserted %d of %d records into %s", len(ids), len(records), s.collection)
	return ids, nil
}

// Search returns the chunks scoring at or above req.Cutoff, best first. When
// nothing passes, the cutoff is lowered step by step down to the floor.
func (s *Store) Search(ctx context.Context, req SearchRequest) ([]ScoredChunk, error) {
	if len(req.Vector) == 0 {
		return nil, errors.New("vectorstore: empty query vector")
	}
	if req.TopK <= 0 {
		req.TopK = 5
	}

	var results []ScoredChunk
	for _, cutoff := range cutoffSchedule(req.Cutoff) {
		err := s.withReconnect(ctx, func(ctx context.Context) error {
			found, err := s.backend.Query(ctx, s.collection, req.Vector, req.TopK, cutoff, req.DocumentIDs)
			results = found
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("vectorstore: search: %w", err)
		}
		results = filterByCutoff(results, cutoff)
		if len(results) > 0 {
			break
		}
		log.Printf("vectorstore: no results at cutoff %.2f", cutoff)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > req.TopK {
		results = results[:req.TopK]
	}
	for i := range results {
		results[i].ChunkIndex = chunkIndexFromMetadata(results[i].Metadata)
	}
	return results, nil
}

func (s *Store) DeleteByDocument(ctx context.Context, documentID string) bool {
	if documentID == "" {
		return false
	}
	err := s.withReconnect(ctx, func(ctx context.Context) error {
		return s.backend.DeleteByDocument(ctx, s.collection, documentID)
	})
	if err != nil {
		log.Printf("vectorstore: delete vectors for document %s failed: %v", documentID, err)
		return false
	}
	return true
}

func (s *Store) DeleteVectors(ctx context.Context, ids []string) bool {
	if len(ids) == 0 {
		return true
	}
	err := s.withReconnect(ctx, func(ctx context.Context) error {
		return s.backend.DeletePoints(ctx, s.collection, ids)
	})
	if err != nil {
		log.Printf("vectorstore: delete %d vectors failed: %v", len(ids), err)
		return false
	}
	return true
}

// GetDocumentChunks lists a document's chunks ordered by chunk index.
func (s *Store) GetDocumentChunks(ctx context.Context, documentID string) ([]StoredChunk, error) {
	var chunks []StoredChunk
	err := s.withReconnect(ctx, func(ctx context.Context) error {
		found, err := s.backend.Scroll(ctx, s.collection, documentID)
		chunks = found
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: get chunks for %s: %w", documentID, err)
	}
	for i := range chunks {
		chunks[i].ChunkIndex = chunkIndexFromMetadata(chunks[i].Metadata)
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].ChunkIndex < chunks[j].ChunkIndex
	})
	return chunks, nil
}

// Count returns the number of chunks in the target collection.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.withReconnect(ctx, func(ctx context.Context) error {
		found, err := s.backend.Count(ctx, s.collection)
		n = found
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("vectorstore: count: %w", err)
	}
	return n, nil
}

// CheckConnection never fails; problems are reported in the payload.
func (s *Store) CheckConnection(ctx context.Context) ConnectionStatus {
	status := ConnectionStatus{
		Status:           StatusDisconnected,
		Backend:          s.backend.Name(),
		URL:              s.backend.Target(),
		Collections:      []string{},
		TargetCollection: s.collection,
	}

	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	names, err := s.backend.ListCollections(opCtx)
	if err != nil {
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		status.Error = err.Error()
		return status
	}
	status.Status = StatusConnected
	if names != nil {
		status.Collections = names
	}
	for _, name := range names {
		if name == s.collection {
			status.TargetCollectionExists = true
			break
		}
	}
	if status.TargetCollectionExists {
		count, err := s.backend.Count(opCtx, s.collection)
		if err != nil {
			status.Error = err.Error()
		} else {
			status.EntityCount = count
		}
	}
	return status
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return s.backend.Close()
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDisconnected) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func chunkIndexFromMetadata(raw string) int {
	if raw == "" {
		return 0
	}
	var meta struct {
		ChunkIndex int `json:"chunk_index"`
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return 0
	}
	return meta.ChunkIndex
}
