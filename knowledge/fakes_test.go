package knowledge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"ragdesk_back/config"
	"ragdesk_back/llm"
	"ragdesk_back/store"
	"ragdesk_back/vectorstore"
)

const testDim = 4

type memoryDocuments struct {
	mu      sync.Mutex
	docs    map[string]*store.Document
	updates []store.DocumentUpdate
	failGet error
}

var _ DocumentRepository = (*memoryDocuments)(nil)

func newMemoryDocuments(docs ...*store.Document) *memoryDocuments {
	m := &memoryDocuments{docs: make(map[string]*store.Document)}
	for _, doc := range docs {
		if doc.ID == "" {
			doc.ID = uuid.NewString()
		}
		if doc.ProcessingStatus == "" {
			doc.ProcessingStatus = store.StatusPending
		}
		if doc.CreatedAt.IsZero() {
			doc.CreatedAt = time.Now().UTC()
		}
		m.docs[doc.ID] = doc
	}
	return m
}

func (m *memoryDocuments) GetDocument(_ context.Context, id string) (*store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return nil, m.failGet
	}
	doc, ok := m.docs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *doc
	return &copied, nil
}

func (m *memoryDocuments) UpdateDocument(_ context.Context, id string, update store.DocumentUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return store.ErrNotFound
	}
	update.Apply(doc)
	m.updates = append(m.updates, update)
	return nil
}

func (m *memoryDocuments) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.docs, id)
	return nil
}

func (m *memoryDocuments) get(t *testing.T, id string) store.Document {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	require.True(t, ok, "document %s missing", id)
	return *doc
}

// memoryFiles serves byte blobs keyed by uri and copies them to a scratch dir.
type memoryFiles struct {
	mu         sync.Mutex
	scratch    string
	blobs      map[string][]byte
	downloaded []string
	deleted    []string
	deleteErr  error
}

var _ FileStore = (*memoryFiles)(nil)

func newMemoryFiles(t *testing.T) *memoryFiles {
	return &memoryFiles{scratch: t.TempDir(), blobs: make(map[string][]byte)}
}

func (f *memoryFiles) put(uri string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[uri] = data
}

func (f *memoryFiles) Download(_ context.Context, uri string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[uri]
	if !ok {
		return "", os.ErrNotExist
	}
	tmp, err := os.CreateTemp(f.scratch, "dl-*"+filepath.Ext(uri))
	if err != nil {
		return "", err
	}
	defer tmp.Close()
	if _, err := tmp.Write(data); err != nil {
		return "", err
	}
	f.downloaded = append(f.downloaded, tmp.Name())
	return tmp.Name(), nil
}

func (f *memoryFiles) Delete(_ context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, uri)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.blobs, uri)
	return nil
}

// stubEmbedder returns a deterministic non-zero vector per input.
type stubEmbedder struct {
	mu    sync.Mutex
	err   error
	calls int
}

var _ Embedder = (*stubEmbedder)(nil)

func (s *stubEmbedder) Dimension() int { return testDim }

func (s *stubEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		out[i] = []float32{1, float32(len(in)%7) + 1, 0.5, float32(i%3) + 0.25}
	}
	return out, nil
}

// scriptedVectors is a VectorStore whose search results are set by the test.
type scriptedVectors struct {
	mu        sync.Mutex
	hits      []vectorstore.ScoredChunk
	searchErr error
	requests  []vectorstore.SearchRequest
}

var _ vectorstore.VectorStore = (*scriptedVectors)(nil)

func (s *scriptedVectors) Initialize(context.Context) error { return nil }

func (s *scriptedVectors) Insert(_ context.Context, records []vectorstore.ChunkRecord) ([]string, error) {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids, nil
}

func (s *scriptedVectors) Search(_ context.Context, req vectorstore.SearchRequest) ([]vectorstore.ScoredChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return append([]vectorstore.ScoredChunk(nil), s.hits...), nil
}

func (s *scriptedVectors) DeleteByDocument(context.Context, string) bool { return true }

func (s *scriptedVectors) DeleteVectors(context.Context, []string) bool { return true }

func (s *scriptedVectors) GetDocumentChunks(context.Context, string) ([]vectorstore.StoredChunk, error) {
	return nil, nil
}

func (s *scriptedVectors) CheckConnection(context.Context) vectorstore.ConnectionStatus {
	return vectorstore.ConnectionStatus{Status: vectorstore.StatusConnected}
}

func (s *scriptedVectors) Close() error { return nil }

func (s *scriptedVectors) lastRequest() vectorstore.SearchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return vectorstore.SearchRequest{}
	}
	return s.requests[len(s.requests)-1]
}

type chatCall struct {
	Messages []llm.ChatMessage
	Options  llm.ChatOptions
}

// scriptedChat replies with reply unless the n-th call is listed in failOn.
type scriptedChat struct {
	mu     sync.Mutex
	reply  string
	failOn map[int]bool
	calls  []chatCall
}

var _ llm.Chatter = (*scriptedChat)(nil)

var errProviderDown = errors.New("provider down")

func (c *scriptedChat) Chat(_ context.Context, messages []llm.ChatMessage, opts llm.ChatOptions) (llm.ChatResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, chatCall{Messages: messages, Options: opts})
	if c.failOn[len(c.calls)] {
		return llm.ChatResult{}, errProviderDown
	}
	return llm.ChatResult{Content: c.reply}, nil
}

func (c *scriptedChat) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *scriptedChat) call(i int) chatCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[i]
}

type memoryChatbots map[string]*store.Chatbot

func (m memoryChatbots) GetChatbot(_ context.Context, id string) (*store.Chatbot, error) {
	bot, ok := m[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return bot, nil
}

func newChromemVectors(t *testing.T) *vectorstore.Store {
	t.Helper()
	vs, err := vectorstore.New(config.VectorConfig{
		Backend:         config.VectorBackendChromem,
		Collection:      "knowledge_test",
		Timeout:         5 * time.Second,
		ConnectAttempts: 1,
	}, testDim)
	require.NoError(t, err)
	require.NoError(t, vs.Initialize(context.Background()))
	t.Cleanup(func() { _ = vs.Close() })
	return vs
}

func fastRetry() RetryPolicy {
	return RetryPolicy{Attempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}
