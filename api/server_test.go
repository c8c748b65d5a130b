package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragdesk_back/knowledge"
	"ragdesk_back/llm"
	"ragdesk_back/storage"
	"ragdesk_back/store"
	"ragdesk_back/vectorstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memoryStore struct {
	mu   sync.Mutex
	docs map[string]*store.Document
	bots map[string]*store.Chatbot
}

func newMemoryStore() *memoryStore {
	return &memoryStore{docs: map[string]*store.Document{}, bots: map[string]*store.Chatbot{}}
}

func (m *memoryStore) CreateDocument(_ context.Context, doc *store.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	doc.ProcessingStatus = store.StatusPending
	copied := *doc
	m.docs[doc.ID] = &copied
	return nil
}

func (m *memoryStore) GetDocument(_ context.Context, id string) (*store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *doc
	return &copied, nil
}

func (m *memoryStore) ListDocuments(_ context.Context, owner string) ([]store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Document
	for _, doc := range m.docs {
		if owner == "" || doc.OwnerID == owner {
			out = append(out, *doc)
		}
	}
	return out, nil
}

func (m *memoryStore) CountDocumentsByStatus(context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int64{store.StatusPending: 0, store.StatusProcessing: 0, store.StatusCompleted: 0, store.StatusFailed: 0}
	for _, doc := range m.docs {
		counts[doc.ProcessingStatus]++
	}
	return counts, nil
}

func (m *memoryStore) CreateChatbot(_ context.Context, bot *store.Chatbot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bot.ID == "" {
		bot.ID = uuid.NewString()
	}
	m.bots[bot.ID] = bot
	return nil
}

func (m *memoryStore) GetChatbot(_ context.Context, id string) (*store.Chatbot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bot, ok := m.bots[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return bot, nil
}

func (m *memoryStore) setStatus(id, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc, ok := m.docs[id]; ok {
		doc.ProcessingStatus = status
	}
}

// recordingPipeline marks processed documents completed.
type recordingPipeline struct {
	store     *memoryStore
	mu        sync.Mutex
	processed []string
	deleted   []string
	err       error
}

func (p *recordingPipeline) Process(_ context.Context, id string) (*knowledge.ProcessResult, error) {
	p.mu.Lock()
	p.processed = append(p.processed, id)
	err := p.err
	p.mu.Unlock()
	if err != nil {
		p.store.setStatus(id, store.StatusFailed)
		return nil, err
	}
	p.store.setStatus(id, store.StatusCompleted)
	return &knowledge.ProcessResult{DocumentID: id, ChunkCount: 1}, nil
}

func (p *recordingPipeline) Reindex(ctx context.Context, id string) (*knowledge.ProcessResult, error) {
	if _, err := p.store.GetDocument(ctx, id); err != nil {
		return nil, knowledge.ErrDocumentNotFound
	}
	return p.Process(ctx, id)
}

func (p *recordingPipeline) Delete(ctx context.Context, id string) error {
	p.mu.Lock()
	p.deleted = append(p.deleted, id)
	p.mu.Unlock()
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	if _, ok := p.store.docs[id]; !ok {
		return knowledge.ErrDocumentNotFound
	}
	delete(p.store.docs, id)
	return nil
}

type cannedQuery struct {
	mu   sync.Mutex
	last knowledge.QueryRequest
}

func (q *cannedQuery) Query(_ context.Context, req knowledge.QueryRequest) knowledge.QueryResponse {
	q.mu.Lock()
	q.last = req
	q.mu.Unlock()
	return knowledge.QueryResponse{Response: "canned", Sources: []knowledge.SourceRef{}, TokenEstimate: 2, Status: knowledge.RAGNoDocuments}
}

type staticVectors struct{}

func (staticVectors) Initialize(context.Context) error { return nil }
func (staticVectors) Insert(context.Context, []vectorstore.ChunkRecord) ([]string, error) {
	return nil, nil
}
func (staticVectors) Search(context.Context, vectorstore.SearchRequest) ([]vectorstore.ScoredChunk, error) {
	return nil, nil
}
func (staticVectors) DeleteByDocument(context.Context, string) bool { return true }
func (staticVectors) DeleteVectors(context.Context, []string) bool  { return true }
func (staticVectors) GetDocumentChunks(_ context.Context, id string) ([]vectorstore.StoredChunk, error) {
	return []vectorstore.StoredChunk{{ID: "c1", DocumentID: id, ChunkID: "c1", Text: "chunk"}}, nil
}
func (staticVectors) CheckConnection(context.Context) vectorstore.ConnectionStatus {
	return vectorstore.ConnectionStatus{Status: vectorstore.StatusConnected, Backend: "chromem", EntityCount: 7}
}
func (staticVectors) Close() error { return nil }

type fixture struct {
	store    *memoryStore
	pipeline *recordingPipeline
	query    *cannedQuery
	server   *Server
	router   *gin.Engine
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	files, err := storage.NewLocalStorage(t.TempDir(), t.TempDir())
	require.NoError(t, err)

	st := newMemoryStore()
	f := &fixture{store: st, pipeline: &recordingPipeline{store: st}, query: &cannedQuery{}}
	srv, err := NewServer(Deps{
		Documents: st,
		Chatbots:  st,
		Files:     files,
		Websites:  knowledge.NewWebsiteFetcher(5*time.Second, "", knowledge.RetryPolicy{Attempts: 1}),
		Pipeline:  f.pipeline,
		Query:     f.query,
		Vectors:   staticVectors{},
		Catalog:   llm.LoadCatalog(""),
		JWTSecret: secret,
	})
	require.NoError(t, err)
	srv.pollInterval = 10 * time.Millisecond
	f.server = srv
	f.router = srv.Router()
	return f
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(method, path string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateTextDocumentProcessesInBackground(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, jsonRequest(http.MethodPost, "/documents", gin.H{"name": "faq", "content": "Q: hours? A: 9-5", "owner_id": "u1"}))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var doc store.Document
	decode(t, rec, &doc)
	assert.Equal(t, store.SourceRawText, doc.SourceKind)
	assert.Equal(t, store.StatusPending, doc.ProcessingStatus)
	assert.Equal(t, "u1", doc.OwnerID)

	f.server.Wait()
	assert.Equal(t, []string{doc.ID}, f.pipeline.processed)
}

func TestCreateTextDocumentValidation(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, jsonRequest(http.MethodPost, "/documents", gin.H{"name": "faq"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, jsonRequest(http.MethodPost, "/documents", gin.H{"content": "x"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateWebsiteDocument(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/hours":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(`<html><head><title>Hours</title><meta name="description" content="When we are open"></head>` +
				`<body><p>Open nine to five.</p></body></html>`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer site.Close()

	f := newFixture(t, "")

	rec := f.do(t, jsonRequest(http.MethodPost, "/documents/url", gin.H{"url": site.URL + "/hours", "owner_id": "u1"}))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var doc store.Document
	decode(t, rec, &doc)
	assert.Equal(t, store.SourceWebsite, doc.SourceKind)
	assert.Equal(t, "Hours", doc.Name)
	assert.Equal(t, "When we are open", doc.Description)
	assert.Equal(t, site.URL+"/hours", doc.SourceURL)
	assert.Equal(t, "Open nine to five.", doc.Content)
	assert.Equal(t, "text/html", doc.FileType)

	rec = f.do(t, jsonRequest(http.MethodPost, "/documents", gin.H{"url": site.URL + "/hours", "name": "opening"}))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	decode(t, rec, &doc)
	assert.Equal(t, "opening", doc.Name)

	rec = f.do(t, jsonRequest(http.MethodPost, "/documents/url", gin.H{"url": site.URL + "/gone"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, jsonRequest(http.MethodPost, "/documents/url", gin.H{"url": "ftp://example.com/file"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.server.Wait()
	assert.Len(t, f.pipeline.processed, 2)
}

func TestBackgroundProcessingFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	f := newFixture(t, "")
	f.pipeline.err = errors.New("embedding service down")

	rec := f.do(t, jsonRequest(http.MethodPost, "/documents", gin.H{"name": "faq", "content": "hello"}))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var doc store.Document
	decode(t, rec, &doc)

	f.server.Wait()
	assert.Contains(t, buf.String(), "api: process document "+doc.ID+" failed: embedding service down")
	stored, err := f.store.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, stored.ProcessingStatus)
}

func multipartRequest(t *testing.T, filename, body string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, w.WriteField("owner_id", "u2"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/documents", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestUploadDocument(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, multipartRequest(t, "guide.md", "# Guide\n\nhello"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var doc store.Document
	decode(t, rec, &doc)
	assert.Equal(t, store.SourceFile, doc.SourceKind)
	assert.Equal(t, "guide.md", doc.Name)
	assert.Equal(t, int64(14), doc.FileSize)
	assert.True(t, strings.HasPrefix(doc.StorageURI, "local://documents/u2/"+doc.ID+"/"), doc.StorageURI)
	f.server.Wait()
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, multipartRequest(t, "photo.png", "png"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.store.docs)
}

func TestDocumentRoutes(t *testing.T) {
	f := newFixture(t, "")
	doc := &store.Document{Name: "a", OwnerID: "u1", Content: "x", SourceKind: store.SourceRawText}
	require.NoError(t, f.store.CreateDocument(context.Background(), doc))

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/documents/"+doc.ID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/documents/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Contains(t, body, "details")

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/documents?owner=u1", nil))
	var list struct {
		Documents []store.Document `json:"documents"`
	}
	decode(t, rec, &list)
	assert.Len(t, list.Documents, 1)

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/documents/"+doc.ID+"/chunks", nil))
	var chunks struct {
		Count int `json:"count"`
	}
	decode(t, rec, &chunks)
	assert.Equal(t, 1, chunks.Count)

	rec = f.do(t, httptest.NewRequest(http.MethodPost, "/documents/"+doc.ID+"/reindex", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, httptest.NewRequest(http.MethodDelete, "/documents/"+doc.ID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{doc.ID}, f.pipeline.deleted)

	rec = f.do(t, httptest.NewRequest(http.MethodDelete, "/documents/"+doc.ID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatbotAndQueryRoutes(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, jsonRequest(http.MethodPost, "/chatbots", gin.H{
		"name":      "helper",
		"role":      "librarian",
		"documents": []string{"d1"},
		"model":     "GEMMA2-9B-IT",
	}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var bot store.Chatbot
	decode(t, rec, &bot)
	assert.Equal(t, "gemma2-9b-it", bot.Model)

	rec = f.do(t, jsonRequest(http.MethodPost, "/chatbots", gin.H{"name": "x", "model": "gpt-17"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/chatbots/"+bot.ID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, jsonRequest(http.MethodPost, "/chatbots/"+bot.ID+"/query", gin.H{"query": " hello "}))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp knowledge.QueryResponse
	decode(t, rec, &resp)
	assert.Equal(t, "canned", resp.Response)
	assert.Equal(t, bot.ID, f.query.last.ChatbotID)
	assert.Equal(t, "hello", f.query.last.Query)

	rec = f.do(t, jsonRequest(http.MethodPost, "/query", gin.H{"query": "  "}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, jsonRequest(http.MethodPost, "/query", gin.H{"query": "hi", "document_ids": []string{"d1"}, "temperature": 0.3}))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"d1"}, f.query.last.DocumentIDs)
	require.NotNil(t, f.query.last.Temperature)
	assert.InDelta(t, 0.3, *f.query.last.Temperature, 1e-9)
}

func TestModelsAndDiagnostics(t *testing.T) {
	f := newFixture(t, "")
	require.NoError(t, f.store.CreateDocument(context.Background(), &store.Document{Name: "a"}))

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/models", nil))
	var models struct {
		Models []llm.ChatModelOption `json:"models"`
	}
	decode(t, rec, &models)
	assert.NotEmpty(t, models.Models)

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/diagnostics/vector-db", nil))
	var status vectorstore.ConnectionStatus
	decode(t, rec, &status)
	assert.Equal(t, vectorstore.StatusConnected, status.Status)

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/diagnostics/documents", nil))
	var counts struct {
		Total    int64            `json:"total"`
		ByStatus map[string]int64 `json:"by_status"`
	}
	decode(t, rec, &counts)
	assert.Equal(t, int64(1), counts.Total)
	assert.Equal(t, int64(1), counts.ByStatus[store.StatusPending])
}

func TestJWTProtectsRoutes(t *testing.T) {
	const secret = "test-secret"
	f := newFixture(t, secret)
	require.NoError(t, f.store.CreateDocument(context.Background(), &store.Document{Name: "mine", OwnerID: "alice"}))
	require.NoError(t, f.store.CreateDocument(context.Background(), &store.Document{Name: "theirs", OwnerID: "bob"}))

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/documents", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	token, _, err := IssueToken(secret, "", "alice", "Alice")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/documents?owner=bob", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = f.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var list struct {
		Documents []store.Document `json:"documents"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Documents, 1)
	assert.Equal(t, "mine", list.Documents[0].Name)

	_, _, err = IssueToken("", "", "alice", "")
	assert.Error(t, err)
}

func TestStatusEventStream(t *testing.T) {
	f := newFixture(t, "")
	doc := &store.Document{Name: "a"}
	require.NoError(t, f.store.CreateDocument(context.Background(), doc))

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/documents/"+doc.ID+"/status", nil))
	var st documentStatus
	decode(t, rec, &st)
	assert.Equal(t, store.StatusPending, st.ProcessingStatus)

	go func() {
		time.Sleep(30 * time.Millisecond)
		f.store.setStatus(doc.ID, store.StatusCompleted)
	}()
	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/documents/"+doc.ID+"/status?stream=1", nil))
	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, body, `"processingStatus":"pending"`)
	assert.Contains(t, body, `"processingStatus":"completed"`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), `data: {"id":"`+doc.ID+`"}`), body)
}

func TestStatusWebSocket(t *testing.T) {
	f := newFixture(t, "")
	doc := &store.Document{Name: "a"}
	require.NoError(t, f.store.CreateDocument(context.Background(), doc))

	ts := httptest.NewServer(f.router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/documents/" + doc.ID + "/status/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first documentStatus
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, store.StatusPending, first.ProcessingStatus)

	f.store.setStatus(doc.ID, store.StatusFailed)

	var last documentStatus
	require.NoError(t, conn.ReadJSON(&last))
	assert.Equal(t, store.StatusFailed, last.ProcessingStatus)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
