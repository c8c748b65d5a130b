package vectorstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   map[string]interface{}
}

type fakeQdrant struct {
	mu       sync.Mutex
	requests []recordedRequest
	handle   func(w http.ResponseWriter, req recordedRequest)
}

func (f *fakeQdrant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := recordedRequest{Method: r.Method, Path: r.URL.Path}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&rec.Body)
	}
	f.mu.Lock()
	f.requests = append(f.requests, rec)
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	f.handle(w, rec)
}

func (f *fakeQdrant) calls(method, path string) []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedRequest
	for _, r := range f.requests {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func writeResult(w http.ResponseWriter, result interface{}) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": result, "status": "ok"})
}

func newQdrantStore(t *testing.T, fake *fakeQdrant) (*Store, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	b, err := newQdrantBackend(server.URL, "secret", 2*time.Second)
	require.NoError(t, err)
	return newStore(b, Options{
		Collection:      "document_embeddings",
		Dimension:       4,
		Timeout:         2 * time.Second,
		ConnectAttempts: 2,
		ConnectBackoff:  time.Millisecond,
	}), server
}

func defaultQdrantHandler(w http.ResponseWriter, req recordedRequest) {
	switch {
	case req.Method == http.MethodGet && req.Path == "/collections":
		writeResult(w, map[string]interface{}{"collections": []map[string]string{{"name": "document_embeddings"}}})
	case req.Method == http.MethodGet && req.Path == "/collections/document_embeddings":
		writeResult(w, map[string]interface{}{"status": "green"})
	default:
		writeResult(w, true)
	}
}

func TestQdrantInitializeCreatesMissingCollection(t *testing.T) {
	fake := &fakeQdrant{handle: func(w http.ResponseWriter, req recordedRequest) {
		switch {
		case req.Method == http.MethodGet && req.Path == "/collections":
			writeResult(w, map[string]interface{}{"collections": []interface{}{}})
		case req.Method == http.MethodGet && req.Path == "/collections/document_embeddings":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"status":{"error":"Not found"}}`))
		default:
			writeResult(w, true)
		}
	}}
	store, _ := newQdrantStore(t, fake)

	require.NoError(t, store.Initialize(context.Background()))
	require.NoError(t, store.Initialize(context.Background()))

	created := fake.calls(http.MethodPut, "/collections/document_embeddings")
	require.Len(t, created, 1)
	vectors := created[0].Body["vectors"].(map[string]interface{})
	assert.EqualValues(t, 4, vectors["size"])
	assert.Equal(t, "Cosine", vectors["distance"])
	assert.Len(t, fake.calls(http.MethodPut, "/collections/document_embeddings/index"), 1)
}

func TestQdrantSearchRelaxesAndFilters(t *testing.T) {
	fake := &fakeQdrant{}
	fake.handle = func(w http.ResponseWriter, req recordedRequest) {
		if req.Path == "/collections/document_embeddings/points/search" {
			threshold, _ := req.Body["score_threshold"].(float64)
			if threshold > 0.5 {
				writeResult(w, []interface{}{})
				return
			}
			writeResult(w, []map[string]interface{}{{
				"id":    "c1",
				"score": 0.5,
				"payload": map[string]interface{}{
					"document_id": "doc-a",
					"chunk_id":    "c1",
					"text":        "hello",
					"metadata":    `{"chunk_index":3}`,
				},
			}})
			return
		}
		defaultQdrantHandler(w, req)
	}
	store, _ := newQdrantStore(t, fake)

	results, err := store.Search(context.Background(), SearchRequest{
		Vector:      []float32{1, 0, 0, 0},
		TopK:        3,
		Cutoff:      0.6,
		DocumentIDs: []string{"doc-a", "doc-b"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc-a", results[0].DocumentID)
	assert.Equal(t, 3, results[0].ChunkIndex)

	searches := fake.calls(http.MethodPost, "/collections/document_embeddings/points/search")
	require.Len(t, searches, 2)
	assert.InDelta(t, 0.6, searches[0].Body["score_threshold"], 1e-9)
	assert.InDelta(t, 0.4, searches[1].Body["score_threshold"], 1e-9)

	filter := searches[0].Body["filter"].(map[string]interface{})
	must := filter["must"].([]interface{})
	match := must[0].(map[string]interface{})["match"].(map[string]interface{})
	assert.ElementsMatch(t, []interface{}{"doc-a", "doc-b"}, match["any"])
}

func TestQdrantInsertSendsValidPoints(t *testing.T) {
	fake := &fakeQdrant{handle: defaultQdrantHandler}
	store, _ := newQdrantStore(t, fake)

	ids, err := store.Insert(context.Background(), []ChunkRecord{
		record("11111111-1111-1111-1111-111111111111", 1, 0, 0, 0),
		record("22222222-2222-2222-2222-222222222222", 1, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"11111111-1111-1111-1111-111111111111"}, ids)

	upserts := fake.calls(http.MethodPut, "/collections/document_embeddings/points")
	require.Len(t, upserts, 1)
	points := upserts[0].Body["points"].([]interface{})
	require.Len(t, points, 1)
	payload := points[0].(map[string]interface{})["payload"].(map[string]interface{})
	assert.Equal(t, "doc-1", payload["document_id"])
}

func TestQdrantDeleteByDocumentReportsFailure(t *testing.T) {
	fake := &fakeQdrant{}
	fake.handle = func(w http.ResponseWriter, req recordedRequest) {
		if req.Path == "/collections/document_embeddings/points/delete" {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"status":{"error":"boom"}}`))
			return
		}
		defaultQdrantHandler(w, req)
	}
	store, _ := newQdrantStore(t, fake)

	assert.False(t, store.DeleteByDocument(context.Background(), "doc-a"))
}

func TestQdrantScrollPaginates(t *testing.T) {
	fake := &fakeQdrant{}
	fake.handle = func(w http.ResponseWriter, req recordedRequest) {
		if req.Path == "/collections/document_embeddings/points/scroll" {
			if req.Body["offset"] == nil {
				writeResult(w, map[string]interface{}{
					"points": []map[string]interface{}{
						{"id": "b", "payload": map[string]interface{}{"document_id": "doc-a", "chunk_id": "b", "text": "two", "metadata": `{"chunk_index":1}`}},
					},
					"next_page_offset": "a",
				})
				return
			}
			writeResult(w, map[string]interface{}{
				"points": []map[string]interface{}{
					{"id": "a", "payload": map[string]interface{}{"document_id": "doc-a", "chunk_id": "a", "text": "one", "metadata": `{"chunk_index":0}`}},
				},
				"next_page_offset": nil,
			})
			return
		}
		defaultQdrantHandler(w, req)
	}
	store, _ := newQdrantStore(t, fake)

	chunks, err := store.GetDocumentChunks(context.Background(), "doc-a")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "one", chunks[0].Text)
	assert.Equal(t, "two", chunks[1].Text)
}

func TestQdrantCheckConnection(t *testing.T) {
	t.Run("connected", func(t *testing.T) {
		fake := &fakeQdrant{}
		fake.handle = func(w http.ResponseWriter, req recordedRequest) {
			if req.Path == "/collections/document_embeddings/points/count" {
				writeResult(w, map[string]interface{}{"count": 42})
				return
			}
			defaultQdrantHandler(w, req)
		}
		store, server := newQdrantStore(t, fake)

		status := store.CheckConnection(context.Background())
		assert.Equal(t, StatusConnected, status.Status)
		assert.True(t, status.TargetCollectionExists)
		assert.EqualValues(t, 42, status.EntityCount)
		assert.Equal(t, server.URL, status.URL)
		assert.Empty(t, status.Error)
	})

	t.Run("disconnected", func(t *testing.T) {
		fake := &fakeQdrant{handle: defaultQdrantHandler}
		store, server := newQdrantStore(t, fake)
		server.Close()

		status := store.CheckConnection(context.Background())
		assert.Equal(t, StatusDisconnected, status.Status)
		assert.NotEmpty(t, status.Error)
		assert.False(t, status.TargetCollectionExists)
	})
}

func TestQdrantConnectFailureIsReported(t *testing.T) {
	fake := &fakeQdrant{handle: defaultQdrantHandler}
	store, server := newQdrantStore(t, fake)
	server.Close()

	_, err := store.Search(context.Background(), SearchRequest{Vector: []float32{1, 0, 0, 0}, TopK: 1, Cutoff: 0.5})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDisconnected)
}
