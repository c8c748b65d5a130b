package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const qdrantScrollPage = 256

type qdrantPoint struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

type qdrantHit struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// qdrantBackend talks to the Qdrant REST API. Each chunk is one point whose
// payload carries document_id, chunk_id, text and the metadata string.
type qdrantBackend struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

var _ backend = (*qdrantBackend)(nil)

func newQdrantBackend(rawURL, apiKey string, timeout time.Duration) (*qdrantBackend, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(rawURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("vectorstore: invalid Qdrant URL %q", baseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("vectorstore: parse Qdrant URL: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &qdrantBackend{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
	}, nil
}

func (c *qdrantBackend) Name() string { return "qdrant" }

func (c *qdrantBackend) Target() string { return c.baseURL }

// do sends payload as JSON and decodes the "result" field of the response
// into out when out is non-nil. It returns the HTTP status code.
func (c *qdrantBackend) do(ctx context.Context, method, path string, payload interface{}, out interface{}) (int, error) {
	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return 0, fmt.Errorf("vectorstore: encode qdrant payload: %w", err)
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("vectorstore: create qdrant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("vectorstore: qdrant %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("vectorstore: qdrant %s %s status %s: %s", method, path, resp.Status, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}

	envelope := struct {
		Result json.RawMessage `json:"result"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return resp.StatusCode, fmt.Errorf("vectorstore: decode qdrant response: %w", err)
	}
	if len(envelope.Result) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return resp.StatusCode, fmt.Errorf("vectorstore: decode qdrant result: %w", err)
	}
	return resp.StatusCode, nil
}

func collectionPath(name string) string {
	return "/collections/" + url.PathEscape(name)
}

func (c *qdrantBackend) Ping(ctx context.Context) error {
	_, err := c.ListCollections(ctx)
	return err
}

func (c *qdrantBackend) ListCollections(ctx context.Context) ([]string, error) {
	var result struct {
		Collections []struct {
			Name string `json:"name"`
		} `json:"collections"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/collections", nil, &result); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(result.Collections))
	for _, col := range result.Collections {
		names = append(names, col.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *qdrantBackend) collectionExists(ctx context.Context, name string) (bool, error) {
	status, err := c.do(ctx, http.MethodGet, collectionPath(name), nil, nil)
	if status == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// EnsureCollection creates the collection with a cosine index when it is
// missing and makes sure document_id is indexed for filtering.
func (c *qdrantBackend) EnsureCollection(ctx context.Context, name string, dimension int) error {
	if dimension <= 0 {
		return errors.New("vectorstore: vector size must be positive")
	}
	exists, err := c.collectionExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		payload := map[string]interface{}{
			"vectors": map[string]interface{}{
				"size":     dimension,
				"distance": "Cosine",
			},
		}
		if _, err := c.do(ctx, http.MethodPut, collectionPath(name), payload, nil); err != nil {
			return err
		}
	}

	index := map[string]interface{}{
		"field_name":   "document_id",
		"field_schema": "keyword",
	}
	_, err = c.do(ctx, http.MethodPut, collectionPath(name)+"/index?wait=true", index, nil)
	return err
}

func (c *qdrantBackend) Upsert(ctx context.Context, collection string, records []ChunkRecord) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]qdrantPoint, len(records))
	for i, record := range records {
		points[i] = qdrantPoint{
			ID:     record.ID,
			Vector: record.Embedding,
			Payload: map[string]interface{}{
				"document_id": record.DocumentID,
				"chunk_id":    record.ChunkID,
				"text":        record.Text,
				"metadata":    record.Metadata,
			},
		}
	}
	_, err := c.do(ctx, http.MethodPut, collectionPath(collection)+"/points?wait=true", map[string]interface{}{"points": points}, nil)
	return err
}

func (c *qdrantBackend) Query(ctx context.Context, collection string, vector []float32, limit int, cutoff float64, documentIDs []string) ([]ScoredChunk, error) {
	payload := map[string]interface{}{
		"vector":          vector,
		"limit":           limit,
		"with_payload":    true,
		"score_threshold": cutoff,
	}
	if filter := documentFilter(documentIDs); filter != nil {
		payload["filter"] = filter
	}

	var hits []qdrantHit
	if _, err := c.do(ctx, http.MethodPost, collectionPath(collection)+"/points/search", payload, &hits); err != nil {
		return nil, err
	}

	results := make([]ScoredChunk, 0, len(hits))
	for _, hit := range hits {
		results = append(results, ScoredChunk{
			StoredChunk: storedChunkFromPayload(stringifyQdrantID(hit.ID), hit.Payload),
			Score:       hit.Score,
		})
	}
	return results, nil
}

func (c *qdrantBackend) DeleteByDocument(ctx context.Context, collection string, documentID string) error {
	payload := map[string]interface{}{"filter": documentFilter([]string{documentID})}
	_, err := c.do(ctx, http.MethodPost, collectionPath(collection)+"/points/delete?wait=true", payload, nil)
	return err
}

func (c *qdrantBackend) DeletePoints(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.do(ctx, http.MethodPost, collectionPath(collection)+"/points/delete?wait=true", map[string]interface{}{"points": ids}, nil)
	return err
}

func (c *qdrantBackend) Scroll(ctx context.Context, collection string, documentID string) ([]StoredChunk, error) {
	var chunks []StoredChunk
	var offset interface{}
	for {
		payload := map[string]interface{}{
			"filter":       documentFilter([]string{documentID}),
			"limit":        qdrantScrollPage,
			"with_payload": true,
			"with_vector":  false,
		}
		if offset != nil {
			payload["offset"] = offset
		}

		var page struct {
			Points         []qdrantHit `json:"points"`
			NextPageOffset interface{} `json:"next_page_offset"`
		}
		if _, err := c.do(ctx, http.MethodPost, collectionPath(collection)+"/points/scroll", payload, &page); err != nil {
			return nil, err
		}
		for _, point := range page.Points {
			chunks = append(chunks, storedChunkFromPayload(stringifyQdrantID(point.ID), point.Payload))
		}
		if page.NextPageOffset == nil || len(page.Points) == 0 {
			return chunks, nil
		}
		offset = page.NextPageOffset
	}
}

func (c *qdrantBackend) Count(ctx context.Context, collection string) (int64, error) {
	var result struct {
		Count int64 `json:"count"`
	}
	if _, err := c.do(ctx, http.MethodPost, collectionPath(collection)+"/points/count", map[string]interface{}{"exact": true}, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

func (c *qdrantBackend) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func documentFilter(documentIDs []string) map[string]interface{} {
	switch len(documentIDs) {
	case 0:
		return nil
	case 1:
		return map[string]interface{}{
			"must": []map[string]interface{}{
				{"key": "document_id", "match": map[string]interface{}{"value": documentIDs[0]}},
			},
		}
	default:
		return map[string]interface{}{
			"must": []map[string]interface{}{
				{"key": "document_id", "match": map[string]interface{}{"any": documentIDs}},
			},
		}
	}
}

func storedChunkFromPayload(id string, payload map[string]interface{}) StoredChunk {
	chunk := StoredChunk{ID: id}
	if payload == nil {
		return chunk
	}
	if v, ok := payload["document_id"].(string); ok {
		chunk.DocumentID = v
	}
	if v, ok := payload["chunk_id"].(string); ok {
		chunk.ChunkID = v
	}
	if v, ok := payload["text"].(string); ok {
		chunk.Text = v
	}
	if v, ok := payload["metadata"].(string); ok {
		chunk.Metadata = v
	}
	if chunk.ChunkID == "" {
		chunk.ChunkID = id
	}
	return chunk
}

func stringifyQdrantID(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
