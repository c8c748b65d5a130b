package vectorstore

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 4

func newChromemStore(t *testing.T) *Store {
	t.Helper()
	b, err := newChromemBackend("")
	require.NoError(t, err)
	store := newStore(b, Options{
		Collection:     "test_chunks",
		Dimension:      testDim,
		Timeout:        5 * time.Second,
		ConnectBackoff: time.Millisecond,
	})
	require.NoError(t, store.Initialize(context.Background()))
	return store
}

func chunkFor(documentID string, index int, embedding []float32) ChunkRecord {
	id := uuid.NewString()
	return ChunkRecord{
		ID:         id,
		DocumentID: documentID,
		ChunkID:    id,
		Text:       fmt.Sprintf("%s chunk %d", documentID, index),
		Metadata:   fmt.Sprintf(`{"document_id":%q,"chunk_index":%d}`, documentID, index),
		Embedding:  embedding,
	}
}

// unitAt returns a unit vector whose cosine with e0 is score.
func unitAt(score float64) []float32 {
	return []float32{float32(score), float32(math.Sqrt(1 - score*score)), 0, 0}
}

func TestChromemStoreInitializeIsIdempotent(t *testing.T) {
	store := newChromemStore(t)
	require.NoError(t, store.Initialize(context.Background()))
	require.NoError(t, store.Initialize(context.Background()))

	status := store.CheckConnection(context.Background())
	assert.Equal(t, StatusConnected, status.Status)
	assert.True(t, status.TargetCollectionExists)
	assert.Equal(t, []string{"test_chunks"}, status.Collections)
}

func TestChromemStoreInsertSkipsInvalid(t *testing.T) {
	ctx := context.Background()
	store := newChromemStore(t)

	records := []ChunkRecord{
		chunkFor("doc-a", 0, unitAt(0.9)),
		chunkFor("doc-a", 1, []float32{1, 0}),
		chunkFor("doc-a", 2, unitAt(0.8)),
	}
	ids, err := store.Insert(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, []string{records[0].ID, records[2].ID}, ids)

	status := store.CheckConnection(ctx)
	assert.EqualValues(t, 2, status.EntityCount)
}

func TestChromemStoreInsertAllInvalid(t *testing.T) {
	store := newChromemStore(t)
	_, err := store.Insert(context.Background(), []ChunkRecord{chunkFor("doc-a", 0, []float32{1})})
	assert.ErrorIs(t, err, ErrNoValidRecords)
}

func TestChromemStoreSearchRelaxesCutoff(t *testing.T) {
	ctx := context.Background()
	store := newChromemStore(t)

	_, err := store.Insert(ctx, []ChunkRecord{chunkFor("doc-a", 0, unitAt(0.5))})
	require.NoError(t, err)

	results, err := store.Search(ctx, SearchRequest{
		Vector: []float32{1, 0, 0, 0},
		TopK:   3,
		Cutoff: 0.6,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 0.5, results[0].Score, 1e-4)
	assert.Equal(t, "doc-a", results[0].DocumentID)
}

func TestChromemStoreSearchScopesAndOrders(t *testing.T) {
	ctx := context.Background()
	store := newChromemStore(t)

	_, err := store.Insert(ctx, []ChunkRecord{
		chunkFor("doc-a", 0, unitAt(0.7)),
		chunkFor("doc-b", 0, unitAt(0.95)),
		chunkFor("doc-c", 0, unitAt(0.99)),
	})
	require.NoError(t, err)

	results, err := store.Search(ctx, SearchRequest{
		Vector:      []float32{1, 0, 0, 0},
		TopK:        5,
		Cutoff:      0.6,
		DocumentIDs: []string{"doc-a", "doc-b"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "doc-b", results[0].DocumentID)
	assert.Equal(t, "doc-a", results[1].DocumentID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestChromemStoreSearchNothingAboveFloor(t *testing.T) {
	ctx := context.Background()
	store := newChromemStore(t)

	_, err := store.Insert(ctx, []ChunkRecord{chunkFor("doc-a", 0, unitAt(0.1))})
	require.NoError(t, err)

	results, err := store.Search(ctx, SearchRequest{Vector: []float32{1, 0, 0, 0}, TopK: 3, Cutoff: 0.6})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemStoreCascadeDelete(t *testing.T) {
	ctx := context.Background()
	store := newChromemStore(t)

	_, err := store.Insert(ctx, []ChunkRecord{
		chunkFor("doc-a", 1, unitAt(0.7)),
		chunkFor("doc-a", 0, unitAt(0.8)),
		chunkFor("doc-b", 0, unitAt(0.9)),
	})
	require.NoError(t, err)

	chunks, err := store.GetDocumentChunks(ctx, "doc-a")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Equal(t, 1, chunks[1].ChunkIndex)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	assert.True(t, store.DeleteByDocument(ctx, "doc-a"))

	n, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	chunks, err = store.GetDocumentChunks(ctx, "doc-a")
	require.NoError(t, err)
	assert.Empty(t, chunks)

	remaining, err := store.GetDocumentChunks(ctx, "doc-b")
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestChromemStoreDeleteVectors(t *testing.T) {
	ctx := context.Background()
	store := newChromemStore(t)

	records := []ChunkRecord{chunkFor("doc-a", 0, unitAt(0.7)), chunkFor("doc-a", 1, unitAt(0.8))}
	_, err := store.Insert(ctx, records)
	require.NoError(t, err)

	assert.True(t, store.DeleteVectors(ctx, []string{records[0].ID}))
	chunks, err := store.GetDocumentChunks(ctx, "doc-a")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, records[1].ID, chunks[0].ID)
}
