package vectorstore

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyBackend drops the connection for a set number of calls before
// delegating to an in-memory chromem backend.
type flakyBackend struct {
	*chromemBackend

	mu         sync.Mutex
	failQuery  int
	failUpsert int
	failPing   int
	queryErr   error
	pings      int
	queries    int
	upserts    int
}

func dialError() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
}

func (b *flakyBackend) Ping(ctx context.Context) error {
	b.mu.Lock()
	b.pings++
	fail := b.failPing > 0
	if fail {
		b.failPing--
	}
	b.mu.Unlock()
	if fail {
		return dialError()
	}
	return b.chromemBackend.Ping(ctx)
}

func (b *flakyBackend) Query(ctx context.Context, collection string, vector []float32, limit int, cutoff float64, documentIDs []string) ([]ScoredChunk, error) {
	b.mu.Lock()
	b.queries++
	fail := b.failQuery > 0
	if fail {
		b.failQuery--
	}
	queryErr := b.queryErr
	b.mu.Unlock()
	if fail {
		return nil, dialError()
	}
	if queryErr != nil {
		return nil, queryErr
	}
	return b.chromemBackend.Query(ctx, collection, vector, limit, cutoff, documentIDs)
}

func (b *flakyBackend) Upsert(ctx context.Context, collection string, records []ChunkRecord) error {
	b.mu.Lock()
	b.upserts++
	fail := b.failUpsert > 0
	if fail {
		b.failUpsert--
	}
	b.mu.Unlock()
	if fail {
		return dialError()
	}
	return b.chromemBackend.Upsert(ctx, collection, records)
}

func newFlakyStore(t *testing.T) (*Store, *flakyBackend) {
	t.Helper()
	inner, err := newChromemBackend("")
	require.NoError(t, err)
	b := &flakyBackend{chromemBackend: inner}
	store := newStore(b, Options{
		Collection:     "flaky_chunks",
		Dimension:      testDim,
		Timeout:        5 * time.Second,
		ConnectBackoff: time.Millisecond,
	})
	require.NoError(t, store.Initialize(context.Background()))
	require.Equal(t, 1, b.pings)
	return store, b
}

func TestIsConnectionError(t *testing.T) {
	assert.True(t, isConnectionError(dialError()))
	assert.True(t, isConnectionError(errors.Join(errors.New("upsert"), dialError())))
	assert.True(t, isConnectionError(ErrDisconnected))
	assert.False(t, isConnectionError(errors.New("collection missing")))
	assert.False(t, isConnectionError(nil))
}

func TestInsertReconnectsOnce(t *testing.T) {
	ctx := context.Background()
	store, b := newFlakyStore(t)

	b.failUpsert = 1
	record := chunkFor("doc-a", 0, unitAt(0.9))
	ids, err := store.Insert(ctx, []ChunkRecord{record})
	require.NoError(t, err)
	assert.Equal(t, []string{record.ID}, ids)
	assert.Equal(t, 2, b.upserts)
	assert.Equal(t, 2, b.pings)

	b.failUpsert = 2
	_, err = store.Insert(ctx, []ChunkRecord{chunkFor("doc-a", 1, unitAt(0.8))})
	require.Error(t, err)
	var netErr net.Error
	assert.ErrorAs(t, err, &netErr)
	assert.Equal(t, 4, b.upserts)
	assert.Equal(t, 3, b.pings)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestSearchReconnectsOnce(t *testing.T) {
	ctx := context.Background()
	store, b := newFlakyStore(t)

	record := chunkFor("doc-a", 0, unitAt(0.9))
	_, err := store.Insert(ctx, []ChunkRecord{record})
	require.NoError(t, err)

	b.failQuery = 1
	results, err := store.Search(ctx, SearchRequest{Vector: unitAt(1), TopK: 3, Cutoff: 0.5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, record.ID, results[0].ID)
	assert.Equal(t, 2, b.queries)
	assert.Equal(t, 2, b.pings)

	b.failQuery = 2
	_, err = store.Search(ctx, SearchRequest{Vector: unitAt(1), TopK: 3, Cutoff: 0.5})
	require.Error(t, err)
	assert.Equal(t, 4, b.queries)
	assert.Equal(t, 3, b.pings)
}

func TestReconnectGetsSingleAttempt(t *testing.T) {
	store, b := newFlakyStore(t)

	b.failQuery = 1
	b.failPing = 1
	_, err := store.Search(context.Background(), SearchRequest{Vector: unitAt(1), TopK: 3, Cutoff: 0.5})
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, 1, b.queries)
	assert.Equal(t, 2, b.pings)
}

func TestNonConnectionErrorIsNotRetried(t *testing.T) {
	store, b := newFlakyStore(t)

	b.queryErr = errors.New("bad filter")
	_, err := store.Search(context.Background(), SearchRequest{Vector: unitAt(1), TopK: 3, Cutoff: 0.5})
	require.Error(t, err)
	assert.Equal(t, 1, b.queries)
	assert.Equal(t, 1, b.pings)
}
