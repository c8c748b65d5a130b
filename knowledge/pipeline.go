package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"ragdesk_back/store"
	"ragdesk_back/vectorstore"
)

// DocumentRepository is the slice of the record store the pipeline needs.
type DocumentRepository interface {
	GetDocument(ctx context.Context, id string) (*store.Document, error)
	UpdateDocument(ctx context.Context, id string, update store.DocumentUpdate) error
	DeleteDocument(ctx context.Context, id string) error
}

// FileStore fetches and removes the files backing documents.
type FileStore interface {
	Download(ctx context.Context, uri string) (string, error)
	Delete(ctx context.Context, uri string) error
}

// ProcessResult summarizes a successful pipeline run.
type ProcessResult struct {
	DocumentID      string          `json:"document_id"`
	ChunkCount      int             `json:"chunk_count"`
	VectorIDs       []string        `json:"vector_ids"`
	ProcessingTime  float64         `json:"processing_time"`
	ProcessingStats ProcessingStats `json:"processing_stats"`
}

// PipelineDeps wires a Pipeline. Files is optional and only needed for
// uploaded documents.
type PipelineDeps struct {
	Documents DocumentRepository
	Files     FileStore
	Vectors   vectorstore.VectorStore
	Embedder  Embedder
	Extractor *Extractor
	Chunker   *Chunker
	Retry     RetryPolicy
}

// Pipeline turns stored documents into searchable chunks. Status
// transitions of a document are written only from here.
type Pipeline struct {
	docs      DocumentRepository
	files     FileStore
	vectors   vectorstore.VectorStore
	embedder  Embedder
	extractor *Extractor
	chunker   *Chunker
	retry     RetryPolicy
	now       func() time.Time
}

// NewPipeline fails when a required dependency is missing.
func NewPipeline(deps PipelineDeps) (*Pipeline, error) {
	if deps.Documents == nil {
		return nil, errors.New("knowledge: document repository is required")
	}
	if deps.Vectors == nil {
		return nil, errors.New("knowledge: vector store is required")
	}
	if deps.Embedder == nil {
		return nil, errors.New("knowledge: embedder is required")
	}
	if deps.Extractor == nil {
		deps.Extractor = NewExtractor()
	}
	if deps.Chunker == nil {
		deps.Chunker = NewChunker(DefaultChunkSize, DefaultChunkOverlap)
	}
	return &Pipeline{
		docs:      deps.Documents,
		files:     deps.Files,
		vectors:   deps.Vectors,
		embedder:  deps.Embedder,
		extractor: deps.Extractor,
		chunker:   deps.Chunker,
		retry:     deps.Retry.normalized(),
		now:       time.Now,
	}, nil
}

// Process runs every step for one document and records the outcome on its
// record. Any step failure is terminal and leaves the document failed.
func (p *Pipeline) Process(ctx context.Context, documentID string) (*ProcessResult, error) {
	doc, err := p.fetch(ctx, documentID)
	if err != nil {
		return nil, err
	}

	tracker := newStatsTracker(p.now)
	p.writeStatus(ctx, documentID, store.DocumentUpdate{
		ProcessingStatus: store.String(store.StatusProcessing),
		ClearError:       true,
		ResetChunks:      true,
		ProcessingStats:  tracker.json(),
	})

	vectorIDs, runErr := p.run(ctx, doc, tracker)
	if runErr != nil {
		tracker.finish(0)
		log.Printf("knowledge: processing document %s failed: %v", documentID, runErr)
		p.finalWrite(ctx, documentID, store.DocumentUpdate{
			ProcessingStatus: store.String(store.StatusFailed),
			Error:            store.String(runErr.Error()),
			ResetChunks:      true,
			ProcessingStats:  tracker.json(),
		})
		return nil, runErr
	}

	total := tracker.finish(len(vectorIDs))
	p.finalWrite(ctx, documentID, store.DocumentUpdate{
		ProcessingStatus: store.String(store.StatusCompleted),
		ChunkCount:       store.Int(len(vectorIDs)),
		VectorIDs:        vectorIDs,
		ClearError:       true,
		ProcessingStats:  tracker.json(),
	})
	log.Printf("knowledge: processed document %s into %d chunks in %.2fs", documentID, len(vectorIDs), total.Seconds())

	return &ProcessResult{
		DocumentID:      documentID,
		ChunkCount:      len(vectorIDs),
		VectorIDs:       vectorIDs,
		ProcessingTime:  total.Seconds(),
		ProcessingStats: tracker.snapshot(),
	}, nil
}

// Reindex drops the document's vectors and processes it again.
func (p *Pipeline) Reindex(ctx context.Context, documentID string) (*ProcessResult, error) {
	if _, err := p.fetch(ctx, documentID); err != nil {
		return nil, err
	}
	if !p.vectors.DeleteByDocument(ctx, documentID) {
		return nil, fmt.Errorf("knowledge: could not clear vectors of document %s", documentID)
	}
	return p.Process(ctx, documentID)
}

// Delete removes the document's vectors, its backing file and then the
// record itself. A file that cannot be deleted is logged and ignored.
func (p *Pipeline) Delete(ctx context.Context, documentID string) error {
	doc, err := p.fetch(ctx, documentID)
	if err != nil {
		return err
	}
	if !p.vectors.DeleteByDocument(ctx, documentID) {
		return fmt.Errorf("knowledge: could not delete vectors of document %s", documentID)
	}
	if uri := strings.TrimSpace(doc.StorageURI); uri != "" && p.files != nil {
		if err := p.files.Delete(ctx, uri); err != nil {
			log.Printf("knowledge: delete file %s of document %s failed: %v", uri, documentID, err)
		}
	}
	if err := p.docs.DeleteDocument(ctx, documentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrDocumentNotFound
		}
		return fmt.Errorf("knowledge: delete document %s: %w", documentID, err)
	}
	return nil
}

func (p *Pipeline) fetch(ctx context.Context, documentID string) (*store.Document, error) {
	var doc *store.Document
	err := p.retry.retry(ctx, "fetch document", isNotFound, func(ctx context.Context) error {
		var err error
		doc, err = p.docs.GetDocument(ctx, documentID)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}
	if doc == nil {
		return nil, ErrDocumentNotFound
	}
	return doc, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// run executes the steps in order. Cleanup is deferred so it also runs when
// an earlier step fails.
func (p *Pipeline) run(ctx context.Context, doc *store.Document, tracker *statsTracker) (ids []string, err error) {
	var localPath string
	defer func() {
		tracker.begin(StepCleanup)
		if localPath == "" {
			tracker.complete(StepCleanup)
			return
		}
		if rmErr := os.Remove(localPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Printf("knowledge: remove scratch file %s failed: %v", localPath, rmErr)
			tracker.fail(StepCleanup, rmErr)
			return
		}
		tracker.complete(StepCleanup)
	}()

	step := func(name string, fn func() error) error {
		tracker.begin(name)
		p.writeStatus(ctx, doc.ID, store.DocumentUpdate{ProcessingStats: tracker.json()})
		if err := fn(); err != nil {
			log.Printf("knowledge: document %s step %s failed: %v", doc.ID, name, err)
			tracker.fail(name, err)
			return err
		}
		tracker.complete(name)
		return nil
	}

	src := Source{}
	if uri := strings.TrimSpace(doc.StorageURI); uri != "" {
		if err := step(StepDownload, func() error {
			if p.files == nil {
				return errors.New("knowledge: file storage is not configured")
			}
			return p.retry.retry(ctx, "download", nil, func(ctx context.Context) error {
				path, err := p.files.Download(ctx, uri)
				if err != nil {
					return err
				}
				localPath = path
				return nil
			})
		}); err != nil {
			return nil, err
		}
		src.Path = localPath
	} else {
		tracker.begin(StepDownload)
		tracker.skip(StepDownload)
		src.Text = doc.Content
	}

	var text string
	if err := step(StepTextExtraction, func() error {
		var err error
		text, err = p.extractor.Extract(ctx, src)
		return err
	}); err != nil {
		return nil, err
	}

	var chunks []string
	if err := step(StepChunking, func() error {
		chunks = p.chunker.Split(text)
		if len(chunks) == 0 {
			return ErrNoChunks
		}
		return nil
	}); err != nil {
		return nil, err
	}

	var embeddings [][]float32
	if err := step(StepEmbedding, func() error {
		var err error
		embeddings, err = p.embedder.Embed(ctx, chunks)
		if err != nil {
			return err
		}
		if len(embeddings) != len(chunks) {
			return fmt.Errorf("knowledge: embedding count mismatch (expected %d, got %d)", len(chunks), len(embeddings))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := step(StepStorage, func() error {
		records := buildChunkRecords(doc, chunks, embeddings)
		inserted, err := p.vectors.Insert(ctx, records)
		if err != nil {
			return err
		}
		if len(inserted) == 0 {
			return vectorstore.ErrNoValidRecords
		}
		ids = inserted
		return nil
	}); err != nil {
		return nil, err
	}
	return ids, nil
}

type chunkMetadata struct {
	DocumentID  string `json:"document_id"`
	Name        string `json:"name"`
	CreatedAt   string `json:"created_at"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	Content     string `json:"content"`
}

func buildChunkRecords(doc *store.Document, chunks []string, embeddings [][]float32) []vectorstore.ChunkRecord {
	created := doc.CreatedAt.UTC().Format(time.RFC3339)
	records := make([]vectorstore.ChunkRecord, 0, len(chunks))
	for i, chunk := range chunks {
		id := uuid.NewString()
		meta, err := json.Marshal(chunkMetadata{
			DocumentID:  doc.ID,
			Name:        doc.Name,
			CreatedAt:   created,
			ChunkIndex:  i,
			TotalChunks: len(chunks),
			Content:     chunk,
		})
		if err != nil {
			meta = []byte("{}")
		}
		records = append(records, vectorstore.ChunkRecord{
			ID:         id,
			DocumentID: doc.ID,
			ChunkID:    id,
			Text:       chunk,
			Metadata:   string(meta),
			Embedding:  embeddings[i],
		})
	}
	return records
}

// writeStatus is a best-effort progress write.
func (p *Pipeline) writeStatus(ctx context.Context, documentID string, update store.DocumentUpdate) {
	if err := p.docs.UpdateDocument(ctx, documentID, update); err != nil {
		log.Printf("knowledge: update status of document %s failed: %v", documentID, err)
	}
}

func (p *Pipeline) finalWrite(ctx context.Context, documentID string, update store.DocumentUpdate) {
	err := p.retry.retry(ctx, "final status write", isNotFound, func(ctx context.Context) error {
		return p.docs.UpdateDocument(ctx, documentID, update)
	})
	if err != nil {
		log.Printf("knowledge: final status write for document %s failed: %v", documentID, err)
	}
}
