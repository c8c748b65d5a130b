package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("store: record not found")

// Repository reads and writes document and chatbot records.
type Repository struct {
	db *gorm.DB
}

// NewRepository wraps an opened and migrated database.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) DB() *gorm.DB {
	return r.db
}

// CreateDocument inserts doc in the pending state, assigning an ID when it
// has none.
func (r *Repository) CreateDocument(ctx context.Context, doc *Document) error {
	if doc == nil {
		return errors.New("store: document is nil")
	}
	if strings.TrimSpace(doc.ID) == "" {
		doc.ID = uuid.NewString()
	}
	if doc.SourceKind == "" {
		doc.SourceKind = SourceFile
	}
	doc.ProcessingStatus = StatusPending
	if err := r.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("store: create document: %w", err)
	}
	return nil
}

func (r *Repository) GetDocument(ctx context.Context, id string) (*Document, error) {
	var doc Document
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get document %s: %w", id, err)
	}
	return &doc, nil
}

// UpdateDocument writes only the fields set on update.
func (r *Repository) UpdateDocument(ctx context.Context, id string, update DocumentUpdate) error {
	cols := update.columns()
	if len(cols) == 0 {
		return nil
	}
	res := r.db.WithContext(ctx).Model(&Document{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return fmt.Errorf("store: update document %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) DeleteDocument(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&Document{})
	if res.Error != nil {
		return fmt.Errorf("store: delete document %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDocuments returns the owner's documents, newest first. An empty owner
// lists every document.
func (r *Repository) ListDocuments(ctx context.Context, ownerID string) ([]Document, error) {
	query := r.db.WithContext(ctx).Order("created_at DESC")
	if owner := strings.TrimSpace(ownerID); owner != "" {
		query = query.Where("owner_id = ?", owner)
	}
	var docs []Document
	if err := query.Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("store: list documents: %w", err)
	}
	return docs, nil
}

// CountDocumentsByStatus groups documents by processing status.
func (r *Repository) CountDocumentsByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		ProcessingStatus string
		Total            int64
	}
	err := r.db.WithContext(ctx).
		Model(&Document{}).
		Select("processing_status, COUNT(*) AS total").
		Group("processing_status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: count documents: %w", err)
	}
	counts := map[string]int64{
		StatusPending:    0,
		StatusProcessing: 0,
		StatusCompleted:  0,
		StatusFailed:     0,
	}
	for _, row := range rows {
		counts[row.ProcessingStatus] = row.Total
	}
	return counts, nil
}

func (r *Repository) CreateChatbot(ctx context.Context, bot *Chatbot) error {
	if bot == nil {
		return errors.New("store: chatbot is nil")
	}
	if strings.TrimSpace(bot.ID) == "" {
		bot.ID = uuid.NewString()
	}
	if len(bot.Documents) == 0 {
		bot.Documents = StringList(nil)
	}
	if err := r.db.WithContext(ctx).Create(bot).Error; err != nil {
		return fmt.Errorf("store: create chatbot: %w", err)
	}
	return nil
}

func (r *Repository) GetChatbot(ctx context.Context, id string) (*Chatbot, error) {
	var bot Chatbot
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&bot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get chatbot %s: %w", id, err)
	}
	return &bot, nil
}
