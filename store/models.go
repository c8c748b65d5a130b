package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

const (
	SourceFile    = "file"
	SourceWebsite = "website"
	SourceRawText = "raw-text"
)

// Document is the persisted record of one uploaded source. Processing fields
// are written only by the document pipeline.
type Document struct {
	ID               string         `gorm:"primaryKey;size:36" json:"id"`
	OwnerID          string         `gorm:"column:owner_id;size:128;index" json:"ownerId"`
	Name             string         `gorm:"size:255;not null" json:"name"`
	Description      string         `gorm:"size:1000" json:"description,omitempty"`
	SourceKind       string         `gorm:"column:source_kind;size:16;not null;default:'file'" json:"sourceKind"`
	FileType         string         `gorm:"column:file_type;size:128" json:"fileType,omitempty"`
	FileSize         int64          `gorm:"column:file_size" json:"fileSize"`
	StorageURI       string         `gorm:"column:storage_uri;size:512" json:"storageUri,omitempty"`
	SourceURL        string         `gorm:"column:source_url;size:2048" json:"sourceUrl,omitempty"`
	Content          string         `gorm:"type:text" json:"content,omitempty"`
	ProcessingStatus string         `gorm:"column:processing_status;size:16;not null;default:'pending';index" json:"processingStatus"`
	ChunkCount       *int           `gorm:"column:chunk_count" json:"chunkCount"`
	VectorIDs        datatypes.JSON `gorm:"column:vector_ids" json:"vectorIds,omitempty"`
	Error            *string        `gorm:"column:error;type:text" json:"error"`
	ProcessingStats  datatypes.JSON `gorm:"column:processing_stats" json:"processingStats,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

func (Document) TableName() string {
	return "documents"
}

// VectorIDList decodes VectorIDs, returning nil when unset or malformed.
func (d *Document) VectorIDList() []string {
	return decodeStrings(d.VectorIDs)
}

// Chatbot carries the prompt settings and document scope used by queries.
type Chatbot struct {
	ID           string         `gorm:"primaryKey;size:36" json:"id"`
	OwnerID      string         `gorm:"column:owner_id;size:128;index" json:"ownerId"`
	Name         string         `gorm:"size:255;not null" json:"name"`
	Role         string         `gorm:"size:255" json:"role,omitempty"`
	Instructions string         `gorm:"type:text" json:"instructions,omitempty"`
	Temperature  *float64       `json:"temperature,omitempty"`
	MaxTokens    *int           `gorm:"column:max_tokens" json:"maxTokens,omitempty"`
	Model        string         `gorm:"size:128" json:"model,omitempty"`
	Documents    datatypes.JSON `gorm:"column:documents" json:"documents"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

func (Chatbot) TableName() string {
	return "chatbots"
}

func (c *Chatbot) DocumentIDs() []string {
	return decodeStrings(c.Documents)
}

// DocumentUpdate is a partial update of a document record. Nil fields are
// left untouched.
type DocumentUpdate struct {
	ProcessingStatus *string
	ChunkCount       *int
	VectorIDs        []string
	Error            *string
	ClearError       bool
	// ResetChunks clears chunkCount and vectorIds. It wins over ChunkCount
	// and VectorIDs.
	ResetChunks     bool
	ProcessingStats datatypes.JSON
}

func (u DocumentUpdate) columns() map[string]interface{} {
	cols := make(map[string]interface{}, 6)
	if u.ProcessingStatus != nil {
		cols["processing_status"] = *u.ProcessingStatus
	}
	if u.ResetChunks {
		cols["chunk_count"] = nil
		cols["vector_ids"] = encodeStrings([]string{})
	} else {
		if u.ChunkCount != nil {
			cols["chunk_count"] = *u.ChunkCount
		}
		if u.VectorIDs != nil {
			cols["vector_ids"] = encodeStrings(u.VectorIDs)
		}
	}
	if u.ClearError {
		cols["error"] = nil
	} else if u.Error != nil {
		cols["error"] = *u.Error
	}
	if u.ProcessingStats != nil {
		cols["processing_stats"] = u.ProcessingStats
	}
	return cols
}

// Apply copies the update onto doc in memory.
func (u DocumentUpdate) Apply(doc *Document) {
	if doc == nil {
		return
	}
	if u.ProcessingStatus != nil {
		doc.ProcessingStatus = *u.ProcessingStatus
	}
	if u.ResetChunks {
		doc.ChunkCount = nil
		doc.VectorIDs = encodeStrings([]string{})
	} else {
		if u.ChunkCount != nil {
			count := *u.ChunkCount
			doc.ChunkCount = &count
		}
		if u.VectorIDs != nil {
			doc.VectorIDs = encodeStrings(u.VectorIDs)
		}
	}
	if u.ClearError {
		doc.Error = nil
	} else if u.Error != nil {
		msg := *u.Error
		doc.Error = &msg
	}
	if u.ProcessingStats != nil {
		doc.ProcessingStats = append(datatypes.JSON(nil), u.ProcessingStats...)
	}
}

func encodeStrings(values []string) datatypes.JSON {
	if values == nil {
		values = []string{}
	}
	raw, _ := json.Marshal(values)
	return datatypes.JSON(raw)
}

func decodeStrings(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// StringList encodes values for a datatypes.JSON column.
func StringList(values []string) datatypes.JSON {
	return encodeStrings(values)
}

// String returns a pointer to s, for DocumentUpdate fields.
func String(s string) *string {
	return &s
}

// Int returns a pointer to v, for DocumentUpdate fields.
func Int(v int) *int {
	return &v
}
