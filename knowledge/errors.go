package knowledge

import "errors"

var (
	ErrDocumentNotFound    = errors.New("knowledge: document not found")
	ErrExtractionFailed    = errors.New("knowledge: text extraction failed")
	ErrUnsupportedFileType = errors.New("knowledge: unsupported file type")
	ErrNoChunks            = errors.New("knowledge: text produced no chunks")
	ErrInvalidURL          = errors.New("knowledge: invalid website url")
	ErrFetchFailed         = errors.New("knowledge: website fetch failed")
)
