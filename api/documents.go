package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"ragdesk_back/knowledge"
	"ragdesk_back/store"
	"ragdesk_back/vectorstore"
)

type createDocumentRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Content     string `json:"content"`
	URL         string `json:"url"`
	SourceKind  string `json:"source_kind"`
	OwnerID     string `json:"owner_id"`
}

// handleCreateDocument accepts a multipart upload or a JSON body with inline
// content, stores a pending record and starts processing in the background.
func (s *Server) handleCreateDocument(c *gin.Context) {
	var (
		doc *store.Document
		err error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		doc, err = s.createFileDocument(c)
	} else {
		doc, err = s.createTextDocument(c)
	}
	if err != nil {
		respondError(c, "failed to create document", err)
		return
	}

	s.processAsync(doc.ID)
	c.JSON(http.StatusAccepted, doc)
}

func (s *Server) createFileDocument(c *gin.Context) (*store.Document, error) {
	if s.deps.Files == nil {
		return nil, fmt.Errorf("%w: file uploads are disabled", errInvalidRequest)
	}
	header, err := c.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("%w: file is required", errInvalidRequest)
	}
	filename := filepath.Base(strings.TrimSpace(header.Filename))
	ext := strings.ToLower(filepath.Ext(filename))
	if !knowledge.SupportedExtension(ext) {
		return nil, fmt.Errorf("%w: %q", knowledge.ErrUnsupportedFileType, ext)
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		if guessed := mime.TypeByExtension(ext); guessed != "" {
			contentType = guessed
		}
	}

	name := strings.TrimSpace(c.PostForm("name"))
	if name == "" {
		name = filename
	}
	doc := &store.Document{
		ID:          uuid.NewString(),
		OwnerID:     ownerFor(c, c.PostForm(ownerFormField)),
		Name:        name,
		Description: strings.TrimSpace(c.PostForm("description")),
		SourceKind:  store.SourceFile,
		FileType:    contentType,
	}

	file, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open upload: %v", errInvalidRequest, err)
	}
	defer file.Close()

	ctx := c.Request.Context()
	uri, size, err := s.deps.Files.Upload(ctx, file, header.Size, doc.OwnerID, doc.ID, filename, contentType)
	if err != nil {
		return nil, err
	}
	doc.StorageURI = uri
	doc.FileSize = size

	if err := s.deps.Documents.CreateDocument(ctx, doc); err != nil {
		if delErr := s.deps.Files.Delete(context.Background(), uri); delErr != nil {
			log.Printf("api: remove orphaned upload %s failed: %v", uri, delErr)
		}
		return nil, err
	}
	return doc, nil
}

func (s *Server) createTextDocument(c *gin.Context) (*store.Document, error) {
	var req createDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	if strings.TrimSpace(req.URL) != "" {
		return s.createWebsiteDocument(c, req)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", errInvalidRequest)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", errInvalidRequest)
	}
	kind := store.SourceRawText
	if req.SourceKind == store.SourceWebsite {
		kind = store.SourceWebsite
	}

	doc := &store.Document{
		OwnerID:     ownerFor(c, req.OwnerID),
		Name:        name,
		Description: strings.TrimSpace(req.Description),
		SourceKind:  kind,
		FileType:    "text/plain",
		FileSize:    int64(len(req.Content)),
		Content:     req.Content,
	}
	if err := s.deps.Documents.CreateDocument(c.Request.Context(), doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// createWebsiteDocument fetches the page now so that an unreachable URL is
// reported to the caller instead of surfacing as a failed document.
func (s *Server) createWebsiteDocument(c *gin.Context, req createDocumentRequest) (*store.Document, error) {
	if s.deps.Websites == nil {
		return nil, fmt.Errorf("%w: website ingestion is disabled", errInvalidRequest)
	}
	target, err := knowledge.ValidateWebsiteURL(req.URL)
	if err != nil {
		return nil, err
	}
	page, err := s.deps.Websites.Fetch(c.Request.Context(), target)
	if errors.Is(err, knowledge.ErrExtractionFailed) {
		return nil, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = page.Title
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = page.Description
	}
	doc := &store.Document{
		OwnerID:     ownerFor(c, req.OwnerID),
		Name:        name,
		Description: description,
		SourceKind:  store.SourceWebsite,
		SourceURL:   target,
		FileType:    "text/html",
		FileSize:    int64(len(page.Text)),
		Content:     page.Text,
	}
	if err := s.deps.Documents.CreateDocument(c.Request.Context(), doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Server) handleListDocuments(c *gin.Context) {
	owner := strings.TrimSpace(c.Query(ownerQueryKey))
	if p := principal(c); p != nil && p.ID != "" {
		owner = p.ID
	}
	docs, err := s.deps.Documents.ListDocuments(c.Request.Context(), owner)
	if err != nil {
		respondError(c, "failed to list documents", err)
		return
	}
	if docs == nil {
		docs = []store.Document{}
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

// loadDocument fetches the :id document and enforces ownership when the
// caller is authenticated. It writes the error response itself.
func (s *Server) loadDocument(c *gin.Context) (*store.Document, bool) {
	id := strings.TrimSpace(c.Param("id"))
	doc, err := s.deps.Documents.GetDocument(c.Request.Context(), id)
	if err != nil {
		respondError(c, "document not found", err)
		return nil, false
	}
	if p := principal(c); p != nil && doc.OwnerID != "" && doc.OwnerID != p.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		return nil, false
	}
	return doc, true
}

func (s *Server) handleGetDocument(c *gin.Context) {
	doc, ok := s.loadDocument(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) handleGetDocumentChunks(c *gin.Context) {
	doc, ok := s.loadDocument(c)
	if !ok {
		return
	}
	chunks, err := s.deps.Vectors.GetDocumentChunks(c.Request.Context(), doc.ID)
	if err != nil {
		respondError(c, "failed to load chunks", err)
		return
	}
	if chunks == nil {
		chunks = []vectorstore.StoredChunk{}
	}
	c.JSON(http.StatusOK, gin.H{"document_id": doc.ID, "chunks": chunks, "count": len(chunks)})
}

func (s *Server) handleReindexDocument(c *gin.Context) {
	doc, ok := s.loadDocument(c)
	if !ok {
		return
	}
	result, err := s.deps.Pipeline.Reindex(c.Request.Context(), doc.ID)
	if err != nil {
		respondError(c, "failed to reindex document", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

func (s *Server) handleDeleteDocument(c *gin.Context) {
	doc, ok := s.loadDocument(c)
	if !ok {
		return
	}
	if err := s.deps.Pipeline.Delete(c.Request.Context(), doc.ID); err != nil {
		respondError(c, "failed to delete document", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
