// Package api exposes the document, chatbot and query operations over HTTP.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"ragdesk_back/knowledge"
	"ragdesk_back/llm"
	"ragdesk_back/storage"
	"ragdesk_back/store"
	"ragdesk_back/vectorstore"
)

// errInvalidRequest marks client mistakes that map to 400.
var errInvalidRequest = errors.New("invalid request")

// DocumentStore persists document records.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *store.Document) error
	GetDocument(ctx context.Context, id string) (*store.Document, error)
	ListDocuments(ctx context.Context, ownerID string) ([]store.Document, error)
	CountDocumentsByStatus(ctx context.Context) (map[string]int64, error)
}

// ChatbotStore persists chatbot configurations.
type ChatbotStore interface {
	CreateChatbot(ctx context.Context, bot *store.Chatbot) error
	GetChatbot(ctx context.Context, id string) (*store.Chatbot, error)
}

// Processor runs documents through ingestion and removes them again.
type Processor interface {
	Process(ctx context.Context, documentID string) (*knowledge.ProcessResult, error)
	Reindex(ctx context.Context, documentID string) (*knowledge.ProcessResult, error)
	Delete(ctx context.Context, documentID string) error
}

// WebsiteFetcher downloads a page and returns its readable text.
type WebsiteFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*knowledge.WebPage, error)
}

// Querier answers a question against a chatbot's documents.
type Querier interface {
	Query(ctx context.Context, req knowledge.QueryRequest) knowledge.QueryResponse
}

// Deps wires the server to its collaborators. Files may be nil when only
// raw-text documents are accepted, Websites when URL ingestion is off.
type Deps struct {
	Documents      DocumentStore
	Chatbots       ChatbotStore
	Files          storage.FileStorage
	Websites       WebsiteFetcher
	Pipeline       Processor
	Query          Querier
	Vectors        vectorstore.VectorStore
	Catalog        *llm.Catalog
	JWTSecret      string
	Realm          string
	AllowedOrigins []string
}

// Server holds the handlers and tracks background processing jobs.
type Server struct {
	deps         Deps
	jwt          *jwt.GinJWTMiddleware
	jobs         sync.WaitGroup
	pollInterval time.Duration
}

// NewServer checks the required dependencies and sets up JWT auth when a
// secret is configured.
func NewServer(deps Deps) (*Server, error) {
	if deps.Documents == nil || deps.Chatbots == nil || deps.Pipeline == nil || deps.Query == nil || deps.Vectors == nil {
		return nil, errors.New("api: documents, chatbots, pipeline, query and vectors are required")
	}
	s := &Server{deps: deps, pollInterval: 500 * time.Millisecond}
	if strings.TrimSpace(deps.JWTSecret) != "" {
		mw, err := buildJWTMiddleware(deps.JWTSecret, deps.Realm)
		if err != nil {
			return nil, err
		}
		s.jwt = mw
	}
	return s, nil
}

// Router builds a gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery(), cors.New(corsConfig(s.deps.AllowedOrigins)))
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts every route on router.
func (s *Server) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", s.handleHealth)

	group := router.Group("")
	if s.jwt != nil {
		group.Use(s.jwt.MiddlewareFunc())
	}

	docs := group.Group("/documents")
	docs.POST("", s.handleCreateDocument)
	docs.POST("/url", s.handleCreateDocument)
	docs.GET("", s.handleListDocuments)
	docs.GET("/:id", s.handleGetDocument)
	docs.GET("/:id/chunks", s.handleGetDocumentChunks)
	docs.GET("/:id/status", s.handleDocumentStatus)
	docs.GET("/:id/status/ws", s.handleDocumentStatusSocket)
	docs.POST("/:id/reindex", s.handleReindexDocument)
	docs.DELETE("/:id", s.handleDeleteDocument)

	bots := group.Group("/chatbots")
	bots.POST("", s.handleCreateChatbot)
	bots.GET("/:id", s.handleGetChatbot)
	bots.POST("/:id/query", s.handleChatbotQuery)

	group.POST("/query", s.handleQuery)
	group.GET("/models", s.handleListModels)

	diag := group.Group("/diagnostics")
	diag.GET("/vector-db", s.handleVectorDiagnostics)
	diag.GET("/documents", s.handleDocumentDiagnostics)
}

// Wait blocks until background processing started by uploads has finished.
func (s *Server) Wait() {
	s.jobs.Wait()
}

// processAsync runs the pipeline detached from the request that triggered it.
func (s *Server) processAsync(documentID string) {
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		if _, err := s.deps.Pipeline.Process(context.Background(), documentID); err != nil {
			log.Printf("api: process document %s failed: %v", documentID, err)
		}
	}()
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization")
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cfg
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

// respondError maps domain errors onto status codes.
func respondError(c *gin.Context, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, knowledge.ErrDocumentNotFound), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errInvalidRequest), errors.Is(err, knowledge.ErrUnsupportedFileType),
		errors.Is(err, knowledge.ErrInvalidURL), errors.Is(err, knowledge.ErrFetchFailed):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotConfigured):
		status = http.StatusServiceUnavailable
	}
	body := gin.H{"error": message}
	if err != nil {
		body["details"] = err.Error()
	}
	c.JSON(status, body)
}
