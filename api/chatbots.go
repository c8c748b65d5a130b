package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ragdesk_back/knowledge"
	"ragdesk_back/store"
)

type createChatbotRequest struct {
	Name         string   `json:"name" binding:"required"`
	Role         string   `json:"role"`
	Instructions string   `json:"instructions"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    *int     `json:"max_tokens"`
	Model        string   `json:"model"`
	Documents    []string `json:"documents"`
	OwnerID      string   `json:"owner_id"`
}

type queryRequest struct {
	Query        string   `json:"query" binding:"required"`
	DocumentIDs  []string `json:"document_ids"`
	ChatbotID    string   `json:"chatbot_id"`
	Temperature  *float64 `json:"temperature"`
	Instructions string   `json:"instructions"`
	MaxTokens    int      `json:"max_tokens"`
	Model        string   `json:"model"`
}

func (r queryRequest) toKnowledge() knowledge.QueryRequest {
	return knowledge.QueryRequest{
		Query:        strings.TrimSpace(r.Query),
		DocumentIDs:  r.DocumentIDs,
		ChatbotID:    strings.TrimSpace(r.ChatbotID),
		Temperature:  r.Temperature,
		Instructions: r.Instructions,
		MaxTokens:    r.MaxTokens,
		Model:        r.Model,
	}
}

func (s *Server) handleCreateChatbot(c *gin.Context) {
	var req createChatbotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload", "details": err.Error()})
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "temperature must be between 0 and 2"})
		return
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_tokens must be positive"})
		return
	}
	model := strings.TrimSpace(req.Model)
	if model != "" && s.deps.Catalog != nil {
		model = s.deps.Catalog.Resolve(model, "")
		if model == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown model", "details": req.Model})
			return
		}
	}

	bot := &store.Chatbot{
		OwnerID:      ownerFor(c, req.OwnerID),
		Name:         name,
		Role:         strings.TrimSpace(req.Role),
		Instructions: strings.TrimSpace(req.Instructions),
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		Model:        model,
		Documents:    store.StringList(req.Documents),
	}
	if err := s.deps.Chatbots.CreateChatbot(c.Request.Context(), bot); err != nil {
		respondError(c, "failed to create chatbot", err)
		return
	}
	c.JSON(http.StatusCreated, bot)
}

func (s *Server) handleGetChatbot(c *gin.Context) {
	bot, err := s.deps.Chatbots.GetChatbot(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		respondError(c, "chatbot not found", err)
		return
	}
	c.JSON(http.StatusOK, bot)
}

func (s *Server) handleChatbotQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload", "details": err.Error()})
		return
	}
	req.ChatbotID = c.Param("id")
	s.runQuery(c, req)
}

func (s *Server) handleQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload", "details": err.Error()})
		return
	}
	s.runQuery(c, req)
}

func (s *Server) runQuery(c *gin.Context, req queryRequest) {
	q := req.toKnowledge()
	if q.Query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}
	c.JSON(http.StatusOK, s.deps.Query.Query(c.Request.Context(), q))
}

func (s *Server) handleListModels(c *gin.Context) {
	models := s.deps.Catalog.Models()
	if models == nil {
		c.JSON(http.StatusOK, gin.H{"models": []interface{}{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

func (s *Server) handleVectorDiagnostics(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Vectors.CheckConnection(c.Request.Context()))
}

func (s *Server) handleDocumentDiagnostics(c *gin.Context) {
	counts, err := s.deps.Documents.CountDocumentsByStatus(c.Request.Context())
	if err != nil {
		respondError(c, "failed to count documents", err)
		return
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "by_status": counts})
}
