package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"ragdesk_back/llm"
	"ragdesk_back/store"
	"ragdesk_back/vectorstore"
)

// Outcomes reported by the query engine.
const (
	RAGNoDocuments    = "no_documents"
	RAGSuccess        = "rag_success"
	RAGNoContextFound = "no_context_found"
	RAGLLMFallback    = "llm_fallback"
	RAGError          = "error"
)

const (
	contextTopK   = 3
	contextCutoff = 0.7
)

// ChatbotSource resolves the chatbot a query runs against.
type ChatbotSource interface {
	GetChatbot(ctx context.Context, id string) (*store.Chatbot, error)
}

// QueryRequest is one user question for a chatbot.
type QueryRequest struct {
	Query string `json:"query"`
	// DocumentIDs, when not empty, take precedence over the chatbot's set.
	DocumentIDs  []string `json:"document_ids,omitempty"`
	ChatbotID    string   `json:"chatbot_id,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	Model        string   `json:"model,omitempty"`
}

// SourceRef points at one chunk used as grounding context.
type SourceRef struct {
	DocumentID string  `json:"document_id"`
	ChunkID    string  `json:"chunk_id"`
	Score      float64 `json:"score"`
}

// QueryResponse is the answer together with the chunks it was grounded on.
// Status tells a grounded answer apart from the fallback replies.
type QueryResponse struct {
	Response      string      `json:"response"`
	Sources       []SourceRef `json:"sources"`
	TokenEstimate int         `json:"token_estimate"`
	Status        string      `json:"rag_status"`
	Complexity    Complexity  `json:"complexity,omitempty"`
}

// QueryDeps wires a QueryEngine.
type QueryDeps struct {
	Chatbots ChatbotSource
	Vectors  vectorstore.VectorStore
	Embedder Embedder
	LLM      llm.Chatter
}

// QueryEngine answers questions over a document scope, degrading to an
// ungrounded answer whenever retrieval cannot help.
type QueryEngine struct {
	chatbots ChatbotSource
	vectors  vectorstore.VectorStore
	embedder Embedder
	llm      llm.Chatter

	mu          sync.Mutex
	lastSources []SourceRef
}

// NewQueryEngine fails when a required dependency is missing.
func NewQueryEngine(deps QueryDeps) (*QueryEngine, error) {
	if deps.LLM == nil {
		return nil, errors.New("knowledge: llm client is required")
	}
	return &QueryEngine{
		chatbots: deps.Chatbots,
		vectors:  deps.Vectors,
		embedder: deps.Embedder,
		llm:      deps.LLM,
	}, nil
}

// queryPlan is the resolved scope and prompt settings for one call.
type queryPlan struct {
	req     QueryRequest
	bot     *store.Chatbot
	scope   []string
	options llm.ChatOptions
}

// Query always returns a usable response. Failures along the way are logged
// and reflected in the status.
func (e *QueryEngine) Query(ctx context.Context, req QueryRequest) (resp QueryResponse) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("knowledge: query panicked: %v", r)
			resp = QueryResponse{
				Response:      lastResortText,
				Sources:       []SourceRef{},
				TokenEstimate: estimateTokens(req.Query, lastResortText),
				Status:        RAGError,
			}
		}
	}()

	plan, botMissing := e.plan(ctx, req)
	resp = e.answer(ctx, plan, botMissing)
	if resp.Sources == nil {
		resp.Sources = []SourceRef{}
	}
	resp.TokenEstimate = estimateTokens(req.Query, resp.Response)
	e.setLastSources(resp.Sources)
	return resp
}

func (e *QueryEngine) plan(ctx context.Context, req QueryRequest) (queryPlan, bool) {
	plan := queryPlan{req: req}
	botMissing := false

	if id := strings.TrimSpace(req.ChatbotID); id != "" && e.chatbots != nil {
		bot, err := e.chatbots.GetChatbot(ctx, id)
		if err != nil {
			log.Printf("knowledge: load chatbot %s failed: %v", id, err)
			botMissing = true
		} else {
			plan.bot = bot
		}
	}

	plan.scope = cleanIDs(req.DocumentIDs)
	if len(plan.scope) == 0 && plan.bot != nil {
		plan.scope = cleanIDs(plan.bot.DocumentIDs())
	}

	plan.options = llm.ChatOptions{Model: req.Model, Temperature: req.Temperature, MaxTokens: req.MaxTokens}
	if plan.bot != nil {
		if plan.options.Temperature == nil && plan.bot.Temperature != nil {
			plan.options.Temperature = llm.Float64(*plan.bot.Temperature)
		}
		if plan.options.MaxTokens <= 0 && plan.bot.MaxTokens != nil {
			plan.options.MaxTokens = *plan.bot.MaxTokens
		}
		if strings.TrimSpace(plan.options.Model) == "" {
			plan.options.Model = plan.bot.Model
		}
	}
	return plan, botMissing && len(plan.scope) == 0
}

func (e *QueryEngine) answer(ctx context.Context, plan queryPlan, botMissing bool) QueryResponse {
	query := plan.req.Query
	if botMissing {
		return QueryResponse{Response: e.llmOnly(ctx, plan), Status: RAGLLMFallback}
	}
	if len(plan.scope) == 0 {
		return QueryResponse{Response: e.llmOnly(ctx, plan), Status: RAGNoDocuments}
	}

	complexity := ClassifyComplexity(query)
	settings := complexity.Retrieval()
	log.Printf("knowledge: query complexity %s, top_k=%d cutoff=%.2f over %d documents", complexity, settings.TopK, settings.Cutoff, len(plan.scope))

	hits, err := e.search(ctx, query, settings.TopK, settings.Cutoff, plan.scope)
	if err != nil {
		log.Printf("knowledge: retrieval failed, answering without context: %v", err)
		return QueryResponse{Response: e.llmOnly(ctx, plan), Status: RAGError, Complexity: complexity}
	}
	if len(hits) == 0 {
		return QueryResponse{
			Response:   withDisclaimer(e.llmOnly(ctx, plan)),
			Status:     RAGNoContextFound,
			Complexity: complexity,
		}
	}

	contextText, sources := assembleContext(hits)
	if len(sources) == 0 {
		log.Printf("knowledge: %d hits carried no text, answering without context", len(hits))
		return QueryResponse{Response: e.llmOnly(ctx, plan), Status: RAGLLMFallback, Complexity: complexity}
	}

	result, err := e.llm.Chat(ctx, []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: buildRAGPrompt(plan.bot, plan.req.Instructions)},
		{Role: llm.RoleUser, Content: buildContextMessage(contextText, query)},
	}, plan.options)
	if err != nil {
		log.Printf("knowledge: grounded answer failed, falling back: %v", err)
		return QueryResponse{Response: e.llmOnly(ctx, plan), Status: RAGLLMFallback, Complexity: complexity}
	}

	text := strings.TrimSpace(result.Content)
	if text == "" {
		text = emptyAnswerText
	}
	return QueryResponse{Response: text, Sources: sources, Status: RAGSuccess, Complexity: complexity}
}

// llmOnly answers from the model alone. It never fails; a provider error
// becomes a fixed apology.
func (e *QueryEngine) llmOnly(ctx context.Context, plan queryPlan) string {
	result, err := e.llm.Chat(ctx, []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: buildLLMOnlyPrompt(plan.bot, plan.req.Instructions)},
		{Role: llm.RoleUser, Content: plan.req.Query},
	}, plan.options)
	if err != nil {
		log.Printf("knowledge: llm-only answer failed: %v", err)
		return llmUnavailableText
	}
	text := strings.TrimSpace(result.Content)
	if text == "" {
		return llmUnavailableText
	}
	return text
}

func (e *QueryEngine) search(ctx context.Context, query string, topK int, cutoff float64, scope []string) ([]vectorstore.ScoredChunk, error) {
	if e.embedder == nil || e.vectors == nil {
		return nil, errors.New("knowledge: retrieval is not configured")
	}
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, errors.New("knowledge: query is empty")
	}
	vectors, err := e.embedder.Embed(ctx, []string{trimmed})
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, errors.New("knowledge: embedder returned no vector")
	}
	return e.vectors.Search(ctx, vectorstore.SearchRequest{
		Vector:      vectors[0],
		TopK:        topK,
		Cutoff:      cutoff,
		DocumentIDs: scope,
	})
}

func assembleContext(hits []vectorstore.ScoredChunk) (string, []SourceRef) {
	sorted := append([]vectorstore.ScoredChunk(nil), hits...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	texts := make([]string, 0, len(sorted))
	sources := make([]SourceRef, 0, len(sorted))
	for _, hit := range sorted {
		text := strings.TrimSpace(hit.Text)
		if text == "" {
			continue
		}
		texts = append(texts, text)
		sources = append(sources, SourceRef{
			DocumentID: hit.DocumentID,
			ChunkID:    hit.ChunkID,
			Score:      hit.Score,
		})
	}
	return strings.Join(texts, "\n\n"), sources
}

// GetContext returns the best matching chunk texts for query, joined by
// blank lines, and records them as the last sources. No match yields "".
func (e *QueryEngine) GetContext(ctx context.Context, query string, documentIDs []string) (string, error) {
	scope := cleanIDs(documentIDs)
	if len(scope) == 0 {
		e.setLastSources(nil)
		return "", nil
	}
	hits, err := e.search(ctx, query, contextTopK, contextCutoff, scope)
	if err != nil {
		e.setLastSources(nil)
		return "", err
	}
	text, sources := assembleContext(hits)
	e.setLastSources(sources)
	return text, nil
}

// LastSources returns the sources of the most recent call.
func (e *QueryEngine) LastSources() []SourceRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]SourceRef(nil), e.lastSources...)
}

func (e *QueryEngine) setLastSources(sources []SourceRef) {
	e.mu.Lock()
	e.lastSources = append([]SourceRef(nil), sources...)
	e.mu.Unlock()
}

func cleanIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
