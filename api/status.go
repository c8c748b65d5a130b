package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"ragdesk_back/knowledge"
	"ragdesk_back/store"
)

// maxStatusWatch bounds how long a client may follow one document.
const maxStatusWatch = 30 * time.Minute

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type documentStatus struct {
	ID               string                     `json:"id"`
	ProcessingStatus string                     `json:"processingStatus"`
	ChunkCount       *int                       `json:"chunkCount"`
	Error            *string                    `json:"error"`
	ProcessingStats  *knowledge.ProcessingStats `json:"processingStats,omitempty"`
}

func statusOf(doc *store.Document) documentStatus {
	stats, err := knowledge.ParseProcessingStats(doc.ProcessingStats)
	if err != nil {
		log.Printf("api: decode processing stats of %s failed: %v", doc.ID, err)
	}
	return documentStatus{
		ID:               doc.ID,
		ProcessingStatus: doc.ProcessingStatus,
		ChunkCount:       doc.ChunkCount,
		Error:            doc.Error,
		ProcessingStats:  stats,
	}
}

func terminal(status string) bool {
	return status == store.StatusCompleted || status == store.StatusFailed
}

// wantsEventStream reports whether the client asked for server-sent events.
func wantsEventStream(c *gin.Context) bool {
	accept := strings.ToLower(strings.TrimSpace(c.GetHeader("Accept")))
	if strings.Contains(accept, "text/event-stream") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Query("stream"))) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func streamEvent(w gin.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// watchStatus calls emit with the document status whenever it changes,
// until the status is terminal, the document disappears or ctx ends.
func (s *Server) watchStatus(ctx context.Context, id string, emit func(documentStatus) error) error {
	ctx, cancel := context.WithTimeout(ctx, maxStatusWatch)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var last []byte
	for {
		doc, err := s.deps.Documents.GetDocument(ctx, id)
		if err != nil {
			return err
		}
		current := statusOf(doc)
		encoded, _ := json.Marshal(current)
		if string(encoded) != string(last) {
			if err := emit(current); err != nil {
				return err
			}
			last = encoded
		}
		if terminal(current.ProcessingStatus) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// handleDocumentStatus returns the current status, or streams every change
// as server-sent events when the client asks for a stream.
func (s *Server) handleDocumentStatus(c *gin.Context) {
	doc, ok := s.loadDocument(c)
	if !ok {
		return
	}
	if !wantsEventStream(c) {
		c.JSON(http.StatusOK, statusOf(doc))
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	err := s.watchStatus(c.Request.Context(), doc.ID, func(st documentStatus) error {
		return streamEvent(c.Writer, flusher, "status", st)
	})
	if err != nil && c.Request.Context().Err() == nil {
		_ = streamEvent(c.Writer, flusher, "error", gin.H{"error": err.Error()})
		return
	}
	_ = streamEvent(c.Writer, flusher, "done", gin.H{"id": doc.ID})
}

// handleDocumentStatusSocket pushes status changes over a websocket and
// closes it once processing has finished.
func (s *Server) handleDocumentStatusSocket(c *gin.Context) {
	doc, ok := s.loadDocument(c)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("api: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The reader only notices the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("api: websocket read: %v", err)
				}
				return
			}
		}
	}()

	err = s.watchStatus(ctx, doc.ID, func(st documentStatus) error {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(st)
	})
	reason := "processing finished"
	code := websocket.CloseNormalClosure
	if err != nil && ctx.Err() == nil {
		reason = err.Error()
		code = websocket.CloseInternalServerErr
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, truncateReason(reason)), time.Now().Add(time.Second))
}

// truncateReason keeps a close reason within the 123 byte control frame limit.
func truncateReason(reason string) string {
	if len(reason) <= 120 {
		return reason
	}
	return reason[:120]
}
