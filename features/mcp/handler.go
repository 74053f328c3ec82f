package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"localrag/apps/backend/features/tasks"
	"localrag/apps/backend/internal/middleware"
	"localrag/apps/backend/internal/retrieval"
	"localrag/apps/backend/internal/task"
)

type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]retrieval.SearchResult, error)
	Stats() retrieval.Stats
}

type TaskService interface {
	RunInline(ctx context.Context, kind task.Kind, payload json.RawMessage) (any, error)
	Status(ctx context.Context, id string) (*tasks.View, error)
}

type Handler struct {
	retriever    Retriever
	tasks        TaskService
	sessions     map[string]chan string // sessionId -> serialized JSON-RPC responses
	sessionsLock sync.RWMutex
}

func NewHandler(r Retriever, t TaskService) *Handler {
	return &Handler{
		retriever: r,
		tasks:     t,
		sessions:  make(map[string]chan string),
	}
}

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type SearchArgs struct {
	Query string `json:"query"`
	Limit *int   `json:"limit,omitempty"`
}

type AskArgs struct {
	Question    string `json:"question"`
	TopK        int    `json:"top_k,omitempty"`
	BypassCache bool   `json:"bypass_cache,omitempty"`
}

type TaskStatusArgs struct {
	TaskID string `json:"task_id"`
}

type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   interface{} `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

const (
	ErrParse          = -32700
	ErrInvalidRequest = -32600
	ErrMethodNotFound = -32601
	ErrInvalidParams  = -32602
	ErrInternal       = -32603
)

const (
	ToolSearch        = "localrag_search"
	ToolAsk           = "localrag_ask"
	ToolListDocuments = "localrag_list_documents"
	ToolTaskStatus    = "localrag_task_status"
)

var tools = []Tool{
	{
		Name: ToolSearch,
		Description: `Semantic search over the indexed documents. Returns the most similar chunks with their cosine score, best first.

USAGE EXAMPLE:
localrag_search(query="how are leases renewed", limit=5)`,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]string{"type": "string", "description": "The search query"},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Max results to return (default is the configured top_k).",
					"minimum":     1,
					"maximum":     50,
				},
			},
			"required": []string{"query"},
		},
	},
	{
		Name: ToolAsk,
		Description: `Answers a question from the indexed documents. Repeated questions are served from the answer cache until the index changes.

USAGE EXAMPLE:
localrag_ask(question="What is the visibility timeout?")`,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"question":     map[string]string{"type": "string", "description": "The question"},
				"top_k":        map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 50},
				"bypass_cache": map[string]string{"type": "boolean", "description": "Skip the answer cache"},
			},
			"required": []string{"question"},
		},
	},
	{
		Name:        ToolListDocuments,
		Description: `Lists the indexed documents and how many chunks each contributed.`,
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
	},
	{
		Name:        ToolTaskStatus,
		Description: `Reports status, progress and result of a background task by id.`,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"task_id": map[string]string{"type": "string", "description": "The task id returned on submission"},
			},
			"required": []string{"task_id"},
		},
	},
}

// processRequest returns nil for notifications, which get no response.
func (h *Handler) processRequest(ctx context.Context, req JSONRPCRequest) *JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return &JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: map[string]interface{}{
				"protocolVersion": "2024-11-05",
				"capabilities": map[string]interface{}{
					"tools": map[string]interface{}{},
				},
				"serverInfo": map[string]interface{}{
					"name":    "localrag-mcp",
					"version": "1.0.0",
				},
			},
		}
	case "notifications/initialized":
		return nil
	case "ping":
		return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{}}
	case "tools/list":
		return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: ListToolsResult{Tools: tools}}
	case "tools/call":
		var params CallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			slog.WarnContext(ctx, "invalid params structure", "error", err)
			return makeErrorResponse(req.ID, ErrInvalidParams, "Invalid params")
		}
		return h.callTool(ctx, req.ID, params)
	}

	slog.WarnContext(ctx, "unknown jsonrpc method", "method", req.Method)
	return makeErrorResponse(req.ID, ErrMethodNotFound, "Method not found")
}

func (h *Handler) callTool(ctx context.Context, id interface{}, params CallParams) *JSONRPCResponse {
	switch params.Name {
	case ToolSearch:
		var args SearchArgs
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return makeErrorResponse(id, ErrInvalidParams, "Invalid search arguments")
		}
		if strings.TrimSpace(args.Query) == "" {
			return makeErrorResponse(id, ErrInvalidParams, "Query is required")
		}
		k := 0
		if args.Limit != nil {
			if *args.Limit < 1 || *args.Limit > 50 {
				return makeErrorResponse(id, ErrInvalidParams, "Limit must be between 1 and 50")
			}
			k = *args.Limit
		}

		results, err := h.retriever.Search(ctx, args.Query, k)
		if err != nil {
			slog.ErrorContext(ctx, "search failed", "error", err)
			return makeErrorResponse(id, ErrInternal, "Search failed: "+err.Error())
		}
		slog.InfoContext(ctx, "tool execution completed", "tool", ToolSearch, "result_count", len(results))
		return textResult(id, formatResults(results), false)

	case ToolAsk:
		var args AskArgs
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return makeErrorResponse(id, ErrInvalidParams, "Invalid ask arguments")
		}
		payload, _ := json.Marshal(task.AnswerQueryPayload{Question: args.Question, TopK: args.TopK, BypassCache: args.BypassCache})
		out, err := h.tasks.RunInline(ctx, task.KindAnswerQuery, payload)
		if err != nil {
			slog.ErrorContext(ctx, "ask failed", "error", err)
			return textResult(id, "Error: "+err.Error(), true)
		}
		return jsonResult(id, out)

	case ToolListDocuments:
		docs := h.retriever.Stats().Documents
		if len(docs) == 0 {
			return textResult(id, "No documents indexed.", false)
		}
		return jsonResult(id, docs)

	case ToolTaskStatus:
		var args TaskStatusArgs
		if err := json.Unmarshal(params.Arguments, &args); err != nil || args.TaskID == "" {
			return makeErrorResponse(id, ErrInvalidParams, "task_id is required")
		}
		view, err := h.tasks.Status(ctx, args.TaskID)
		if err != nil {
			return textResult(id, "Error: "+err.Error(), true)
		}
		return jsonResult(id, view)
	}

	slog.WarnContext(ctx, "tool not found", "tool", params.Name)
	return makeErrorResponse(id, ErrMethodNotFound, "Method not found: "+params.Name)
}

func formatResults(results []retrieval.SearchResult) string {
	if len(results) == 0 {
		return "No results found."
	}
	var b strings.Builder
	for i, res := range results {
		fmt.Fprintf(&b, "Result %d (Score: %.2f):\n", i+1, res.Score)
		fmt.Fprintf(&b, "Document: %s (chunk %d)\n", res.DocID, res.ChunkIndex)
		if src := res.Metadata["source"]; src != "" {
			fmt.Fprintf(&b, "Source: %s\n", src)
		}
		fmt.Fprintf(&b, "Content:\n%s\n\n---\n", res.Text)
	}
	return b.String()
}

func textResult(id interface{}, text string, isError bool) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result: ToolResult{
			Content: []ToolContent{{Type: "text", Text: text}},
			IsError: isError,
		},
	}
}

func jsonResult(id interface{}, v any) *JSONRPCResponse {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return textResult(id, "Error marshalling results", true)
	}
	return textResult(id, string(body), false)
}

func makeErrorResponse(id interface{}, code int, message string) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		Error: map[string]interface{}{
			"code":    code,
			"message": message,
		},
		ID: id,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, nil, ErrParse, "Parse error")
		return
	}

	resp := h.processRequest(r.Context(), req)
	if resp == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// HandleSSE opens a session stream; responses to messages posted for the
// session are delivered on it.
func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sessionID := uuid.New().String()
	msgChan := make(chan string, 100)

	h.sessionsLock.Lock()
	h.sessions[sessionID] = msgChan
	h.sessionsLock.Unlock()

	defer func() {
		h.sessionsLock.Lock()
		delete(h.sessions, sessionID)
		close(msgChan)
		h.sessionsLock.Unlock()
		slog.Info("sse session ended", "session_id", sessionID)
	}()

	slog.Info("sse session started", "session_id", sessionID)

	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	endpoint := fmt.Sprintf("%s://%s/mcp/messages?sessionId=%s", scheme, r.Host, sessionID)
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", html.EscapeString(endpoint))
	flusher.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg := <-msgChan:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// HandleMessage accepts a JSON-RPC message for a session, answers 202 and
// delivers the response over the session's stream.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		h.writeHTTPError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Missing sessionId", correlationID)
		return
	}

	h.sessionsLock.RLock()
	_, exists := h.sessions[sessionID]
	h.sessionsLock.RUnlock()
	if !exists {
		h.writeHTTPError(w, http.StatusNotFound, "NOT_FOUND", "Session not found", correlationID)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeHTTPError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON", correlationID)
		return
	}

	w.WriteHeader(http.StatusAccepted)

	ctx := context.WithoutCancel(r.Context())
	go func() {
		resp := h.processRequest(ctx, req)
		if resp == nil {
			return
		}
		body, err := json.Marshal(resp)
		if err != nil {
			slog.ErrorContext(ctx, "failed to marshal response", "error", err)
			return
		}
		h.deliver(ctx, sessionID, string(body))
	}()
}

// deliver holds the read lock so the stream cannot close the channel
// mid-send.
func (h *Handler) deliver(ctx context.Context, sessionID, msg string) {
	h.sessionsLock.RLock()
	defer h.sessionsLock.RUnlock()

	ch, ok := h.sessions[sessionID]
	if !ok {
		slog.WarnContext(ctx, "session closed before response", "session_id", sessionID)
		return
	}
	select {
	case ch <- msg:
	default:
		slog.WarnContext(ctx, "session channel full, dropping message", "session_id", sessionID)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	// JSON-RPC errors travel with 200 OK.
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(makeErrorResponse(id, code, message))
}

func (h *Handler) writeHTTPError(w http.ResponseWriter, status int, code, message, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"correlationId": correlationID,
	}
	json.NewEncoder(w).Encode(resp)
}
