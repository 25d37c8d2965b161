package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"livesync/internal/engine"
	"livesync/internal/middleware"
	"livesync/internal/models"
	"livesync/internal/services/collaboration"

	"go.opentelemetry.io/otel/attribute"
)

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	engine    SyncEngine                      // Interface defined in this package!
	wsHandler *collaboration.WebSocketHandler // WebSocket transport with push support
}

func NewHandler(engine SyncEngine, wsHandler *collaboration.WebSocketHandler) *Handler {
	return &Handler{
		engine:    engine,
		wsHandler: wsHandler,
	}
}

// Session handlers

func (h *Handler) Init(w http.ResponseWriter, r *http.Request) {
	var req models.InitRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	conn := connectionFor(r)

	resp, err := h.engine.Init(r.Context(), req.Session, conn)
	if err != nil {
		writeError(w, r, err)
		return
	}
	conn.Bind(req.Session)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	var req models.WatchRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	ctx, span := middleware.StartSpan(r.Context(), "Handler.Watch",
		attribute.String("session", req.Session),
		attribute.String("subclass", req.Subclass),
	)
	defer span.End()

	if !h.connect(w, r, req.Session) {
		return
	}
	var resp *models.WatchResponse
	err := h.engine.Watch(ctx, req.Session, req.Subclass, func(wr *models.WatchResponse) {
		resp = wr
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		writeError(w, r, err)
		return
	}
	span.SetAttributes(attribute.Int("qualified", len(resp.Qualified)))
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Unwatch(w http.ResponseWriter, r *http.Request) {
	var req models.UnwatchRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if !h.connect(w, r, req.Session) {
		return
	}
	resp, err := h.engine.Unwatch(r.Context(), req.Session, req.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Forget(w http.ResponseWriter, r *http.Request) {
	var req models.ForgetRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if !h.connect(w, r, req.Session) {
		return
	}
	resp, err := h.engine.Forget(r.Context(), req.Session, req.Forget)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	var req models.SyncRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	ctx, span := middleware.StartSpan(r.Context(), "Handler.Sync",
		attribute.String("session", req.Session),
		attribute.Int("sync.creations", len(req.Creations)),
		attribute.Int("sync.deletions", len(req.Deletions)),
		attribute.Int("sync.updates", len(req.Updates)),
	)
	defer span.End()

	if !h.connect(w, r, req.Session) {
		return
	}
	resp, err := h.engine.Sync(ctx, req.Session, &req)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// connect moves the session onto the connection the request arrived on
func (h *Handler) connect(w http.ResponseWriter, r *http.Request, token string) bool {
	conn := connectionFor(r)
	if err := h.engine.Connect(token, conn); err != nil {
		writeError(w, r, err)
		return false
	}
	conn.Bind(token)
	return true
}

// Health returns liveness and the engine registry sizes
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"engine": h.engine.Stats(),
	})
}

// WebSocket endpoint

// HandleWebSocket upgrades to a push-capable sync connection
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleConnection(w, r)
}

// connectionFor returns the keep-alive connection of r. Servers that do not
// track connections get a throwaway one per request.
func connectionFor(r *http.Request) *collaboration.HTTPConn {
	if conn := collaboration.HTTPConnFromContext(r.Context()); conn != nil {
		return conn
	}
	return collaboration.NewHTTPConn(r.RemoteAddr)
}

func decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, r, &engine.UserError{Reason: fmt.Sprintf("malformed request: %v", err), Err: err})
		return false
	}
	return true
}

// writeError maps engine errors to a status: the caller's fault is a
// conflict, anything else an internal error.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	reason, userFault := engine.Describe(err)
	status := http.StatusConflict
	if !userFault {
		status = http.StatusInternalServerError
		log.Printf("[%s] ❌ %s %s failed: %v", middleware.GetRequestID(r.Context()), r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, models.ErrorResponse{Error: reason})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// methodNotAllowed answers a known path hit with the wrong verb
func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, models.ErrorResponse{Error: fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path)})
}
