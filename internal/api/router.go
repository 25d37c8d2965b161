package api

import (
	"net/http"

	"livesync/internal/middleware"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes wires the sync endpoints. metrics exposes /metrics.
func SetupRoutes(h *Handler, metrics bool) *mux.Router {
	r := mux.NewRouter()
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	// Apply global middleware
	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)       // Add tracing spans to all requests
	r.Use(middleware.ErrorRecoveryMiddleware) // Catch panics
	r.Use(middleware.CORSMiddleware)          // Handle CORS

	// API routes
	api := r.PathPrefix("/api").Subrouter()
	// Learning: a subrouter answers 404 for a wrong verb unless it has its own handler
	api.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	// Session endpoints
	api.HandleFunc("/init", h.Init).Methods("POST", "OPTIONS")
	api.HandleFunc("/watch", h.Watch).Methods("POST", "OPTIONS")
	api.HandleFunc("/unwatch", h.Unwatch).Methods("POST", "OPTIONS")
	api.HandleFunc("/forget", h.Forget).Methods("POST", "OPTIONS")
	api.HandleFunc("/sync", h.Sync).Methods("POST", "OPTIONS")

	// Health check endpoint
	api.HandleFunc("/health", h.Health).Methods("GET")

	// WebSocket route
	r.HandleFunc("/ws", h.HandleWebSocket)

	if metrics {
		r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	return r
}
