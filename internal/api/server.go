package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/browserpilot/internal/metrics"
	"github.com/shehryarbajwa/browserpilot/internal/ratelimit"
	"github.com/shehryarbajwa/browserpilot/internal/stream"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(streams *stream.Server, rateLimiter *ratelimit.Limiter, allowedOrigins []string) *mux.Router {
	r := mux.NewRouter()

	// Preflight requests match no handler route. This route lets the CORS
	// middleware answer them for every path.
	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.HandleFunc("/health", h.Health).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()

	// Session creation is rate limited; reads and commands are not.
	limited := api.PathPrefix("").Subrouter()
	limited.Use(RateLimitMiddleware(rateLimiter))
	limited.HandleFunc("/sessions", h.CreateSession).Methods("POST")

	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.DeleteSession).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/commands", h.SendCommand).Methods("POST")

	// Observer streams
	api.HandleFunc("/sessions/{id}/ws", streams.ServeWS).Methods("GET")
	api.HandleFunc("/sessions/{id}/events", streams.ServeSSE).Methods("GET")

	api.HandleFunc("/memory/{domain}", h.GetMemory).Methods("GET")

	r.Use(loggingMiddleware)
	r.Use(corsMiddleware(allowedOrigins))

	// Middleware does not run on method mismatches, so the handler carries
	// its own CORS headers.
	notAllowed := corsMiddleware(allowedOrigins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}))
	r.MethodNotAllowedHandler = notAllowed
	api.MethodNotAllowedHandler = notAllowed

	return r
}
