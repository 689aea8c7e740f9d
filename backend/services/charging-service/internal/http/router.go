package httpserver

import (
	"net/http"

	"go.uber.org/zap"

	"evconnect/backend/services/charging-service/internal/http/handlers"
	"evconnect/backend/services/charging-service/internal/http/middleware"
)

// Routes groups handlers.
type Routes struct {
	Sessions *handlers.SessionsHandlers
	WS       http.HandlerFunc
	Webhook  http.HandlerFunc
	Health   http.HandlerFunc
	Metrics  http.Handler
}

// NewRouter registers endpoints. Session routes require a user bearer token.
func NewRouter(routes Routes, authMiddleware func(http.Handler) http.Handler, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	authenticated := func(handler http.HandlerFunc) http.Handler {
		return middleware.Chain(handler, authMiddleware)
	}

	if routes.Sessions != nil {
		mux.Handle("/sessions/start", method(http.MethodPost, authenticated(routes.Sessions.Start)))
		mux.Handle(handlers.StopPathPrefix, method(http.MethodPost, authenticated(routes.Sessions.Stop)))
		mux.Handle("/sessions/active", method(http.MethodGet, authenticated(routes.Sessions.Active)))
		mux.Handle("/sessions/history", method(http.MethodGet, authenticated(routes.Sessions.History)))
	}
	if routes.WS != nil {
		mux.Handle("/ws", method(http.MethodGet, routes.WS))
	}
	if routes.Webhook != nil {
		mux.Handle("/webhooks/payments", method(http.MethodPost, routes.Webhook))
	}
	if routes.Health != nil {
		mux.Handle("/health", method(http.MethodGet, routes.Health))
	}
	if routes.Metrics != nil {
		mux.Handle("/metrics", method(http.MethodGet, routes.Metrics))
	}

	return middleware.Chain(mux, middleware.Recover(logger), middleware.Logging(logger))
}

func method(expected string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != expected {
			w.Header().Set("Allow", expected)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
