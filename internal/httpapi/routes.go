package httpapi

import (
	"net/http"
	"time"

	"github.com/DoyleJ11/battlesync/internal/hub"
	"github.com/DoyleJ11/battlesync/internal/ws"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func SetupRoutes(h *hub.Hub, log *zap.Logger, wsOpts ws.Options) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if wsOpts.Logger == nil {
		wsOpts.Logger = log
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Public routes
	r.Group(func(r chi.Router) {
		r.Use(requestLogger(log.Named("http")))
		r.Post("/sessions", CreateSession(h, log.Named("http")))
		r.Get("/sessions", ListSessions(h))
		r.Get("/sessions/{code}", GetSession(h))
	})
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(h, wsOpts))
	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
