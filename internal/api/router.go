// Package api is the HTTP surface: LDN ingestion plus read-only admin
// queries over the queue.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/SirClappington/ldnq/internal/notify"
	"github.com/SirClappington/ldnq/internal/storage"
)

// Processor runs one dispatch step. *worker.Pool satisfies it.
type Processor interface {
	ProcessOne(ctx context.Context) (bool, error)
}

type Deps struct {
	Store    storage.Store
	Notifier notify.Notifier
	// Processor enables POST /v1/process/once when set.
	Processor Processor
	Log       *zap.Logger
	Now       func() time.Time
}

func NewRouter(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Notifier == nil {
		d.Notifier = notify.Noop{}
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	h := &handler{
		store:     d.Store,
		notifier:  d.Notifier,
		processor: d.Processor,
		log:       d.Log,
		now:       d.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", h.enqueue)
		r.Get("/messages", h.list)
		r.Get("/messages/{id}", h.get)
		r.Get("/stats", h.stats)
		if h.processor != nil {
			r.Post("/process/once", h.processOnce)
		}
	})
	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
