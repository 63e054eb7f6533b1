package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"otto/internal/outbound"
	"otto/internal/storage"
	logx "otto/pkg/logx"
)

// JobStore is the repository slice the handlers use.
type JobStore interface {
	CreateJob(ctx context.Context, in storage.NewJob) (storage.Job, error)
	GetJob(ctx context.Context, id string) (storage.Job, error)
	ListJobs(ctx context.Context, status storage.JobStatus, limit int) ([]storage.Job, error)
	ListRuns(ctx context.Context, jobID string, limit int) ([]storage.JobRun, error)
	ScheduleRunNow(ctx context.Context, jobID string) (storage.RunNowResult, error)
	MarkJobTerminal(ctx context.Context, jobID string, state storage.JobStatus) (storage.Job, error)
	Ping(ctx context.Context) error
	Now() time.Time
}

type Enqueuer interface {
	Enqueue(ctx context.Context, m outbound.Message) (outbound.Result, error)
}

// Deps wires the router. Metrics and Status are optional.
type Deps struct {
	Store    JobStore
	Queue    Enqueuer
	Location *time.Location
	Metrics  http.Handler
	// Status adds component detail (scheduler phase, goroutines) to /healthz.
	Status func() map[string]any
	Log    logx.Logger
}

func NewRouter(d Deps) http.Handler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Location == nil {
		d.Location = time.Local
	}
	h := &handlers{d: d}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(d.Log))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", h.health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	r.Mount("/debug", chimw.Profiler())

	r.Post("/messages", h.enqueueMessage)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.createJob)
		r.Get("/", h.listJobs)
		r.Get("/{id}", h.getJob)
		r.Get("/{id}/runs", h.listRuns)
		r.Post("/{id}/run-now", h.runNow)
		r.Post("/{id}/cancel", h.cancelJob)
	})
	return r
}

// requestLogger logs each request at debug, 5xx at warn.
func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("dur", time.Since(start)),
				logx.String("req_id", chimw.GetReqID(r.Context())),
			}
			if ww.Status() >= 500 {
				log.Warn("http request", fields...)
				return
			}
			log.Debug("http request", fields...)
		})
	}
}
