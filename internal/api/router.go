package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/halcyonworks/warden/internal/actions"
	"github.com/halcyonworks/warden/internal/assign"
	"github.com/halcyonworks/warden/internal/costs"
	"github.com/halcyonworks/warden/internal/detect"
	"github.com/halcyonworks/warden/internal/escalate"
	"github.com/halcyonworks/warden/internal/locks"
	"github.com/halcyonworks/warden/internal/store"
)

// Deps collects everything the HTTP surface needs. All fields are
// required except Output, which may be nil when no console watcher runs.
type Deps struct {
	Store    store.Store
	Broker   *assign.Broker
	Executor *actions.Executor
	Locks    *locks.Detector
	Queue    *escalate.Queue
	Matcher  *detect.Matcher
	Costs    *costs.Recorder
	Output   OutputReader

	AdminToken string
	Logger     *slog.Logger
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.RequestID)
	r.Use(RequestLogger(d.Logger))
	r.Use(RateLimitMiddleware(120))

	agents := NewAgentsHandler(d.Store, d.Broker, d.Executor, d.Costs, d.Output)
	tasks := NewTasksHandler(d.Store, d.Executor)
	control := NewControlHandler(d.Store, d.Locks)
	escalations := NewEscalationsHandler(d.Queue, d.Executor)
	admin := NewAdminHandler(d.Store, d.Matcher)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AgentIDMiddleware)

		r.Post("/agents", agents.Register)
		r.Get("/agents", agents.List)
		r.Get("/agents/{id}", agents.Get)
		r.Post("/agents/{id}/heartbeat", agents.Heartbeat)
		r.Post("/agents/{id}/usage", agents.ReportUsage)

		r.Post("/tasks", tasks.Create)
		r.Get("/tasks", tasks.List)
		r.Get("/tasks/{id}", tasks.Get)
		r.Patch("/tasks/{id}/status", tasks.UpdateStatus)
		r.Get("/tasks/{id}/events", tasks.Events)

		r.Get("/projects/{project}/zones", control.GetZones)
		r.Get("/projects/{project}/locks", control.ListLocks)
		r.Post("/projects/{project}/locks", control.AcquireLock)
		r.Delete("/projects/{project}/locks", control.ReleaseLock)
		r.Get("/projects/{project}/conflicts", control.ListConflicts)

		r.Group(func(r chi.Router) {
			r.Use(AdminAuthMiddleware(d.AdminToken))

			r.Get("/stats", admin.Stats)
			r.Get("/action-logs", admin.ActionLogs)
			r.Get("/detectors", admin.ListDetectors)
			r.Post("/detectors/{name}/enable", admin.EnableDetector)
			r.Post("/detectors/{name}/disable", admin.DisableDetector)

			r.Delete("/agents/{id}", agents.Delete)
			r.Post("/agents/{id}/pause", agents.Pause)
			r.Post("/agents/{id}/resume", agents.Resume)
			r.Post("/agents/{id}/restart", agents.Restart)
			r.Post("/agents/{id}/prompt", agents.Prompt)
			r.Post("/agents/{id}/drain", agents.Drain)
			r.Post("/agents/{id}/undrain", agents.Undrain)
			r.Get("/agents/{id}/output", agents.Output)
			r.Get("/agents/{id}/usage", agents.Usage)

			r.Post("/tasks/{id}/retry", tasks.Retry)
			r.Post("/tasks/{id}/reassign", tasks.Reassign)

			r.Put("/projects/{project}/zones", control.SaveZones)
			r.Post("/conflicts/{id}/resolve", control.ResolveConflict)

			r.Get("/escalations", escalations.List)
			r.Get("/escalations/{id}", escalations.Get)
			r.Post("/escalations/{id}/approve", escalations.Approve)
			r.Post("/escalations/{id}/deny", escalations.Deny)
		})
	})

	return r
}

func NewMetricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}
