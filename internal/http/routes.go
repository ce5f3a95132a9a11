package httpx

import (
	"log/slog"
	"net/http"

	"github.com/peopleops/jobflow/internal/core"
	"github.com/peopleops/jobflow/internal/service"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Gateway  *service.Gateway
	Tracker  *service.BatchTracker
	Resolver *service.Resolver
	Identity core.IdentityProvider
	Logger   *slog.Logger
}

// NewRouter creates and configures the HTTP router. All job routes sit behind
// the identity middleware; only the health endpoint is open.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	jobHandlers := &JobHandlers{
		Gateway:  services.Gateway,
		Tracker:  services.Tracker,
		Resolver: services.Resolver,
	}

	requireIdentity := RequireIdentity(services.Identity)
	registerJobRoutes(mux, jobHandlers, requireIdentity)

	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))

	handler := http.Handler(mux)
	if services.Logger != nil {
		handler = Logging(services.Logger)(handler)
		handler = Recover(services.Logger)(handler)
	}
	return handler
}

func registerJobRoutes(
	mux *http.ServeMux,
	h *JobHandlers,
	requireIdentity func(http.Handler) http.Handler,
) {
	mux.Handle("POST /api/jobs", requireIdentity(http.HandlerFunc(h.Submit)))
	mux.Handle("GET /api/jobs/stats", requireIdentity(http.HandlerFunc(h.Stats)))
	mux.Handle("GET /api/jobs/{id}", requireIdentity(http.HandlerFunc(h.Status)))
	mux.Handle("GET /api/jobs/{id}/chunks", requireIdentity(http.HandlerFunc(h.BatchStatus)))
	mux.Handle("POST /api/jobs/{id}/cancel", requireIdentity(http.HandlerFunc(h.Cancel)))
	mux.Handle("POST /api/jobs/{id}/resource", requireIdentity(http.HandlerFunc(h.Resolve)))
	mux.Handle("GET /api/jobs/{id}/resource", requireIdentity(http.HandlerFunc(h.Redeem)))
}
