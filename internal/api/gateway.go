// Package api implements ApiGateway (spec.md §4.8, §6.1): the public
// HTTP surface for sessions, plus the internal control-plane endpoints
// authenticated by a shared bearer secret.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agentorch/agentorch/internal/coordinator"
	"github.com/agentorch/agentorch/internal/pool"
	"github.com/agentorch/agentorch/internal/runnerbackend"
	"github.com/agentorch/agentorch/internal/session"
	"github.com/agentorch/agentorch/internal/store"
)

// SSEWriteTimeout bounds how long a session stream write may block on
// a slow client before the gateway gives up on it (spec.md §5).
const SSEWriteTimeout = 30 * time.Second

// Gateway wires the Store, SessionManager, Coordinator, and (when this
// process embeds a runner) its local Pool behind one chi router.
type Gateway struct {
	Store        *store.Store
	Sessions     *session.Manager
	Coordinator  *coordinator.Coordinator
	LocalPool    *pool.Pool            // nil when this process has no embedded runner
	LocalBackend runnerbackend.Backend // nil when this process has no embedded runner; serves /runner/* for RemoteRunnerBackend callers
	BearerSecret string                // shared secret for internal/* and runner/* endpoints
}

// New constructs a Gateway. localPool/localBackend are both nil for a
// pure coordinator deployment with no embedded runner.
func New(st *store.Store, sessions *session.Manager, coord *coordinator.Coordinator, localPool *pool.Pool, localBackend runnerbackend.Backend, bearerSecret string) *Gateway {
	return &Gateway{Store: st, Sessions: sessions, Coordinator: coord, LocalPool: localPool, LocalBackend: localBackend, BearerSecret: bearerSecret}
}

// Router builds the full HTTP handler tree.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/agents", g.handleCreateAgent)
		r.Get("/agents", g.handleListAgents)
		r.Delete("/agents/{name}", g.handleDeleteAgent)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", g.handleCreateSession)
			r.Post("/{id}/messages", g.handleSendMessage)
			r.Get("/{id}/messages", g.handleListMessages)
			r.Post("/{id}/pause", g.handlePause)
			r.Post("/{id}/resume", g.handleResume)
			r.Post("/{id}/stop", g.handleStop)
			r.Post("/{id}/fork", g.handleFork)
			r.Post("/{id}/exec", g.handleExec)
			r.Delete("/{id}", g.handleEndSession)

			r.Post("/{id}/attachments", g.handleCreateAttachment)
			r.Get("/{id}/attachments", g.handleListAttachments)
			r.Delete("/{id}/attachments/{attachmentID}", g.handleDeleteAttachment)

			r.Post("/{id}/queue", g.handleEnqueue)
		})

		r.Post("/credentials", g.handleCreateCredential)
		r.Delete("/credentials/{id}", g.handleDeleteCredential)

		r.Route("/internal", func(r chi.Router) {
			r.Use(g.requireBearer)
			r.Post("/runners/register", g.handleRunnerRegister)
			r.Post("/runners/heartbeat", g.handleRunnerHeartbeat)
			r.Post("/runners/deregister", g.handleRunnerDeregister)
			r.Post("/queue/claim", g.handleClaimQueueItem)
		})
	})

	r.Route("/runner", func(r chi.Router) {
		r.Use(g.requireBearer)
		r.Route("/sandboxes", func(r chi.Router) {
			r.Post("/", g.handleRunnerCreateSandbox)
			r.Delete("/{id}", g.handleRunnerDestroySandbox)
			r.Get("/{id}/cmd", g.handleRunnerStream)
			r.Post("/{id}/interrupt", g.handleRunnerInterrupt)
			r.Post("/{id}/mark", g.handleRunnerMark)
			r.Post("/{id}/persist", g.handleRunnerPersist)
		})
	})

	return r
}

// RunnerRouter builds the narrower surface a standalone runner process
// exposes: just /healthz and /runner/*, with no dependency on Store or
// Sessions (those stay nil on a pure-runner process, which opens the
// shared database only for its pool's sandbox rows).
func (g *Gateway) RunnerRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/runner", func(r chi.Router) {
		r.Use(g.requireBearer)
		r.Route("/sandboxes", func(r chi.Router) {
			r.Post("/", g.handleRunnerCreateSandbox)
			r.Delete("/{id}", g.handleRunnerDestroySandbox)
			r.Get("/{id}/cmd", g.handleRunnerStream)
			r.Post("/{id}/interrupt", g.handleRunnerInterrupt)
			r.Post("/{id}/mark", g.handleRunnerMark)
			r.Post("/{id}/persist", g.handleRunnerPersist)
		})
	})

	return r
}
