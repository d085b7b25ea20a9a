package rpc

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentrund/agentrund/internal/cache"
	ctxmgr "github.com/agentrund/agentrund/internal/context"
	"github.com/agentrund/agentrund/internal/eventctx"
	"github.com/agentrund/agentrund/internal/eventstore"
	"github.com/agentrund/agentrund/internal/orchestrator"
	"github.com/agentrund/agentrund/internal/providers"
	"github.com/agentrund/agentrund/internal/registry"
	"github.com/agentrund/agentrund/internal/subagent"
)

const (
	maxPayloadBytes = 1 << 20
	sendBufferSize  = 64
	pongWait        = 45 * time.Second
	writeWait       = 10 * time.Second
	pingInterval    = 20 * time.Second

	// idempotencyTTL bounds how long a client-supplied idempotency key on
	// agent.message/agent.respond suppresses a retried duplicate. Long
	// enough to absorb a client's reconnect-and-replay, short enough that
	// a genuinely reused key after the fact starts a fresh turn.
	idempotencyTTL     = 5 * time.Minute
	idempotencyMaxKeys = 4096
)

// Server is the RPC Coordinator: it upgrades HTTP connections to
// WebSocket, decodes JSON-RPC 2.0 request frames, and dispatches them
// through a method routing table bound to the rest of the system.
type Server struct {
	Store        *eventstore.Store
	Registry     *registry.Registry
	Orchestrator *orchestrator.Orchestrator
	Context      *ctxmgr.Manager
	Providers    *providers.Registry
	Subagents    *subagent.Tracker
	Fanout       *Fanout
	Log          *slog.Logger

	// Version is reported by HealthHandler; callers set it from the
	// binary's build-time version string. Empty reports as "dev".
	Version string

	// dedupe suppresses a replayed agent.message/agent.respond carrying an
	// idempotency key this server has already accepted, mirroring a
	// reconnecting client resending its last unacknowledged send.
	dedupe *cache.IdempotencyCache

	upgrader websocket.Upgrader
	methods  map[string]handlerFunc
	start    time.Time
}

// NewServer wires a Server against the rest of the running system. Fanout
// may be nil, in which case one is created (and should also be passed as
// the orchestrator's and subagent tracker's Notifier so their events reach
// this server's connections).
func NewServer(store *eventstore.Store, reg *registry.Registry, orch *orchestrator.Orchestrator, ctxMgr *ctxmgr.Manager, provs *providers.Registry, subagents *subagent.Tracker, fanout *Fanout, log *slog.Logger) *Server {
	if fanout == nil {
		fanout = NewFanout()
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		Store:        store,
		Registry:     reg,
		Orchestrator: orch,
		Context:      ctxMgr,
		Providers:    provs,
		Subagents:    subagents,
		Fanout:       fanout,
		Log:          log.With("component", "rpc"),
		dedupe: cache.NewIdempotencyCache(cache.IdempotencyCacheOptions{
			TTL:     idempotencyTTL,
			MaxSize: idempotencyMaxKeys,
		}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		start: time.Now(),
	}
	s.methods = s.routingTable()
	return s
}

// ec builds a per-dispatch eventctx.Context scoped to sessionID, sharing
// this server's Store and notifying through its Fanout.
func (s *Server) ec(sessionID, runID string) eventctx.Context {
	return eventctx.New(s.Store, s.Fanout, sessionID, runID)
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection's
// read/write loops until it closes. Carries no credential check itself —
// the caller wraps it in a TokenVerifier when bearer-token verification is
// configured, matching the "future authentication slot" the coordinator
// keeps optional by default.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := newConn(s, ws)
	conn.run()
}

// HealthHandler returns an HTTP handler reporting coordinator liveness,
// independent of any WebSocket connection.
func (s *Server) HealthHandler() http.HandlerFunc {
	version := s.Version
	if version == "" {
		version = "dev"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"version":  version,
			"uptimeMs": time.Since(s.start).Milliseconds(),
		})
	}
}
