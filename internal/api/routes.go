// Package api wires the operator-facing HTTP surface (SPEC_FULL.md's
// OPERATOR SURFACE) plus the webhook ingest endpoint on top of one
// gorilla/mux router, the same central-registration shape the teacher's
// routes.go used for its exchange/pair/stats tree.
package api

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"futuresbridge/internal/api/middleware"
	"futuresbridge/internal/execengine"
	"futuresbridge/internal/positionmirror"
	"futuresbridge/internal/tokendaemon"
	"futuresbridge/internal/webhook"
	"futuresbridge/pkg/utils"
)

// Dependencies holds every component a route handler reads from. Route
// handlers carry no business logic of their own — they translate HTTP
// into calls against these, per SPEC_FULL.md's OPERATOR SURFACE note.
type Dependencies struct {
	Webhook     *webhook.Dispatcher
	Engine      *execengine.Engine
	Mirror      *positionmirror.Mirror
	TokenDaemon *tokendaemon.Daemon
	Log         *utils.Logger
}

// SetupRoutes builds the full router: the webhook endpoint, the narrow
// operator surface, the open health and metrics endpoints, and pprof
// behind DebugAuth.
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.Recovery(deps.Log))
	router.Use(middleware.Logging(deps.Log))

	deps.Webhook.Register(router)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/accounts/{id}/failures", deps.failuresHandler).Methods("GET")
	v1.HandleFunc("/accounts/{id}/reauth", deps.reauthHandler).Methods("POST")
	v1.HandleFunc("/strategies/{id}/positions", deps.positionsHandler).Methods("GET")

	debug := router.PathPrefix("/debug/pprof").Subrouter()
	debug.Use(middleware.DebugAuth)
	debug.HandleFunc("/", pprof.Index)
	debug.HandleFunc("/cmdline", pprof.Cmdline)
	debug.HandleFunc("/profile", pprof.Profile)
	debug.HandleFunc("/symbol", pprof.Symbol)
	debug.HandleFunc("/trace", pprof.Trace)
	debug.HandleFunc("/heap", func(w http.ResponseWriter, r *http.Request) { pprof.Handler("heap").ServeHTTP(w, r) })
	debug.HandleFunc("/goroutine", func(w http.ResponseWriter, r *http.Request) { pprof.Handler("goroutine").ServeHTTP(w, r) })
	debug.HandleFunc("/block", func(w http.ResponseWriter, r *http.Request) { pprof.Handler("block").ServeHTTP(w, r) })
	debug.HandleFunc("/allocs", func(w http.ResponseWriter, r *http.Request) { pprof.Handler("allocs").ServeHTTP(w, r) })

	return router
}

func pathInt64(r *http.Request, name string) (int64, bool) {
	v, ok := mux.Vars(r)[name]
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(v, 10, 64)
	return id, err == nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// failuresHandler backs GET /api/v1/accounts/{id}/failures — the bounded
// in-memory ring the execution engine already keeps per account
// (spec.md §7's "nothing silently swallowed" contract).
func (deps *Dependencies) failuresHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathInt64(r, "id")
	if !ok {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	n := 50
	if q := r.URL.Query().Get("n"); q != "" {
		if parsed, err := strconv.Atoi(q); err == nil && parsed > 0 {
			n = parsed
		}
	}
	writeJSON(w, http.StatusOK, deps.Engine.Failures(accountID, n))
}

// reauthHandler backs POST /api/v1/accounts/{id}/reauth — a manual,
// out-of-band trigger for the token refresh daemon's per-account refresh,
// for operators responding to a needs_reauth account without waiting for
// the next sweep.
func (deps *Dependencies) reauthHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathInt64(r, "id")
	if !ok {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	if err := deps.TokenDaemon.RefreshAccount(r.Context(), accountID); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"refreshed": true})
}

// positionsHandler backs GET /api/v1/strategies/{id}/positions — a
// read-only snapshot of the Position Mirror's in-memory state for the
// strategy, across all its symbol roots.
func (deps *Dependencies) positionsHandler(w http.ResponseWriter, r *http.Request) {
	strategyID, ok := pathInt64(r, "id")
	if !ok {
		http.Error(w, "invalid strategy id", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, deps.Mirror.ByStrategy(strategyID))
}
