package server

import (
	"net/http"
	"strings"

	"github.com/macrodyne/autod/auth"
)

// route is one entry in the route table. Patterns ending in "/" match as
// prefixes, which is how {id} segments are reached.
type route struct {
	method  string
	pattern string
	perm    auth.Permission
	handler http.HandlerFunc
}

// routes builds the route table. Every route declares the permission the
// bearer must hold; PermNone marks the unauthenticated discovery surface.
func (s *Server) routes() []route {
	return []route{
		// Health / discovery (no auth)
		{http.MethodGet, "/health", auth.PermNone, s.handleHealth},
		{http.MethodGet, "/stats", auth.PermNone, s.handleStats},
		{http.MethodGet, "/api/cluster/info", auth.PermNone, s.handleClusterInfo},

		// Tasks
		{http.MethodGet, "/api/tasks", auth.PermRead, s.handleTaskList},
		{http.MethodGet, "/api/logs", auth.PermRead, s.handleLogs},
		{http.MethodPost, "/api/tasks/run", auth.PermExecute, s.handleTaskRun},
		{http.MethodPost, "/api/tasks/schedule", auth.PermExecute, s.handleTaskSchedule},
		{http.MethodGet, "/api/tasks/", auth.PermRead, s.handleTaskGet},
		{http.MethodPost, "/api/tasks/", auth.PermExecute, s.handleTaskStop},

		// Cluster
		{http.MethodGet, "/api/cluster/nodes", auth.PermRead, s.handleClusterNodes},
		{http.MethodGet, "/api/cluster/leader", auth.PermRead, s.handleClusterLeaderGet},
		{http.MethodPost, "/api/cluster/join", auth.PermExecute, s.handleClusterJoin},
		{http.MethodPost, "/api/cluster/leave", auth.PermExecute, s.handleClusterLeave},
		{http.MethodPost, "/api/cluster/heartbeat", auth.PermExecute, s.handleClusterHeartbeat},
		{http.MethodPost, "/api/cluster/leader", auth.PermExecute, s.handleClusterLeaderPost},

		// Dispatch
		{http.MethodPost, "/api/dispatch", auth.PermExecute, s.handleDispatch},
		{http.MethodPost, "/api/dispatch/broadcast", auth.PermExecute, s.handleDispatchBroadcast},
		{http.MethodGet, "/api/dispatch/history", auth.PermRead, s.handleDispatchHistory},
		{http.MethodGet, "/api/dispatch/config", auth.PermRead, s.handleDispatchConfig},

		// Admin
		{http.MethodPost, "/api/keys", auth.PermAdmin, s.handleKeyCreate},
		{http.MethodGet, "/api/keys", auth.PermAdmin, s.handleKeyList},
		{http.MethodDelete, "/api/keys/", auth.PermAdmin, s.handleKeyRevoke},
		{http.MethodPost, "/api/daemon/reload", auth.PermAdmin, s.handleDaemonReload},

		// Live stream (token may arrive as a query parameter)
		{http.MethodGet, "/ws", auth.PermRead, s.handleWebSocket},
	}
}

// canonicalEndpoints is the discovery hint returned with 404s.
var canonicalEndpoints = []string{
	"GET /health",
	"GET /stats",
	"GET /api/tasks",
	"POST /api/tasks/run",
	"GET /api/cluster/nodes",
	"POST /api/dispatch",
	"GET /ws",
}

// router matches the route table: longest pattern wins, exact before prefix.
func (s *Server) router() http.HandlerFunc {
	routes := s.routes()
	return func(w http.ResponseWriter, r *http.Request) {
		var matched *route
		pathKnown := false
		for i := range routes {
			rt := &routes[i]
			if !patternMatches(rt.pattern, r.URL.Path) {
				continue
			}
			pathKnown = true
			if rt.method != r.Method {
				continue
			}
			if matched == nil || len(rt.pattern) > len(matched.pattern) {
				matched = rt
			}
		}

		if matched == nil {
			if pathKnown {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			writeJSON(w, http.StatusNotFound, map[string]interface{}{
				"error":     http.StatusText(http.StatusNotFound),
				"message":   "unknown route",
				"endpoints": canonicalEndpoints,
			})
			return
		}

		s.auth.Gate(matched.perm, matched.handler)(w, r)
	}
}

func patternMatches(pattern, path string) bool {
	if strings.HasSuffix(pattern, "/") {
		return strings.HasPrefix(path, pattern) && len(path) > len(pattern)
	}
	return pattern == path
}

// corsMiddleware applies the permissive default cross-origin policy. An
// operator wanting tighter origins fronts the daemon with a reverse proxy.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
