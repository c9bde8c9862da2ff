package server

import (
	"net/http"
	"sort"

	"github.com/macrodyne/autod/cluster"
	"github.com/macrodyne/autod/dispatch"
	"github.com/macrodyne/autod/errors"
)

// handleClusterInfo serves the unauthenticated node identity probe that seeds
// use before joining.
func (s *Server) handleClusterInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.members.LocalInfo())
}

// handleClusterNodes returns the full membership view.
func (s *Server) handleClusterNodes(w http.ResponseWriter, r *http.Request) {
	view := s.members.Snapshot()

	nodes := make([]cluster.NodeInfo, 0, len(view.Nodes))
	for _, node := range view.Nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodes":          nodes,
		"count":          len(nodes),
		"leaderId":       view.LeaderID,
		"clusterVersion": view.Version,
		"enabled":        s.members.Enabled(),
	})
}

// handleClusterLeaderGet returns the current leader, 503 when none is alive.
func (s *Server) handleClusterLeaderGet(w http.ResponseWriter, r *http.Request) {
	leader, err := s.members.Leader()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"leader":  leader,
		"isLocal": s.members.IsLeader(),
	})
}

func (s *Server) handleClusterJoin(w http.ResponseWriter, r *http.Request) {
	var req cluster.JoinRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.ID == "" {
		writeErr(w, errors.NewInvalidRequestError("node id is required"))
		return
	}
	writeJSON(w, http.StatusOK, s.members.HandleJoin(req))
}

func (s *Server) handleClusterLeave(w http.ResponseWriter, r *http.Request) {
	var req cluster.LeaveRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	known := s.members.HandleLeave(req)
	writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": true, "known": known})
}

func (s *Server) handleClusterHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req cluster.HeartbeatRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.NodeID == "" {
		writeErr(w, errors.NewInvalidRequestError("node id is required"))
		return
	}
	writeJSON(w, http.StatusOK, s.members.HandleHeartbeat(req))
}

func (s *Server) handleClusterLeaderPost(w http.ResponseWriter, r *http.Request) {
	var req cluster.LeaderAnnouncement
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	s.members.HandleLeader(req)
	writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
}

// handleDispatch routes one task to a peer per the requested strategy.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.Code == "" {
		writeErr(w, errors.NewInvalidRequestError("code is required"))
		return
	}

	rec, err := s.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

// handleDispatchBroadcast submits the same task to every online peer.
func (s *Server) handleDispatchBroadcast(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.Code == "" {
		writeErr(w, errors.NewInvalidRequestError("code is required"))
		return
	}

	results := s.dispatcher.Broadcast(r.Context(), req)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) handleDispatchHistory(w http.ResponseWriter, r *http.Request) {
	records, stats := s.dispatcher.History()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"history": records,
		"stats":   stats,
	})
}

func (s *Server) handleDispatchConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.Config())
}
