package server

import (
	"net/http"
	"strings"

	"github.com/macrodyne/autod/auth"
	"github.com/macrodyne/autod/errors"
	"github.com/macrodyne/autod/logger"
)

type keyCreateRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// handleKeyCreate mints a new API key. The response carries the full token;
// it is never shown again.
func (s *Server) handleKeyCreate(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	perms := make([]auth.Permission, 0, len(req.Permissions))
	for _, p := range req.Permissions {
		perms = append(perms, auth.Permission(p))
	}

	key, err := s.auth.Create(req.Name, perms)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"token":       key.Token,
		"name":        key.Name,
		"permissions": key.Permissions,
		"createdAt":   key.CreatedAt,
	})
}

func (s *Server) handleKeyList(w http.ResponseWriter, r *http.Request) {
	keys := s.auth.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys":  keys,
		"count": len(keys),
	})
}

// handleKeyRevoke serves DELETE /api/keys/{token}.
func (s *Server) handleKeyRevoke(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.URL.Path, "/api/keys/")
	if token == "" {
		writeErr(w, errors.NewInvalidRequestError("missing key token"))
		return
	}

	revoked, err := s.auth.Revoke(token)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !revoked {
		writeErr(w, errors.NewNotFoundError("no key matches the given token"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

// handleDaemonReload drops the registry and forces a full rescan. Scripts
// currently running finish under their old definition; the rescan re-adds
// everything still on disk.
func (s *Server) handleDaemonReload(w http.ResponseWriter, r *http.Request) {
	logger.Infow("Daemon reload requested")

	s.registry.Clear()
	if s.watcher != nil {
		s.watcher.Rescan()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded": true,
		"scripts":  s.registry.Len(),
	})
}
