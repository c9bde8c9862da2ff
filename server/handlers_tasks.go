package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/macrodyne/autod/errors"
	"github.com/macrodyne/autod/logger"
	"github.com/macrodyne/autod/script"
	"github.com/macrodyne/autod/version"
)

// handleHealth is the unauthenticated liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.members.LocalInfo().Stats
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"version":        version.Get().Short(),
		"uptime":         int64(time.Since(s.started).Seconds()),
		"activeTasks":    s.queue.RunningCount(),
		"completedTasks": s.queue.Completed(),
		"errorTasks":     s.queue.Errored(),
		"queueLength":    s.queue.Len(),
		"pid":            os.Getpid(),
		"memoryMB":       stats.MemoryMB,
	})
}

// statsPayload is shared between GET /stats and the periodic stream event.
func (s *Server) statsPayload() map[string]interface{} {
	local := s.members.LocalInfo()

	s.mu.RLock()
	clients := len(s.clients)
	s.mu.RUnlock()

	return map[string]interface{}{
		"node":           local,
		"scripts":        s.registry.Len(),
		"schedules":      s.engine.Count(),
		"queueLength":    s.queue.Len(),
		"activeTasks":    s.queue.RunningCount(),
		"completedTasks": s.queue.Completed(),
		"errorTasks":     s.queue.Errored(),
		"streamClients":  clients,
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statsPayload())
}

// handleTaskList returns every registered script with its run state.
func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	scripts := s.registry.List()
	running, _ := s.queue.Running()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks":       scripts,
		"count":       len(scripts),
		"queueLength": s.queue.Len(),
		"runningTask": running,
	})
}

// handleTaskGet resolves /api/tasks/{id} by script id first, then by display
// name. Script ids are normalized paths, so the id segment may hold slashes.
func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if id == "" {
		writeErr(w, errors.NewInvalidRequestError("missing task id"))
		return
	}

	if sc, err := s.registry.Get(id); err == nil {
		writeJSON(w, http.StatusOK, sc)
		return
	}
	for _, sc := range s.registry.List() {
		if sc.Name == id {
			writeJSON(w, http.StatusOK, sc)
			return
		}
	}
	writeErr(w, errors.NewNotFoundError("no script with id or name %q", id))
}

// handleTaskStop serves POST /api/tasks/{id}/stop. The id here is a task id,
// not a script id.
func (s *Server) handleTaskStop(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	taskID, ok := strings.CutSuffix(rest, "/stop")
	if !ok || taskID == "" {
		writeErr(w, errors.NewNotFoundError("unknown task route"))
		return
	}

	if !s.queue.StopTask(taskID) {
		writeErr(w, errors.NewNotFoundError("no queued or running task %s", shortID(taskID)))
		return
	}
	logger.Infow("Task stop requested", "task_id", shortID(taskID))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stopped": true,
		"taskId":  taskID,
	})
}

type runRequest struct {
	Code string `json:"code,omitempty"`
	File string `json:"file,omitempty"`
	Name string `json:"name,omitempty"`
}

// handleTaskRun enqueues an ad-hoc task from an inline body or a file in the
// watch directory. Accepted tasks come back 202 with the assigned id.
func (s *Server) handleTaskRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	var scriptID, name, body string
	switch {
	case req.Code != "":
		body = req.Code
		name = req.Name
		if name == "" {
			name = "adhoc"
		}
	case req.File != "":
		path, err := s.resolveWatchedFile(req.File)
		if err != nil {
			writeErr(w, err)
			return
		}
		data, err := os.ReadFile(path)
		if err != nil {
			writeErr(w, errors.NewNotFoundError("cannot read script file %s", req.File))
			return
		}
		body = string(data)
		scriptID = script.NormalizeID(path)
		name = req.Name
		if name == "" {
			name = script.DisplayName(path)
		}
	default:
		writeErr(w, errors.NewInvalidRequestError("either code or file is required"))
		return
	}

	taskID, err := s.queue.Enqueue(scriptID, name, body)
	if err != nil {
		writeErr(w, err)
		return
	}
	logger.Infow("Task submitted via API", "task_id", shortID(taskID), "name", name)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"taskId": taskID,
		"name":   name,
	})
}

type scheduleRequest struct {
	Code     string `json:"code,omitempty"`
	File     string `json:"file,omitempty"`
	Name     string `json:"name,omitempty"`
	Schedule string `json:"schedule"`
}

// handleTaskSchedule materializes a scheduled script in the watch directory.
// The watcher picks the new file up and the schedule engine arms it; the API
// does not touch the engine directly.
func (s *Server) handleTaskSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	spec, err := script.ParseScheduleSpec(req.Schedule)
	if err != nil {
		writeErr(w, errors.NewInvalidRequestError("invalid schedule: %v", err))
		return
	}

	var body string
	switch {
	case req.Code != "":
		body = req.Code
	case req.File != "":
		path, rerr := s.resolveWatchedFile(req.File)
		if rerr != nil {
			writeErr(w, rerr)
			return
		}
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			writeErr(w, errors.NewNotFoundError("cannot read script file %s", req.File))
			return
		}
		body = string(data)
	default:
		writeErr(w, errors.NewInvalidRequestError("either code or file is required"))
		return
	}

	name := req.Name
	if name == "" {
		name = "scheduled-task"
	}

	path, err := s.materializeScript(name, spec.Raw, body)
	if err != nil {
		writeErr(w, err)
		return
	}

	logger.Infow("Scheduled script created",
		"file", filepath.Base(path),
		"schedule", spec.String(),
	)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"file":     filepath.Base(path),
		"schedule": spec.Raw,
	})
}

// materializeScript writes a script body, schedule directive prepended, into
// the watch directory. Name collisions get a numeric suffix.
func (s *Server) materializeScript(name, scheduleRaw, body string) (string, error) {
	dir := s.cfg.Watch.Dir
	ext := s.cfg.Watch.Extension
	base := sanitizeFileName(name)

	content := fmt.Sprintf("// @schedule %s\n%s", scheduleRaw, body)

	for i := 0; i < 1000; i++ {
		candidate := base
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d", base, i)
		}
		path := filepath.Join(dir, candidate+ext)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", errors.Wrapf(err, "cannot create script file in %s", dir)
		}
		if _, err := f.WriteString(content); err != nil {
			_ = f.Close()
			return "", errors.Wrapf(err, "cannot write script file %s", path)
		}
		if err := f.Close(); err != nil {
			return "", errors.Wrapf(err, "cannot write script file %s", path)
		}
		return path, nil
	}
	return "", errors.Newf("too many name collisions for %q in %s", base, dir)
}

// resolveWatchedFile maps a client-supplied file name onto the watch
// directory, rejecting anything that escapes it.
func (s *Server) resolveWatchedFile(file string) (string, error) {
	dir, err := filepath.Abs(s.cfg.Watch.Dir)
	if err != nil {
		return "", errors.Wrap(err, "cannot resolve watch directory")
	}
	path := filepath.Join(dir, filepath.Clean("/"+file))
	if !strings.HasPrefix(path, dir+string(filepath.Separator)) {
		return "", errors.NewInvalidRequestError("file must be inside the watch directory")
	}
	return path, nil
}

func sanitizeFileName(name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == ' ', r == '.':
			return '-'
		default:
			return -1
		}
	}, name)
	if mapped == "" {
		return "scheduled-task"
	}
	return mapped
}

// handleLogs serves the in-memory log buffer with optional filters.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeErr(w, errors.NewInvalidRequestError("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	level := r.URL.Query().Get("level")
	contains := r.URL.Query().Get("task")

	var entries []logger.Entry
	if ring := logger.Buffer(); ring != nil {
		entries = ring.Entries(limit, level, contains)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  entries,
		"count": len(entries),
	})
}
