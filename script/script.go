// Package script holds the script model and registry.
//
// A script is one file in the watched directory. Its identity is the
// normalized absolute path, so the same file always maps to the same record
// regardless of how the path was spelled.
package script

import (
	"path/filepath"
	"strings"
	"time"
)

// Result tags recorded after a run.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Script is the registry record for one automation script.
type Script struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Path     string        `json:"path"`
	Body     string        `json:"-"`
	Schedule *ScheduleSpec `json:"schedule,omitempty"`

	Running    bool      `json:"running"`
	RunCount   int       `json:"run_count"`
	ErrorCount int       `json:"error_count"`
	LastRun    time.Time `json:"last_run,omitempty"`
	LastResult string    `json:"last_result,omitempty"`
	LastError  string    `json:"last_error,omitempty"`

	ModTime time.Time `json:"mod_time"`
	Size    int64     `json:"size"`
}

// NormalizeID converts a filesystem path into the canonical script identity:
// absolute, slash-separated, lowercased.
func NormalizeID(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return strings.ToLower(filepath.ToSlash(abs))
}

// DisplayName derives the script display name from its path: the basename
// without the extension.
func DisplayName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
