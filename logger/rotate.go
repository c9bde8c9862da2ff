package logger

import (
	"os"
	"sync"
)

// defaultMaxFileSize caps autod.log before it is rolled to autod.log.1.
const defaultMaxFileSize = 10 << 20 // 10 MiB

// rotatingFile is a size-capped log file. When the cap is exceeded the file
// is renamed to <path>.1 (replacing any previous generation) and a fresh
// file is opened. One old generation is kept.
type rotatingFile struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	size    int64
	f       *os.File
}

func openRotatingFile(path string, maxSize int64) (*rotatingFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &rotatingFile{path: path, maxSize: maxSize, size: info.Size(), f: f}, nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size+int64(len(p)) > r.maxSize {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rotatingFile) rotate() error {
	if err := r.f.Close(); err != nil {
		return err
	}
	// Best effort: a missing current file just means we start fresh.
	_ = os.Rename(r.path, r.path+".1")

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	r.f = f
	r.size = 0
	return nil
}

func (r *rotatingFile) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Sync()
}
