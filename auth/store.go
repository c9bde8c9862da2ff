// Package auth implements bearer API keys with per-key permissions.
//
// Keys persist to a JSON file next to the daemon. Validation hashes both
// sides and compares in constant time, so lookup cost does not leak which
// byte of a guessed token was wrong.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/macrodyne/autod/errors"
	"github.com/macrodyne/autod/logger"
)

// Permission levels. Admin implies all others.
type Permission string

const (
	PermRead    Permission = "read"
	PermExecute Permission = "execute"
	PermAdmin   Permission = "admin"
	// PermNone marks unauthenticated routes in the route table.
	PermNone Permission = "none"
)

// tokenBytes gives 192 bits of entropy per generated key.
const tokenBytes = 24

// Key is one stored API key.
type Key struct {
	Token       string       `json:"token"`
	Name        string       `json:"name"`
	CreatedAt   time.Time    `json:"created_at"`
	Permissions []Permission `json:"permissions"`
}

// MaskedKey is the listing form: the token shows only its first 8 and last
// 4 characters.
type MaskedKey struct {
	Token       string       `json:"token"`
	Name        string       `json:"name"`
	CreatedAt   time.Time    `json:"created_at"`
	Permissions []Permission `json:"permissions"`
}

// Store holds the key set and its JSON file.
type Store struct {
	mu      sync.RWMutex
	path    string
	enabled bool
	keys    []Key

	// failLimiter damps brute-force guessing: once failures exceed the
	// burst, each further failure is slowed down.
	failLimiter *rate.Limiter
}

type keyFile struct {
	Keys []Key `json:"keys"`
}

// NewStore loads (or initializes) the key store at path. A missing file is
// an empty store.
func NewStore(path string, enabled bool) (*Store, error) {
	s := &Store{
		path:        path,
		enabled:     enabled,
		failLimiter: rate.NewLimiter(rate.Every(time.Second), 10),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errors.Wrapf(err, "cannot read key file %s", path)
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, errors.Wrapf(err, "key file %s is corrupt", path)
	}
	s.keys = kf.Keys
	return s, nil
}

// Enabled reports whether bearer auth is enforced.
func (s *Store) Enabled() bool { return s.enabled }

// Bootstrap generates the initial admin key when the store is empty and auth
// is enabled. Returns the plaintext token and whether one was created; this
// is the only time the full token is ever surfaced.
func (s *Store) Bootstrap() (string, bool, error) {
	if !s.enabled {
		return "", false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.keys) > 0 {
		return "", false, nil
	}

	token, err := generateToken()
	if err != nil {
		return "", false, err
	}
	s.keys = append(s.keys, Key{
		Token:       token,
		Name:        "bootstrap-admin",
		CreatedAt:   time.Now(),
		Permissions: []Permission{PermAdmin},
	})
	if err := s.persistLocked(); err != nil {
		s.keys = nil
		return "", false, err
	}
	return token, true, nil
}

// Create adds a key with the given name and permissions and persists the
// store. The returned key carries the full token exactly once.
func (s *Store) Create(name string, perms []Permission) (Key, error) {
	if name == "" {
		return Key{}, errors.NewInvalidRequestError("key name is required")
	}
	if len(perms) == 0 {
		return Key{}, errors.NewInvalidRequestError("at least one permission is required")
	}
	for _, p := range perms {
		switch p {
		case PermRead, PermExecute, PermAdmin:
		default:
			return Key{}, errors.NewInvalidRequestError("unknown permission %q", p)
		}
	}

	token, err := generateToken()
	if err != nil {
		return Key{}, err
	}
	key := Key{
		Token:       token,
		Name:        name,
		CreatedAt:   time.Now(),
		Permissions: perms,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	if err := s.persistLocked(); err != nil {
		s.keys = s.keys[:len(s.keys)-1]
		return Key{}, err
	}

	logger.Infow("API key created", "name", name, "token", Mask(token), "permissions", perms)
	return key, nil
}

// Revoke removes the key with the given token. In-flight requests already
// past validation complete.
func (s *Store) Revoke(token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, key := range s.keys {
		if subtle.ConstantTimeCompare(hash(key.Token), hash(token)) == 1 {
			name := key.Name
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			if err := s.persistLocked(); err != nil {
				return false, err
			}
			logger.Infow("API key revoked", "name", name, "token", Mask(token))
			return true, nil
		}
	}
	return false, nil
}

// List returns all keys with tokens masked.
func (s *Store) List() []MaskedKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MaskedKey, 0, len(s.keys))
	for _, key := range s.keys {
		out = append(out, MaskedKey{
			Token:       Mask(key.Token),
			Name:        key.Name,
			CreatedAt:   key.CreatedAt,
			Permissions: key.Permissions,
		})
	}
	return out
}

// Validate checks the token against the store and the required permission.
// With auth disabled every token (including none) passes.
func (s *Store) Validate(token string, required Permission) error {
	if !s.enabled || required == PermNone {
		return nil
	}
	if token == "" {
		return errors.Wrap(errors.ErrUnauthorized, "missing bearer token")
	}

	s.mu.RLock()
	var matched *Key
	want := hash(token)
	for i := range s.keys {
		if subtle.ConstantTimeCompare(hash(s.keys[i].Token), want) == 1 {
			matched = &s.keys[i]
			break
		}
	}
	s.mu.RUnlock()

	if matched == nil {
		s.slowFailure()
		return errors.Wrap(errors.ErrUnauthorized, "unknown bearer token")
	}

	for _, p := range matched.Permissions {
		if p == PermAdmin || p == required {
			return nil
		}
	}
	return errors.Wrapf(errors.ErrForbidden, "key %q lacks %s permission", matched.Name, required)
}

// slowFailure delays repeated validation failures beyond the limiter burst.
func (s *Store) slowFailure() {
	if !s.failLimiter.Allow() {
		time.Sleep(250 * time.Millisecond)
	}
}

// persistLocked writes the key file atomically: temp file in the same
// directory, fsync, rename over the old file.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(keyFile{Keys: s.keys}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "cannot encode key file")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrapf(err, "cannot create key directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".keys-*.json")
	if err != nil {
		return errors.Wrap(err, "cannot create temp key file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "cannot write temp key file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "cannot sync temp key file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "cannot close temp key file")
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return errors.Wrap(err, "cannot set key file permissions")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return errors.Wrap(err, "cannot replace key file")
	}
	return nil
}

// Mask renders a token safe for logs and listings: first 8 + last 4 chars.
func Mask(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:8] + "…" + token[len(token)-4:]
}

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "cannot generate token entropy")
	}
	return "ak_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

func hash(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}
