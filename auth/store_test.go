package auth

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macrodyne/autod/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "keys.json"), true)
	require.NoError(t, err)
	return s
}

func TestBootstrapCreatesAdminKeyOnce(t *testing.T) {
	s := newTestStore(t)

	token, created, err := s.Bootstrap()
	require.NoError(t, err)
	require.True(t, created)
	assert.True(t, strings.HasPrefix(token, "ak_"))
	assert.GreaterOrEqual(t, len(token), 3+32, "192 bits of base64url")

	// Second bootstrap is a no-op.
	_, created, err = s.Bootstrap()
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, s.Validate(token, PermAdmin))
}

func TestBootstrapDisabledStore(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "keys.json"), false)
	require.NoError(t, err)

	_, created, err := s.Bootstrap()
	require.NoError(t, err)
	assert.False(t, created)
}

func TestCreateValidateRevoke(t *testing.T) {
	s := newTestStore(t)

	key, err := s.Create("ci-reader", []Permission{PermRead})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key.Token, "ak_"))

	require.NoError(t, s.Validate(key.Token, PermRead))
	err = s.Validate(key.Token, PermExecute)
	assert.True(t, errors.Is(err, errors.ErrForbidden))

	revoked, err := s.Revoke(key.Token)
	require.NoError(t, err)
	assert.True(t, revoked)

	err = s.Validate(key.Token, PermRead)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))

	revoked, err = s.Revoke(key.Token)
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestCreateRejectsBadInput(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Create("", []Permission{PermRead})
	assert.Error(t, err)
	_, err = s.Create("x", nil)
	assert.Error(t, err)
	_, err = s.Create("x", []Permission{"superuser"})
	assert.Error(t, err)
}

func TestAdminImpliesAll(t *testing.T) {
	s := newTestStore(t)
	key, err := s.Create("root", []Permission{PermAdmin})
	require.NoError(t, err)

	for _, p := range []Permission{PermRead, PermExecute, PermAdmin} {
		assert.NoError(t, s.Validate(key.Token, p))
	}
}

func TestValidateDisabledAcceptsEverything(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "keys.json"), false)
	require.NoError(t, err)

	assert.NoError(t, s.Validate("", PermAdmin))
	assert.NoError(t, s.Validate("garbage", PermExecute))
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	s, err := NewStore(path, true)
	require.NoError(t, err)

	key, err := s.Create("worker", []Permission{PermExecute})
	require.NoError(t, err)

	// File exists with owner-only permissions.
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reloaded, err := NewStore(path, true)
	require.NoError(t, err)
	assert.NoError(t, reloaded.Validate(key.Token, PermExecute))

	listed := reloaded.List()
	require.Len(t, listed, 1)
	assert.Equal(t, "worker", listed[0].Name)
	assert.NotEqual(t, key.Token, listed[0].Token, "listing must mask the token")
}

func TestCorruptKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewStore(path, true)
	assert.Error(t, err)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "****", Mask("short"))
	masked := Mask("ak_0123456789abcdefghij")
	assert.True(t, strings.HasPrefix(masked, "ak_01234"))
	assert.True(t, strings.HasSuffix(masked, "ghij"))
	assert.NotContains(t, masked, "56789abcde")
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	r.Header.Set("Authorization", "Bearer ak_abc")
	assert.Equal(t, "ak_abc", ExtractToken(r))

	r = httptest.NewRequest(http.MethodGet, "/ws?api_key=ak_query", nil)
	assert.Equal(t, "ak_query", ExtractToken(r))

	r = httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	assert.Equal(t, "", ExtractToken(r))
}

func TestGate(t *testing.T) {
	s := newTestStore(t)
	reader, err := s.Create("reader", []Permission{PermRead})
	require.NoError(t, err)

	handler := s.Gate(PermRead, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// No token: 401.
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid read token: 200.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+reader.Token)
	handler(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Read token against an execute gate: 403.
	execGate := s.Gate(PermExecute, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/tasks/run", nil)
	req.Header.Set("Authorization", "Bearer "+reader.Token)
	execGate(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
