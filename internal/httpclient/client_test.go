package httpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer ak_test", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	var out map[string]string
	status, err := Wrap(srv.Client()).GetJSON(context.Background(), srv.URL, "ak_test", &out)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", out["status"])
}

func TestPostJSONRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Empty(t, r.Header.Get("Authorization"), "no bearer when token is empty")

		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["code"]})
	}))
	defer srv.Close()

	var out map[string]string
	status, err := Wrap(srv.Client()).PostJSON(context.Background(), srv.URL, "", map[string]string{"code": "print 1"}, &out)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "print 1", out["echo"])
}

func TestNon2xxReturnsStatusAndSnippet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope, not here", http.StatusNotFound)
	}))
	defer srv.Close()

	status, err := Wrap(srv.Client()).GetJSON(context.Background(), srv.URL, "", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "nope, not here")
}

func TestNilOutSkipsDecode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json at all"))
	}))
	defer srv.Close()

	status, err := Wrap(srv.Client()).GetJSON(context.Background(), srv.URL, "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
}

func TestUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	status, err := New(0).GetJSON(context.Background(), url, "", nil)
	require.Error(t, err)
	assert.Equal(t, 0, status)
}

func TestNewDefaultTimeout(t *testing.T) {
	assert.Equal(t, DefaultTimeout, New(0).Timeout)
	assert.Equal(t, DefaultTimeout, New(-1).Timeout)
}
