package daemon

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macrodyne/autod/config"
)

func writeScript(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Watch:  config.WatchConfig{Dir: t.TempDir(), Extension: ".scr"},
		Log:    config.LogConfig{Dir: t.TempDir(), Buffer: 100},
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Auth:   config.AuthConfig{KeyFile: filepath.Join(t.TempDir(), "keys.json")},
		Queue:  config.QueueConfig{RetryDelayMs: 10, StopGraceMs: 100},
	}
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = 29751

	d, err := New(Options{Config: cfg})
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop()

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", d.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWatchedScriptReachesRegistry(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = 29761

	d, err := New(Options{Config: cfg})
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop()

	path := filepath.Join(cfg.Watch.Dir, "hello.scr")
	writeScript(t, path, "say hi")

	require.Eventually(t, func() bool {
		return d.registry.Len() == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestKeyFilePath(t *testing.T) {
	cfg := &config.Config{}
	cfg.Auth.KeyFile = "/etc/autod/keys.json"
	assert.Equal(t, "/etc/autod/keys.json", keyFilePath(cfg))

	cfg.Auth.KeyFile = ""
	path := keyFilePath(cfg)
	assert.Contains(t, path, "keys.json")
}

func TestAdvertiseHost(t *testing.T) {
	assert.Equal(t, "10.1.2.3", advertiseHost("10.1.2.3"))
	assert.NotEqual(t, "0.0.0.0", advertiseHost("0.0.0.0"))
	assert.NotEqual(t, "::", advertiseHost("::"))
	assert.NotEmpty(t, advertiseHost(""))
}
