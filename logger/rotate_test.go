package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingFileRollsOver(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autod.log")

	rf, err := openRotatingFile(path, 64)
	require.NoError(t, err)

	line := []byte(strings.Repeat("x", 30) + "\n")
	for i := 0; i < 4; i++ {
		_, err := rf.Write(line)
		require.NoError(t, err)
	}

	// Two generations exist: the fresh file and the rolled one.
	_, err = os.Stat(path)
	require.NoError(t, err)
	_, err = os.Stat(path + ".1")
	require.NoError(t, err)

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(current), 64)
}

func TestRotatingFileResumesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autod.log")
	require.NoError(t, os.WriteFile(path, []byte("previous run\n"), 0o644))

	rf, err := openRotatingFile(path, 1<<20)
	require.NoError(t, err)
	_, err = rf.Write([]byte("this run\n"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "previous run")
	assert.Contains(t, string(data), "this run")
}
