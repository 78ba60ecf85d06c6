package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCommand(t *testing.T) {
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ready", r.URL.Path)
		if down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	cmd := newRootCmd()
	cmd.SetArgs([]string{"health", "--addr", srv.URL, "--env-file", ""})
	require.NoError(t, cmd.Execute())

	down.Store(true)
	cmd = newRootCmd()
	cmd.SetArgs([]string{"health", "--addr", srv.URL, "--env-file", ""})
	assert.Error(t, cmd.Execute())
}

func TestEnvFileLoaded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("DRAWCHAIN_TEST_MARKER=loaded\n"), 0o600))
	t.Setenv("DRAWCHAIN_TEST_MARKER", "")
	require.NoError(t, os.Unsetenv("DRAWCHAIN_TEST_MARKER"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	cmd := newRootCmd()
	cmd.SetArgs([]string{"health", "--addr", srv.URL, "--env-file", path})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "loaded", os.Getenv("DRAWCHAIN_TEST_MARKER"))
}

func TestMissingEnvFileIsIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	cmd := newRootCmd()
	cmd.SetArgs([]string{"health", "--addr", srv.URL, "--env-file", filepath.Join(t.TempDir(), "absent.env")})
	assert.NoError(t, cmd.Execute())
}
