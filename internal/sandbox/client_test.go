package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptSendsMessageWithAuth(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "tok-123", 1)
	err := c.Prompt(context.Background(), "sb-1", "resume where you left off")
	require.NoError(t, err)
	assert.Equal(t, "/v1/sandboxes/sb-1/prompt", gotPath)
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "resume where you left off", gotBody["message"])
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", 3)
	err := c.Restart(context.Background(), "sb-1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestErrorAfterAttemptsExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", 2)
	err := c.Stop(context.Background(), "sb-1")
	require.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGetStateAndExecDecode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/sandboxes/sb-1":
			json.NewEncoder(w).Encode(State{ID: "sb-1", Status: "running", Uptime: 42})
		case "/v1/sandboxes/sb-1/exec":
			json.NewEncoder(w).Encode(ExecResult{ExitCode: 1, Stderr: "no such file"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", 1)
	state, err := c.GetState(context.Background(), "sb-1")
	require.NoError(t, err)
	assert.Equal(t, "running", state.Status)
	assert.Equal(t, int64(42), state.Uptime)

	res, err := c.Exec(context.Background(), "sb-1", "cat missing.txt")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "no such file", res.Stderr)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", 1)
	for i := 0; i < 6; i++ {
		_ = c.Start(context.Background(), "sb-1")
	}
	before := atomic.LoadInt32(&calls)

	// Circuit is open now; no request should reach the server.
	err := c.Start(context.Background(), "sb-1")
	require.Error(t, err)
	assert.Equal(t, before, atomic.LoadInt32(&calls))
}
