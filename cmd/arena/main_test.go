package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"arena/internal/auth"
	"arena/internal/config"
)

func TestRun_IssueToken(t *testing.T) {
	req := require.New(t)
	var out bytes.Buffer

	req.NoError(run(context.Background(), []string{"-issue-token", "alice", "-handle", "Alice"}, &out))

	cfg := config.DefaultConfig()
	authenticator, err := auth.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	req.NoError(err)

	id, err := authenticator.Verify(strings.TrimSpace(out.String()))
	req.NoError(err)
	req.Equal("alice", id.UserID)
	req.Equal("Alice", id.Handle)
}

func TestRun_IssueTokenInvalidUser(t *testing.T) {
	var out bytes.Buffer
	require.Error(t, run(context.Background(), []string{"-issue-token", "not a user!"}, &out))
}

func TestRun_InvalidArguments(t *testing.T) {
	require.Error(t, run(context.Background(), []string{"-no-such-flag"}, &bytes.Buffer{}))
}

func TestRun_InvalidConfiguration(t *testing.T) {
	t.Setenv("ARENA_HTTP_PORT", "-5")
	require.Error(t, run(context.Background(), nil, &bytes.Buffer{}))
}

func TestRun_MissingConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	require.Error(t, run(context.Background(), []string{"-config", path}, &bytes.Buffer{}))
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ARENA_HTTP_HOST", "127.0.0.1")
	t.Setenv("ARENA_HTTP_PORT", "0")
	t.Setenv("ARENA_DATABASE_PATH", filepath.Join(dir, "arena.db"))
	t.Setenv("ARENA_LOG_LEVEL", "error")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, nil, &bytes.Buffer{}) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}
