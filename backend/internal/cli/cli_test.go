package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"docsync/backend/internal/channel"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/config"
	"docsync/backend/internal/httpapi/middleware"
	"docsync/backend/internal/logging"
	"docsync/backend/internal/presence"
	"docsync/backend/internal/store"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docsync.yaml")
	body := "Auth:\n  jwtSecret: cli-secret\nLog:\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// seeded 准备一个已经落库的文档
func seeded(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	reg := collab.NewRegistry(collab.SessionConfig{
		Channel: channel.NewMemoryBus(),
		Store:   st,
		Logger:  logging.Discard(),
	})
	alice := presence.User{ID: "1", DisplayName: "alice"}
	s, err := reg.Acquire(ctx, "d1", alice)
	require.NoError(t, err)
	require.NoError(t, s.SetField(alice, "title", "Hello"))
	_, err = s.SaveVersion(ctx, alice, "first draft")
	require.NoError(t, err)
	require.NoError(t, reg.Release(ctx, "d1"))
	return st
}

func run(t *testing.T, st store.Store, args ...string) (string, error) {
	t.Helper()
	opts := &RootOptions{OpenStore: func(context.Context, *config.Config) (store.Store, func(), error) {
		return st, func() {}, nil
	}}
	cmd := newRootCommand(opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", writeConfig(t)}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestInspect(t *testing.T) {
	out, err := run(t, seeded(t), "inspect", "d1")
	require.NoError(t, err)

	var res InspectResult
	require.NoError(t, yaml.Unmarshal([]byte(out), &res))
	assert.Equal(t, "d1", res.DocumentID)
	assert.Equal(t, map[string]string{"title": "Hello"}, res.Fields)
	assert.True(t, res.CacheMatches)
	assert.EqualValues(t, 2, res.LatestVersion)
}

func TestInspectMissingDocument(t *testing.T) {
	_, err := run(t, store.NewMemoryStore(), "inspect", "nope")
	assert.Error(t, err)
}

func TestVersionsText(t *testing.T) {
	out, err := run(t, seeded(t), "--format", "text", "versions", "d1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "MANUAL")
	assert.Contains(t, lines[1], "first draft")
	assert.Contains(t, lines[2], "CREATED")
}

func TestVersionsYAMLOmitsContentByDefault(t *testing.T) {
	out, err := run(t, seeded(t), "versions", "d1")
	require.NoError(t, err)
	assert.NotContains(t, out, "Hello")

	out, err = run(t, seeded(t), "versions", "d1", "--content")
	require.NoError(t, err)
	assert.Contains(t, out, "Hello")
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, store.NewMemoryStore(), "--format", "xml", "versions", "d1")
	assert.Error(t, err)
}

func TestToken(t *testing.T) {
	out, err := run(t, store.NewMemoryStore(), "token", "--user", "42", "--name", "bob")
	require.NoError(t, err)
	claims, err := middleware.ParseToken([]byte("cli-secret"), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.EqualValues(t, 42, claims.UserID)
	assert.Equal(t, "bob", claims.Username)
}
