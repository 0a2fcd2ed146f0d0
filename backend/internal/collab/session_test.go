package collab

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/backend/internal/logging"
	"docsync/backend/internal/presence"
	"docsync/backend/internal/store"
)

var (
	alice = presence.User{ID: "u-alice", DisplayName: "alice"}
	bob   = presence.User{ID: "u-bob", DisplayName: "bob"}
)

func (e *env) sessionConfig() SessionConfig {
	return SessionConfig{
		Channel:       e.ch,
		Store:         e.store,
		Clock:         e.clock,
		Logger:        logging.Discard(),
		Events:        e.rec,
		CheckpointOps: 5,
	}
}

func (e *env) openSession(t *testing.T, docID string, user presence.User) *Session {
	t.Helper()
	s, err := OpenSession(context.Background(), docID, e.sessionConfig(), user)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestSession_FirstOpenRecordsCreated(t *testing.T) {
	e := newEnv()
	a := e.openSession(t, "doc-1", alice)
	e.openSession(t, "doc-1", bob)

	list, err := a.Versions(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, store.VersionCreated, list[0].Kind)
	assert.Equal(t, "u-alice", list[0].AuthorID)
	assert.Equal(t, `{"fields":{}}`, list[0].Content)
}

func TestSession_RestorePropagatesToPeers(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	a := e.openSession(t, "doc-1", alice)
	b := e.openSession(t, "doc-1", bob)

	require.NoError(t, a.SetField(alice, "body", "version one"))
	v, err := a.SaveVersion(ctx, alice, "v1")
	require.NoError(t, err)
	require.NoError(t, a.SetField(alice, "body", "version two"))
	waitSent(t, a.Provider())
	require.Equal(t, "version two", b.Materialize().Fields["body"])

	backup, restored, err := b.RestoreVersion(ctx, bob, v.VersionNumber)
	require.NoError(t, err)
	waitSent(t, b.Provider())

	assert.Equal(t, `{"fields":{"body":"version two"}}`, backup.Content)
	assert.Equal(t, `{"fields":{"body":"version one"}}`, restored.Content)
	assert.Equal(t, "version one", a.Materialize().Fields["body"])
	assert.Equal(t, a.Materialize(), b.Materialize())

	list, err := a.Versions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, []store.VersionKind{store.VersionRestored, store.VersionManual, store.VersionManual, store.VersionCreated},
		[]store.VersionKind{list[0].Kind, list[1].Kind, list[2].Kind, list[3].Kind})
}

func TestSession_RestoreToEmptyVersion(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	a := e.openSession(t, "doc-1", alice)
	require.NoError(t, a.SetField(alice, "body", "something"))

	_, _, err := a.RestoreVersion(ctx, alice, 1)
	require.NoError(t, err)
	content, err := a.Content()
	require.NoError(t, err)
	assert.Equal(t, `{"fields":{}}`, content)

	// 恢复之后内容和 Restored 记录一致，自动保存不会再追加
	e.clock.Advance(10 * time.Minute)
	list, err := a.Versions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

// 自动保存：编辑后静默 3 分钟，两个节点都会尝试，只留一条 Autosave
func TestSession_AutosaveAfterQuiet(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	a := e.openSession(t, "doc-1", alice)
	e.openSession(t, "doc-1", bob)

	require.NoError(t, a.Edit(alice, "body", insertText(0, "draft")))
	waitSent(t, a.Provider())
	e.clock.Advance(3 * time.Minute)
	e.clock.Advance(3 * time.Minute)

	list, err := a.Versions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, store.VersionAutosave, list[0].Kind)
	assert.Equal(t, `{"fields":{"body":"draft"}}`, list[0].Content)
}

func TestSession_CheckpointByOps(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	a := e.openSession(t, "doc-1", alice)

	require.NoError(t, a.Edit(alice, "body", insertText(0, "hello")))
	a.Checkpoints().Wait()
	snaps, err := a.Snapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "system", snaps[0].CreatedBy)

	require.NoError(t, a.Edit(alice, "body", insertText(5, " world")))
	preview, err := a.PreviewSnapshot(ctx, snaps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", preview.Fields["body"])
	assert.Equal(t, "hello world", a.Materialize().Fields["body"])

	manual, err := a.CreateSnapshot(ctx, "before review", "u-alice")
	require.NoError(t, err)
	assert.Equal(t, "before review", manual.Description)
}

func TestSession_PresenceAcrossPeers(t *testing.T) {
	e := newEnv()
	a := e.openSession(t, "doc-1", alice)
	b := e.openSession(t, "doc-1", bob)

	a.Join(alice)
	waitSent(t, a.Provider())
	list := b.Presence()
	require.Len(t, list, 1)
	assert.Equal(t, "alice", list[0].DisplayName)
	assert.False(t, list[0].IsTyping)

	require.NoError(t, a.Edit(alice, "body", insertText(0, "x")))
	waitSent(t, a.Provider())
	assert.True(t, b.Presence()[0].IsTyping)

	e.clock.Advance(presence.DefaultTypingIdle)
	waitSent(t, a.Provider())
	assert.False(t, b.Presence()[0].IsTyping)

	// 本节点用户也出现在列表里
	b.Join(bob)
	ids := []string{}
	for _, p := range b.Presence() {
		ids = append(ids, p.UserID)
	}
	assert.Equal(t, []string{"u-alice", "u-bob"}, ids)

	a.Leave(alice.ID)
	waitSent(t, a.Provider())
	require.Len(t, b.Presence(), 1)
	assert.Equal(t, "u-bob", b.Presence()[0].UserID)
}

func TestSession_JoinTwiceNeedsTwoLeaves(t *testing.T) {
	e := newEnv()
	a := e.openSession(t, "doc-1", alice)
	b := e.openSession(t, "doc-1", bob)

	a.Join(alice)
	a.Join(alice)
	a.Leave(alice.ID)
	waitSent(t, a.Provider())
	assert.Len(t, b.Presence(), 1)
	a.Leave(alice.ID)
	waitSent(t, a.Provider())
	assert.Empty(t, b.Presence())
}
