package ws

import (
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/backend/internal/channel"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/delta"
	"docsync/backend/internal/logging"
	"docsync/backend/internal/sem"
	"docsync/backend/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *collab.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := collab.NewRegistry(collab.SessionConfig{
		Channel: channel.NewMemoryBus(),
		Store:   store.NewMemoryStore(),
		Logger:  logging.Discard(),
	})
	m := NewManager(NewHub(nil), reg, sem.New(10), 0, logging.Discard())

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		uid, _ := strconv.ParseUint(c.Query("uid"), 10, 64)
		c.Set("userId", uid)
		c.Set("username", c.Query("name"))
		c.Next()
	}, m.WebSocketConnect)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, reg
}

func dial(t *testing.T, srv *httptest.Server, uid int, name string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?uid=" + strconv.Itoa(uid) + "&name=" + name
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	readUntil(t, conn, func(m ServerMessage) bool { return m.Type == TypeWelcome })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(ServerMessage) bool) ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var m ServerMessage
		require.NoError(t, conn.ReadJSON(&m))
		if match(m) {
			return m
		}
	}
}

func byRequest(id string) func(ServerMessage) bool {
	return func(m ServerMessage) bool { return m.RequestID == id }
}

func TestWS_RequiresJoin(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv, 1, "alice")

	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeEdit, RequestID: "r1", Field: "body"}))
	m := readUntil(t, a, byRequest("r1"))
	assert.Equal(t, TypeError, m.Type)
	assert.Equal(t, "NOT_JOINED", m.Code)

	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeJoinDocument, RequestID: "r2"}))
	m = readUntil(t, a, byRequest("r2"))
	assert.Equal(t, "MISSING_DOC_ID", m.Code)
}

func TestWS_EditReachesOtherConnection(t *testing.T) {
	srv, reg := newTestServer(t)
	a := dial(t, srv, 1, "alice")
	b := dial(t, srv, 2, "bob")

	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeJoinDocument, RequestID: "j1", DocID: "doc-1"}))
	joined := readUntil(t, a, byRequest("j1"))
	require.Equal(t, TypeJoined, joined.Type)
	require.NotNil(t, joined.Content)
	require.NoError(t, b.WriteJSON(ClientMessage{Type: TypeJoinDocument, RequestID: "j2", DocID: "doc-1"}))
	readUntil(t, b, byRequest("j2"))
	assert.Equal(t, 1, reg.Len())

	require.NoError(t, a.WriteJSON(ClientMessage{
		Type: TypeEdit, RequestID: "e1", Field: "body",
		Ops: delta.Delta{{Kind: delta.KindInsert, Text: "hello"}},
	}))
	ack := readUntil(t, a, byRequest("e1"))
	assert.Equal(t, TypeAck, ack.Type)

	got := readUntil(t, b, func(m ServerMessage) bool { return m.Type == TypeContent })
	assert.Equal(t, "hello", got.Content.Fields["body"])
	assert.Equal(t, "local", got.Origin)

	require.NoError(t, b.WriteJSON(ClientMessage{Type: TypeHeartbeat, RequestID: "h1"}))
	hb := readUntil(t, b, byRequest("h1"))
	assert.Len(t, hb.Members, 2)
}

func TestWS_InvalidEdit(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv, 1, "alice")
	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeJoinDocument, RequestID: "j1", DocID: "doc-1"}))
	readUntil(t, a, byRequest("j1"))

	require.NoError(t, a.WriteJSON(ClientMessage{
		Type: TypeEdit, RequestID: "e1", Field: "body",
		Ops: delta.Delta{{Kind: delta.KindDelete, Count: 3}},
	}))
	m := readUntil(t, a, byRequest("e1"))
	assert.Equal(t, "INVALID_EDIT", m.Code)

	require.NoError(t, a.WriteJSON(ClientMessage{Type: "bogus", RequestID: "x"}))
	m = readUntil(t, a, byRequest("x"))
	assert.Equal(t, TypeIgnored, m.Type)
}

func TestWS_VersionsAndRestore(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv, 1, "alice")
	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeJoinDocument, RequestID: "j1", DocID: "doc-v"}))
	readUntil(t, a, byRequest("j1"))

	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeSetField, RequestID: "s1", Field: "title", Value: "draft"}))
	readUntil(t, a, byRequest("s1"))
	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeSaveVersion, RequestID: "v1", Note: "first"}))
	saved := readUntil(t, a, byRequest("v1"))
	require.NotNil(t, saved.Version)
	assert.Equal(t, int64(2), saved.Version.VersionNumber)

	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeRestoreVersion, RequestID: "r1", Version: 1}))
	restored := readUntil(t, a, byRequest("r1"))
	require.Equal(t, TypeVersion, restored.Type)
	assert.Equal(t, store.VersionRestored, restored.Version.Kind)
	assert.Equal(t, store.VersionManual, restored.Backup.Kind)

	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeRestoreVersion, RequestID: "r2", Version: 99}))
	missing := readUntil(t, a, byRequest("r2"))
	assert.Equal(t, "VERSION_NOT_FOUND", missing.Code)

	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeListVersions, RequestID: "l1"}))
	list := readUntil(t, a, byRequest("l1"))
	assert.Len(t, list.Versions, 4)

	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeCreateSnapshot, RequestID: "c1", Description: "manual"}))
	snap := readUntil(t, a, byRequest("c1"))
	require.NotNil(t, snap.Snapshot)
	assert.Equal(t, "1", snap.Snapshot.CreatedBy)

	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeFlush, RequestID: "f1"}))
	assert.Equal(t, TypeAck, readUntil(t, a, byRequest("f1")).Type)
	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeStatus, RequestID: "st"}))
	st := readUntil(t, a, byRequest("st"))
	require.NotNil(t, st.Status)
	assert.True(t, st.Status.Connected)
}

func TestWS_LeaveReleasesSession(t *testing.T) {
	srv, reg := newTestServer(t)
	a := dial(t, srv, 1, "alice")
	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeJoinDocument, RequestID: "j1", DocID: "doc-1"}))
	readUntil(t, a, byRequest("j1"))
	require.Equal(t, 1, reg.Len())

	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeLeaveDocument, RequestID: "l1"}))
	m := readUntil(t, a, byRequest("l1"))
	assert.Equal(t, TypeLeft, m.Type)
	assert.Zero(t, reg.Len())
}
