package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/backend/internal/channel"
	"docsync/backend/internal/clock"
)

func newRoster() (*Roster, *clock.Fake) {
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	r := NewRoster("doc-1", RosterOptions{TypingTimeout: 3 * time.Second, EntryTTL: 30 * time.Second, Clock: fc})
	return r, fc
}

func TestRoster_ApplyAndRemove(t *testing.T) {
	r, _ := newRoster()
	defer r.Close()
	var changes int
	cancel := r.OnChange(func([]Entry) { changes++ })
	defer cancel()

	r.Apply(channel.Presence{UserID: "u-2", DisplayName: "bob"})
	r.Apply(channel.Presence{UserID: "u-1", DisplayName: "alice", Cursor: &channel.Cursor{Field: "body", Head: 1}})
	r.Apply(channel.Presence{UserID: "u-2", DisplayName: "bobby", IsTyping: true})

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "u-1", list[0].UserID)
	assert.Equal(t, ColorFor("u-1"), list[0].Color)
	assert.Equal(t, "doc-1", list[0].DocumentID)
	assert.Equal(t, "bobby", list[1].DisplayName)
	assert.True(t, list[1].IsTyping)

	r.Remove("u-2")
	r.Remove("nobody")
	assert.Len(t, r.List(), 1)
	assert.Equal(t, 4, changes)
}

func TestRoster_StaleTypingClears(t *testing.T) {
	r, fc := newRoster()
	defer r.Close()
	r.Apply(channel.Presence{UserID: "u-2", IsTyping: true})

	fc.Advance(2 * time.Second)
	assert.True(t, r.List()[0].IsTyping)
	fc.Advance(time.Second)
	require.Len(t, r.List(), 1)
	assert.False(t, r.List()[0].IsTyping)
}

func TestRoster_EntryExpires(t *testing.T) {
	r, fc := newRoster()
	defer r.Close()
	r.Apply(channel.Presence{UserID: "u-2"})
	fc.Advance(20 * time.Second)
	r.Apply(channel.Presence{UserID: "u-3"})

	fc.Advance(10 * time.Second)
	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "u-3", list[0].UserID)

	fc.Advance(20 * time.Second)
	assert.Empty(t, r.List())
	assert.Zero(t, fc.Pending())
}
