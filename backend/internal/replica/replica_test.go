package replica

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/backend/internal/delta"
	"docsync/backend/internal/errs"
)

func insertAt(pos int, text string) delta.Delta {
	d := delta.Delta{}
	if pos > 0 {
		d = append(d, delta.Op{Kind: delta.KindRetain, Count: pos})
	}
	return append(d, delta.Op{Kind: delta.KindInsert, Text: text})
}

func deleteAt(pos, n int) delta.Delta {
	d := delta.Delta{}
	if pos > 0 {
		d = append(d, delta.Op{Kind: delta.KindRetain, Count: pos})
	}
	return append(d, delta.Op{Kind: delta.KindDelete, Count: n})
}

func TestApplyLocalEdit_Basic(t *testing.T) {
	r := New("doc-1", "a")
	_, err := r.ApplyLocalEdit("body", insertAt(0, "Hello world"), Local())
	require.NoError(t, err)
	_, err = r.ApplyLocalEdit("body", insertAt(5, " collaborative"), Local())
	require.NoError(t, err)
	assert.Equal(t, "Hello collaborative world", r.Text("body"))

	_, err = r.ApplyLocalEdit("body", deleteAt(5, 14), Local())
	require.NoError(t, err)
	assert.Equal(t, "Hello world", r.Text("body"))
}

func TestApplyLocalEdit_Invalid(t *testing.T) {
	r := New("doc-1", "a")
	_, err := r.ApplyLocalEdit("body", deleteAt(0, 3), Local())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindInvalidEdit))
	assert.Empty(t, r.Materialize().Fields, "空编辑不应该创建字段")
}

func TestApplyRemoteDelta_Idempotent(t *testing.T) {
	a := New("doc-1", "a")
	b := New("doc-1", "b")

	u1, err := a.ApplyLocalEdit("body", insertAt(0, "abc"), Local())
	require.NoError(t, err)
	u2, err := a.ApplyLocalEdit("body", deleteAt(1, 1), Local())
	require.NoError(t, err)

	n, err := b.ApplyRemoteDelta(u1, Remote("a"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, err = b.ApplyRemoteDelta(u2, Remote("a"))
	require.NoError(t, err)
	before := b.Materialize()

	// 重复投递不产生任何变化，也不触发监听
	events := 0
	cancel := b.OnUpdate(func(UpdateEvent) { events++ })
	defer cancel()
	for _, u := range [][]byte{u1, u2, u1} {
		n, err = b.ApplyRemoteDelta(u, Remote("a"))
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	assert.Equal(t, before, b.Materialize())
	assert.Zero(t, events)
	assert.Equal(t, "ac", b.Text("body"))
}

func TestApplyRemoteDelta_OutOfOrderIsBuffered(t *testing.T) {
	a := New("doc-1", "a")
	u1, _ := a.ApplyLocalEdit("body", insertAt(0, "xy"), Local())
	u2, _ := a.ApplyLocalEdit("body", insertAt(2, "z"), Local())
	u3, _ := a.ApplyLocalEdit("body", deleteAt(0, 1), Local())

	b := New("doc-1", "b")
	_, err := b.ApplyRemoteDelta(u3, Remote("a"))
	require.NoError(t, err)
	_, err = b.ApplyRemoteDelta(u2, Remote("a"))
	require.NoError(t, err)
	assert.Equal(t, 2, b.PendingCount())
	assert.Equal(t, "", b.Text("body"))

	_, err = b.ApplyRemoteDelta(u1, Remote("a"))
	require.NoError(t, err)
	assert.Zero(t, b.PendingCount())
	assert.Equal(t, a.Materialize(), b.Materialize())
	assert.Equal(t, "yz", b.Text("body"))
}

func TestApplyRemoteDelta_Corrupt(t *testing.T) {
	r := New("doc-1", "a")
	_, err := r.ApplyRemoteDelta([]byte("not json"), Remote("x"))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindDecode))

	_, err = r.ApplyRemoteDelta([]byte(`{"ops":[{"f":"body","k":1,"id":{"s":"x","c":1},"v":"ab"}]}`), Remote("x"))
	assert.True(t, errs.IsKind(err, errs.KindDecode))
}

func TestDeleteAlreadyDeletedIsNoop(t *testing.T) {
	a := New("doc-1", "a")
	b := New("doc-1", "b")
	u, _ := a.ApplyLocalEdit("body", insertAt(0, "abc"), Local())
	_, _ = b.ApplyRemoteDelta(u, Remote("a"))

	// 两边同时删除同一个字符
	da, _ := a.ApplyLocalEdit("body", deleteAt(1, 1), Local())
	db, _ := b.ApplyLocalEdit("body", deleteAt(1, 1), Local())
	n, err := a.ApplyRemoteDelta(db, Remote("b"))
	require.NoError(t, err)
	assert.Zero(t, n)
	_, _ = b.ApplyRemoteDelta(da, Remote("a"))

	assert.Equal(t, "ac", a.Text("body"))
	assert.Equal(t, a.Materialize(), b.Materialize())
}

// 离线场景：B 离线前本地写了 "Hi "，A 在线写了 "Hello"，B 重连后双方合并
func TestScenario_OfflineMergeKeepsBothContributions(t *testing.T) {
	a := New("doc-D", "site-a")
	b := New("doc-D", "site-b")

	ub, err := b.ApplyLocalEdit("body", insertAt(0, "Hi "), Local())
	require.NoError(t, err)
	ua, err := a.ApplyLocalEdit("body", insertAt(0, "Hello"), Local())
	require.NoError(t, err)

	_, err = b.ApplyRemoteDelta(ua, Remote("site-a"))
	require.NoError(t, err)
	_, err = a.ApplyRemoteDelta(ub, Remote("site-b"))
	require.NoError(t, err)

	ca, cb := a.Materialize(), b.Materialize()
	assert.Equal(t, ca, cb)
	assert.Contains(t, ca.Fields["body"], "Hi ")
	assert.Contains(t, ca.Fields["body"], "Hello")
	assert.Len(t, []rune(ca.Fields["body"]), len("Hi Hello"))
}

func randomEdit(rng *rand.Rand, r *Replica) []byte {
	field := []string{"title", "body"}[rng.Intn(2)]
	length := len([]rune(r.Text(field)))
	var d delta.Delta
	if length > 0 && rng.Intn(3) == 0 {
		pos := rng.Intn(length)
		n := 1 + rng.Intn(min(3, length-pos))
		d = deleteAt(pos, n)
	} else {
		letters := "abcdefgh我们"
		runes := []rune(letters)
		var sb strings.Builder
		for i := 0; i <= rng.Intn(3); i++ {
			sb.WriteRune(runes[rng.Intn(len(runes))])
		}
		d = insertAt(rng.Intn(length+1), sb.String())
	}
	u, err := r.ApplyLocalEdit(field, d, Local())
	if err != nil {
		panic(err)
	}
	return u
}

func TestConvergence_AnyOrderAnyDuplication(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	sites := []*Replica{New("doc", "s1"), New("doc", "s2"), New("doc", "s3")}
	var all [][]byte

	for round := 0; round < 30; round++ {
		var batch [][]byte
		for _, s := range sites {
			for k := 0; k < 1+rng.Intn(3); k++ {
				if u := randomEdit(rng, s); u != nil {
					batch = append(batch, u)
				}
			}
		}
		all = append(all, batch...)
		// 部分轮次做一次不完整的同步，让后续编辑基于对方的内容产生因果链
		if round%3 == 0 {
			for _, s := range sites {
				for _, u := range batch {
					if rng.Intn(2) == 0 {
						_, err := s.ApplyRemoteDelta(u, Remote("peer"))
						require.NoError(t, err)
					}
				}
			}
		}
	}

	for _, s := range sites {
		for _, u := range all {
			_, err := s.ApplyRemoteDelta(u, Remote("peer"))
			require.NoError(t, err)
		}
	}

	r1 := New("doc", "r1")
	r2 := New("doc", "r2")
	order1 := rng.Perm(len(all))
	order2 := rng.Perm(len(all))
	for _, i := range order1 {
		_, err := r1.ApplyRemoteDelta(all[i], Remote("peer"))
		require.NoError(t, err)
	}
	for _, i := range order2 {
		_, err := r2.ApplyRemoteDelta(all[i], Remote("peer"))
		require.NoError(t, err)
		if rng.Intn(4) == 0 {
			_, err = r2.ApplyRemoteDelta(all[rng.Intn(len(all))], Remote("peer"))
			require.NoError(t, err)
		}
	}

	want := sites[0].Materialize()
	assert.Zero(t, r1.PendingCount())
	assert.Zero(t, r2.PendingCount())
	assert.Equal(t, want, r1.Materialize())
	assert.Equal(t, want, r2.Materialize())
	for _, s := range sites[1:] {
		assert.Equal(t, want, s.Materialize())
	}
}

func TestListenerReceivesOrigin(t *testing.T) {
	r := New("doc-1", "a")
	var got []Origin
	cancel := r.OnUpdate(func(ev UpdateEvent) { got = append(got, ev.Origin) })

	_, _ = r.SetField("title", "draft", Local())
	_, _ = r.SetField("title", "final", Restore())
	other := New("doc-1", "b")
	u, _ := other.SetField("body", "x", Local())
	_, _ = r.ApplyRemoteDelta(u, Remote("b"))

	cancel()
	_, _ = r.SetField("title", "ignored", Local())

	require.Len(t, got, 3)
	assert.Equal(t, OriginLocal, got[0].Kind)
	assert.Equal(t, OriginRestore, got[1].Kind)
	assert.Equal(t, OriginRemote, got[2].Kind)
	assert.Equal(t, "b", got[2].Peer)
	assert.True(t, got[1].Broadcast())
	assert.False(t, got[2].Broadcast())
}

func TestSetField_NoChangeProducesNoUpdate(t *testing.T) {
	r := New("doc-1", "a")
	u, err := r.SetField("title", "same", Local())
	require.NoError(t, err)
	require.NotNil(t, u)
	u, err = r.SetField("title", "same", Local())
	require.NoError(t, err)
	assert.Nil(t, u)
}
