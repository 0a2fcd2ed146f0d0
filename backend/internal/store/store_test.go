package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/backend/internal/errs"
)

// runStoreSuite 所有实现共用的行为测试
func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()
	doc := "doc-" + uuid.NewString()[:8]

	t.Run("latest state overwrite", func(t *testing.T) {
		_, err := s.GetLatestState(ctx, "document", doc)
		require.True(t, errs.IsNotFound(err))

		require.NoError(t, s.PutLatestState(ctx, LatestState{Kind: "document", DocumentID: doc, EncodedState: []byte{1}, MaterializedContent: "a"}))
		require.NoError(t, s.PutLatestState(ctx, LatestState{Kind: "document", DocumentID: doc, EncodedState: []byte{2}, MaterializedContent: "b"}))

		st, err := s.GetLatestState(ctx, "document", doc)
		require.NoError(t, err)
		assert.Equal(t, []byte{2}, st.EncodedState)
		assert.Equal(t, "b", st.MaterializedContent)
		assert.Equal(t, int64(2), st.Version)

		// kind 不同互不影响
		_, err = s.GetLatestState(ctx, "board", doc)
		assert.True(t, errs.IsNotFound(err))
	})

	t.Run("snapshots", func(t *testing.T) {
		a, err := s.CreateSnapshot(ctx, Snapshot{DocumentID: doc, EncodedState: []byte("s1"), Description: "first", CreatedBy: "u1"})
		require.NoError(t, err)
		require.NotEmpty(t, a.ID)

		got, err := s.GetSnapshot(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte("s1"), got.EncodedState)
		assert.Equal(t, "first", got.Description)

		list, err := s.ListSnapshots(ctx, doc)
		require.NoError(t, err)
		assert.Len(t, list, 1)

		_, err = s.GetSnapshot(ctx, uuid.NewString())
		assert.True(t, errs.IsNotFound(err))
	})

	t.Run("versions are monotonic", func(t *testing.T) {
		_, ok, err := s.LatestVersion(ctx, doc)
		require.NoError(t, err)
		assert.False(t, ok)

		for i := 1; i <= 3; i++ {
			rec, err := s.AppendVersion(ctx, NewVersion{DocumentID: doc, AuthorID: "u1", Content: fmt.Sprint(i), Kind: VersionManual})
			require.NoError(t, err)
			assert.Equal(t, int64(i), rec.VersionNumber)
		}
		from := int64(2)
		rec, err := s.AppendVersion(ctx, NewVersion{DocumentID: doc, Content: "2", Kind: VersionRestored, RestoredFrom: &from})
		require.NoError(t, err)
		assert.Equal(t, int64(4), rec.VersionNumber)

		max, err := s.GetMaxVersion(ctx, doc)
		require.NoError(t, err)
		assert.Equal(t, int64(4), max)

		latest, ok, err := s.LatestVersion(ctx, doc)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, VersionRestored, latest.Kind)
		require.NotNil(t, latest.RestoredFrom)
		assert.Equal(t, int64(2), *latest.RestoredFrom)

		list, err := s.ListVersions(ctx, doc)
		require.NoError(t, err)
		require.Len(t, list, 4)
		assert.Equal(t, int64(4), list[0].VersionNumber)
		assert.Equal(t, int64(1), list[3].VersionNumber)

		v2, err := s.GetVersion(ctx, doc, 2)
		require.NoError(t, err)
		assert.Equal(t, "2", v2.Content)
		_, err = s.GetVersion(ctx, doc, 99)
		assert.True(t, errs.IsNotFound(err))
	})

	t.Run("concurrent appends never share a number", func(t *testing.T) {
		other := doc + "-race"
		var wg sync.WaitGroup
		results := make(chan int64, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec, err := s.AppendVersion(ctx, NewVersion{DocumentID: other, Content: "x", Kind: VersionAutosave})
				if err == nil {
					results <- rec.VersionNumber
				} else {
					assert.True(t, errs.IsKind(err, errs.KindVersionConflict))
				}
			}()
		}
		wg.Wait()
		close(results)
		seen := map[int64]bool{}
		for n := range results {
			assert.False(t, seen[n], "duplicate version %d", n)
			seen[n] = true
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

func TestGormStore(t *testing.T) {
	dsn := os.Getenv("DOCSYNC_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("skip: DOCSYNC_TEST_MYSQL_DSN not set")
	}
	db, err := OpenMySQL(dsn)
	require.NoError(t, err)
	s := NewGormStore(db)
	require.NoError(t, s.AutoMigrate())
	runStoreSuite(t, s)
}

func TestPgStore(t *testing.T) {
	dsn := os.Getenv("DOCSYNC_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("skip: DOCSYNC_TEST_PG_DSN not set")
	}
	s, err := NewPgStore(context.Background(), dsn)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(context.Background()))
	runStoreSuite(t, s)
}

func TestAppendWithRetry(t *testing.T) {
	ctx := context.Background()

	calls := 0
	rec, err := appendWithRetry(ctx, "d", func() (VersionRecord, error) {
		calls++
		if calls < 3 {
			return VersionRecord{}, errs.ErrDuplicateVersion
		}
		return VersionRecord{VersionNumber: 7}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.VersionNumber)
	assert.Equal(t, 3, calls)

	calls = 0
	_, err = appendWithRetry(ctx, "d", func() (VersionRecord, error) {
		calls++
		return VersionRecord{}, errs.ErrDuplicateVersion
	})
	assert.True(t, errs.IsKind(err, errs.KindVersionConflict))
	assert.Equal(t, MaxAppendAttempts, calls)

	boom := errors.New("disk full")
	_, err = appendWithRetry(ctx, "d", func() (VersionRecord, error) { return VersionRecord{}, boom })
	assert.ErrorIs(t, err, boom)
}
