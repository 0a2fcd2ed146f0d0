package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"docsync/backend/internal/errs"
)

// MemoryStore 进程内实现，单机/测试用。版本号在锁内分配，天然不会冲突。
type MemoryStore struct {
	mu        sync.Mutex
	now       func() time.Time
	latest    map[string]LatestState
	snapshots map[string]Snapshot
	versions  map[string][]VersionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       time.Now,
		latest:    make(map[string]LatestState),
		snapshots: make(map[string]Snapshot),
		versions:  make(map[string][]VersionRecord),
	}
}

// WithNow 替换时间来源，测试里配合假时钟
func (m *MemoryStore) WithNow(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func latestKey(kind, docID string) string { return kind + "/" + docID }

func (m *MemoryStore) GetLatestState(ctx context.Context, kind, docID string) (LatestState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.latest[latestKey(kind, docID)]
	if !ok {
		return LatestState{}, errs.NotFound("getLatestState", docID, nil)
	}
	st.EncodedState = append([]byte(nil), st.EncodedState...)
	return st, nil
}

func (m *MemoryStore) PutLatestState(ctx context.Context, st LatestState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := latestKey(st.Kind, st.DocumentID)
	prev := m.latest[key]
	st.Version = prev.Version + 1
	st.EncodedState = append([]byte(nil), st.EncodedState...)
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = m.now()
	}
	m.latest[key] = st
	return nil
}

func (m *MemoryStore) CreateSnapshot(ctx context.Context, s Snapshot) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	s.EncodedState = append([]byte(nil), s.EncodedState...)
	m.snapshots[s.ID] = s
	return s, nil
}

func (m *MemoryStore) GetSnapshot(ctx context.Context, id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[id]
	if !ok {
		return Snapshot{}, errs.NotFound("getSnapshot", "", nil)
	}
	return s, nil
}

func (m *MemoryStore) ListSnapshots(ctx context.Context, docID string) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Snapshot
	for _, s := range m.snapshots {
		if s.DocumentID == docID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) AppendVersion(ctx context.Context, v NewVersion) (VersionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.versions[v.DocumentID]
	rec := VersionRecord{
		ID:            uuid.NewString(),
		DocumentID:    v.DocumentID,
		VersionNumber: int64(len(list)) + 1,
		AuthorID:      v.AuthorID,
		AuthorName:    v.AuthorName,
		Content:       v.Content,
		ContentHash:   v.ContentHash,
		Kind:          v.Kind,
		Note:          v.Note,
		RestoredFrom:  v.RestoredFrom,
		CreatedAt:     m.now(),
	}
	m.versions[v.DocumentID] = append(list, rec)
	return rec, nil
}

func (m *MemoryStore) ListVersions(ctx context.Context, docID string) ([]VersionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.versions[docID]
	out := make([]VersionRecord, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

func (m *MemoryStore) GetVersion(ctx context.Context, docID string, number int64) (VersionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.versions[docID]
	if number < 1 || number > int64(len(list)) {
		return VersionRecord{}, errs.NotFound("getVersion", docID, nil)
	}
	return list[number-1], nil
}

func (m *MemoryStore) LatestVersion(ctx context.Context, docID string) (VersionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.versions[docID]
	if len(list) == 0 {
		return VersionRecord{}, false, nil
	}
	return list[len(list)-1], true, nil
}

func (m *MemoryStore) GetMaxVersion(ctx context.Context, docID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.versions[docID])), nil
}
