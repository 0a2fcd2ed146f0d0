// Package store 持久化网关：最新状态（按 kind+文档覆盖写）、快照（只追加）、版本记录（只追加）。
package store

import (
	"context"
	"errors"
	"time"

	"docsync/backend/internal/errs"
)

// LatestState 每个 (kind, 文档) 一行，每次 flush 覆盖。它只是缓存，CRDT 状态才是权威。
type LatestState struct {
	Kind                string    `json:"kind"`
	DocumentID          string    `json:"documentId"`
	EncodedState        []byte    `json:"encodedState"`
	MaterializedContent string    `json:"materializedContent"`
	Version             int64     `json:"version"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

type Snapshot struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"documentId"`
	EncodedState []byte    `json:"-"`
	Description  string    `json:"description"`
	CreatedAt    time.Time `json:"createdAt"`
	CreatedBy    string    `json:"createdBy"`
}

type VersionKind string

const (
	VersionCreated  VersionKind = "CREATED"
	VersionAutosave VersionKind = "AUTOSAVE"
	VersionManual   VersionKind = "MANUAL"
	VersionRestored VersionKind = "RESTORED"
)

type VersionRecord struct {
	ID            string      `json:"id" yaml:"id"`
	DocumentID    string      `json:"documentId" yaml:"documentId"`
	VersionNumber int64       `json:"versionNumber" yaml:"versionNumber"`
	AuthorID      string      `json:"authorId" yaml:"authorId"`
	AuthorName    string      `json:"authorName" yaml:"authorName"`
	Content       string      `json:"content" yaml:"content"`
	ContentHash   string      `json:"contentHash" yaml:"contentHash"`
	Kind          VersionKind `json:"kind" yaml:"kind"`
	Note          string      `json:"note,omitempty" yaml:"note,omitempty"`
	RestoredFrom  *int64      `json:"restoredFrom,omitempty" yaml:"restoredFrom,omitempty"`
	CreatedAt     time.Time   `json:"createdAt" yaml:"createdAt"`
}

// NewVersion 追加版本的入参，版本号由存储层分配
type NewVersion struct {
	DocumentID   string
	AuthorID     string
	AuthorName   string
	Content      string
	ContentHash  string
	Kind         VersionKind
	Note         string
	RestoredFrom *int64
}

type StateStore interface {
	// GetLatestState 没有记录时返回 NotFound
	GetLatestState(ctx context.Context, kind, docID string) (LatestState, error)
	PutLatestState(ctx context.Context, st LatestState) error
}

type SnapshotStore interface {
	// CreateSnapshot ID 为空时自动生成
	CreateSnapshot(ctx context.Context, s Snapshot) (Snapshot, error)
	GetSnapshot(ctx context.Context, id string) (Snapshot, error)
	// ListSnapshots 按创建时间倒序
	ListSnapshots(ctx context.Context, docID string) ([]Snapshot, error)
}

type VersionStore interface {
	// AppendVersion 原子地分配 max+1 作为版本号；冲突重试耗尽返回 VersionConflict
	AppendVersion(ctx context.Context, v NewVersion) (VersionRecord, error)
	// ListVersions 按版本号倒序
	ListVersions(ctx context.Context, docID string) ([]VersionRecord, error)
	GetVersion(ctx context.Context, docID string, number int64) (VersionRecord, error)
	// LatestVersion 文档还没有任何版本时 ok=false
	LatestVersion(ctx context.Context, docID string) (rec VersionRecord, ok bool, err error)
	GetMaxVersion(ctx context.Context, docID string) (int64, error)
}

type Store interface {
	StateStore
	SnapshotStore
	VersionStore
}

// MaxAppendAttempts 版本号冲突时的最大尝试次数
const MaxAppendAttempts = 5

// appendWithRetry 唯一约束冲突（两个会话同时抢 max+1）时重新读 max 再插入
func appendWithRetry(ctx context.Context, docID string, fn func() (VersionRecord, error)) (VersionRecord, error) {
	var last error
	for attempt := 0; attempt < MaxAppendAttempts; attempt++ {
		rec, err := fn()
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, errs.ErrDuplicateVersion) {
			return VersionRecord{}, err
		}
		last = err
		if ctx.Err() != nil {
			break
		}
	}
	return VersionRecord{}, errs.VersionConflict("appendVersion", docID, last)
}
