// Package errs 定义同步引擎的错误分类
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// 订阅/发送失败，由 channel 层重试，本地编辑不受影响
	KindTransientChannel Kind = "TRANSIENT_CHANNEL"
	// 持久化写失败，下一个防抖周期重试
	KindPersistenceWrite Kind = "PERSISTENCE_WRITE"
	// 编码状态损坏或不兼容
	KindDecode Kind = "DECODE"
	// 并发写入抢到了同一个版本号
	KindVersionConflict Kind = "VERSION_CONFLICT"
	KindNotFound        Kind = "NOT_FOUND"
	KindInvalidEdit     Kind = "INVALID_EDIT"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidEdit = errors.New("invalid edit")
	// ErrDuplicateVersion 由存储层返回，表示唯一约束冲突，可以重新分配版本号
	ErrDuplicateVersion = errors.New("duplicate version number")
)

type SyncError struct {
	Kind       Kind
	Op         string
	DocumentID string
	Err        error
	Retryable  bool
}

func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s failed [%s]", e.Op, e.Kind)
	if e.DocumentID != "" {
		msg += " doc=" + e.DocumentID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() error { return e.Err }

func TransientChannel(op, docID string, err error) *SyncError {
	return &SyncError{Kind: KindTransientChannel, Op: op, DocumentID: docID, Err: err, Retryable: true}
}

func PersistenceWrite(op, docID string, err error) *SyncError {
	return &SyncError{Kind: KindPersistenceWrite, Op: op, DocumentID: docID, Err: err, Retryable: true}
}

func Decode(op, docID string, err error) *SyncError {
	return &SyncError{Kind: KindDecode, Op: op, DocumentID: docID, Err: err}
}

func VersionConflict(op, docID string, err error) *SyncError {
	return &SyncError{Kind: KindVersionConflict, Op: op, DocumentID: docID, Err: err}
}

func NotFound(op, docID string, err error) *SyncError {
	if err == nil {
		err = ErrNotFound
	}
	return &SyncError{Kind: KindNotFound, Op: op, DocumentID: docID, Err: err}
}

func InvalidEdit(op, docID string, err error) *SyncError {
	if err == nil {
		err = ErrInvalidEdit
	}
	return &SyncError{Kind: KindInvalidEdit, Op: op, DocumentID: docID, Err: err}
}

// IsKind 沿错误链查找指定类型的 SyncError
func IsKind(err error, kind Kind) bool {
	var se *SyncError
	for err != nil {
		if !errors.As(err, &se) {
			return false
		}
		if se.Kind == kind {
			return true
		}
		err = se.Err
	}
	return false
}

func IsRetryable(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// IsNotFound 兼容直接返回 ErrNotFound 的存储实现
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || IsKind(err, KindNotFound)
}
