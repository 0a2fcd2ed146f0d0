// Package offline 本地离线缓存：保存副本的编码状态和发送失败、尚未送达的更新。
package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS offline_state (
	kind          TEXT    NOT NULL,
	document_id   TEXT    NOT NULL,
	encoded_state BLOB    NOT NULL,
	updated_at    INTEGER NOT NULL,
	PRIMARY KEY (kind, document_id)
);
CREATE TABLE IF NOT EXISTS offline_pending (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	kind        TEXT    NOT NULL,
	document_id TEXT    NOT NULL,
	payload     BLOB    NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_offline_pending_doc ON offline_pending (kind, document_id, id);
`

type PendingUpdate struct {
	ID        int64
	Payload   []byte
	CreatedAt time.Time
}

type Cache interface {
	SaveState(ctx context.Context, kind, docID string, state []byte) error
	// LoadState 没有缓存时 ok=false
	LoadState(ctx context.Context, kind, docID string) (state []byte, ok bool, err error)
	AppendPending(ctx context.Context, kind, docID string, payload []byte) (int64, error)
	// PendingUpdates 按写入顺序返回
	PendingUpdates(ctx context.Context, kind, docID string) ([]PendingUpdate, error)
	AckPending(ctx context.Context, ids ...int64) error
}

// SQLiteCache 基于 sqlite 的实现，单文件，WAL 模式
type SQLiteCache struct {
	db *sql.DB
}

func Open(path string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open offline cache: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open offline cache: %w", err)
	}
	// sqlite 只有一个写者
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply offline schema: %w", err)
	}
	return &SQLiteCache{db: db}, nil
}

func (c *SQLiteCache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *SQLiteCache) SaveState(ctx context.Context, kind, docID string, state []byte) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO offline_state (kind, document_id, encoded_state, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(kind, document_id) DO UPDATE SET encoded_state = excluded.encoded_state, updated_at = excluded.updated_at`,
		kind, docID, state, time.Now().UnixMilli(),
	)
	return err
}

func (c *SQLiteCache) LoadState(ctx context.Context, kind, docID string) ([]byte, bool, error) {
	var state []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT encoded_state FROM offline_state WHERE kind = ? AND document_id = ?`, kind, docID,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return state, true, nil
}

func (c *SQLiteCache) AppendPending(ctx context.Context, kind, docID string, payload []byte) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO offline_pending (kind, document_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		kind, docID, payload, time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (c *SQLiteCache) PendingUpdates(ctx context.Context, kind, docID string) ([]PendingUpdate, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, payload, created_at FROM offline_pending WHERE kind = ? AND document_id = ? ORDER BY id`,
		kind, docID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PendingUpdate
	for rows.Next() {
		var p PendingUpdate
		var ms int64
		if err := rows.Scan(&p.ID, &p.Payload, &ms); err != nil {
			return nil, err
		}
		p.CreatedAt = time.UnixMilli(ms)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (c *SQLiteCache) AckPending(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM offline_pending WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}
