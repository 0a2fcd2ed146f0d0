package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"docsync/backend/internal/errs"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS document_latest_state (
	kind                 TEXT        NOT NULL,
	document_id          TEXT        NOT NULL,
	encoded_state        BYTEA       NOT NULL,
	materialized_content TEXT        NOT NULL,
	version              BIGINT      NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (kind, document_id)
);
CREATE TABLE IF NOT EXISTS document_state_snapshots (
	id            TEXT PRIMARY KEY,
	document_id   TEXT        NOT NULL,
	encoded_state BYTEA       NOT NULL,
	description   TEXT        NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	created_by    TEXT        NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_snapshots_doc ON document_state_snapshots (document_id, created_at DESC);
CREATE TABLE IF NOT EXISTS document_versions (
	id             TEXT PRIMARY KEY,
	document_id    TEXT        NOT NULL,
	version_number BIGINT      NOT NULL,
	author_id      TEXT        NOT NULL DEFAULT '',
	author_name    TEXT        NOT NULL DEFAULT '',
	content        TEXT        NOT NULL,
	content_hash   TEXT        NOT NULL DEFAULT '',
	kind           TEXT        NOT NULL,
	note           TEXT        NOT NULL DEFAULT '',
	restored_from  BIGINT,
	created_at     TIMESTAMPTZ NOT NULL,
	UNIQUE (document_id, version_number)
);`

const pgUniqueViolation = "23505"

// PgStore Postgres 实现（pgxpool）
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PgStore{pool: pool}, nil
}

func (s *PgStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, pgSchema)
	return err
}

func (s *PgStore) Close() { s.pool.Close() }

func (s *PgStore) GetLatestState(ctx context.Context, kind, docID string) (LatestState, error) {
	st := LatestState{Kind: kind, DocumentID: docID}
	err := s.pool.QueryRow(ctx,
		`SELECT encoded_state, materialized_content, version, updated_at
		 FROM document_latest_state WHERE kind = $1 AND document_id = $2`,
		kind, docID,
	).Scan(&st.EncodedState, &st.MaterializedContent, &st.Version, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return LatestState{}, errs.NotFound("getLatestState", docID, nil)
	}
	if err != nil {
		return LatestState{}, err
	}
	return st, nil
}

func (s *PgStore) PutLatestState(ctx context.Context, st LatestState) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO document_latest_state (kind, document_id, encoded_state, materialized_content, version, updated_at)
		 VALUES ($1, $2, $3, $4, 1, $5)
		 ON CONFLICT (kind, document_id) DO UPDATE SET
			encoded_state = EXCLUDED.encoded_state,
			materialized_content = EXCLUDED.materialized_content,
			version = document_latest_state.version + 1,
			updated_at = EXCLUDED.updated_at`,
		st.Kind, st.DocumentID, st.EncodedState, st.MaterializedContent, st.UpdatedAt,
	)
	return err
}

func (s *PgStore) CreateSnapshot(ctx context.Context, snap Snapshot) (Snapshot, error) {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO document_state_snapshots (id, document_id, encoded_state, description, created_at, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		snap.ID, snap.DocumentID, snap.EncodedState, snap.Description, snap.CreatedAt, snap.CreatedBy,
	)
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *PgStore) GetSnapshot(ctx context.Context, id string) (Snapshot, error) {
	var snap Snapshot
	err := s.pool.QueryRow(ctx,
		`SELECT id, document_id, encoded_state, description, created_at, created_by
		 FROM document_state_snapshots WHERE id = $1`, id,
	).Scan(&snap.ID, &snap.DocumentID, &snap.EncodedState, &snap.Description, &snap.CreatedAt, &snap.CreatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, errs.NotFound("getSnapshot", "", nil)
	}
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *PgStore) ListSnapshots(ctx context.Context, docID string) ([]Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, encoded_state, description, created_at, created_by
		 FROM document_state_snapshots WHERE document_id = $1 ORDER BY created_at DESC`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.ID, &snap.DocumentID, &snap.EncodedState, &snap.Description, &snap.CreatedAt, &snap.CreatedBy); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

const versionColumns = `id, document_id, version_number, author_id, author_name, content, content_hash, kind, note, restored_from, created_at`

func scanVersion(row pgx.Row) (VersionRecord, error) {
	var rec VersionRecord
	var kind string
	err := row.Scan(&rec.ID, &rec.DocumentID, &rec.VersionNumber, &rec.AuthorID, &rec.AuthorName,
		&rec.Content, &rec.ContentHash, &kind, &rec.Note, &rec.RestoredFrom, &rec.CreatedAt)
	rec.Kind = VersionKind(kind)
	return rec, err
}

func (s *PgStore) AppendVersion(ctx context.Context, v NewVersion) (VersionRecord, error) {
	return appendWithRetry(ctx, v.DocumentID, func() (VersionRecord, error) {
		rec := VersionRecord{
			ID:           uuid.NewString(),
			DocumentID:   v.DocumentID,
			AuthorID:     v.AuthorID,
			AuthorName:   v.AuthorName,
			Content:      v.Content,
			ContentHash:  v.ContentHash,
			Kind:         v.Kind,
			Note:         v.Note,
			RestoredFrom: v.RestoredFrom,
			CreatedAt:    time.Now(),
		}
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if err := tx.QueryRow(ctx,
				`SELECT COALESCE(MAX(version_number), 0) + 1 FROM document_versions WHERE document_id = $1`,
				v.DocumentID,
			).Scan(&rec.VersionNumber); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO document_versions (`+versionColumns+`)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				rec.ID, rec.DocumentID, rec.VersionNumber, rec.AuthorID, rec.AuthorName,
				rec.Content, rec.ContentHash, string(rec.Kind), rec.Note, rec.RestoredFrom, rec.CreatedAt,
			)
			return err
		})
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return VersionRecord{}, errs.ErrDuplicateVersion
			}
			return VersionRecord{}, err
		}
		return rec, nil
	})
}

func (s *PgStore) ListVersions(ctx context.Context, docID string) ([]VersionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM document_versions WHERE document_id = $1 ORDER BY version_number DESC`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []VersionRecord
	for rows.Next() {
		rec, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PgStore) GetVersion(ctx context.Context, docID string, number int64) (VersionRecord, error) {
	rec, err := scanVersion(s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM document_versions WHERE document_id = $1 AND version_number = $2`, docID, number))
	if errors.Is(err, pgx.ErrNoRows) {
		return VersionRecord{}, errs.NotFound("getVersion", docID, nil)
	}
	return rec, err
}

func (s *PgStore) LatestVersion(ctx context.Context, docID string) (VersionRecord, bool, error) {
	rec, err := scanVersion(s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM document_versions WHERE document_id = $1 ORDER BY version_number DESC LIMIT 1`, docID))
	if errors.Is(err, pgx.ErrNoRows) {
		return VersionRecord{}, false, nil
	}
	if err != nil {
		return VersionRecord{}, false, err
	}
	return rec, true, nil
}

func (s *PgStore) GetMaxVersion(ctx context.Context, docID string) (int64, error) {
	var max int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version_number), 0) FROM document_versions WHERE document_id = $1`, docID).Scan(&max)
	return max, err
}
