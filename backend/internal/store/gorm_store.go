package store

import (
	"context"
	"errors"
	"time"

	mysqlerr "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"docsync/backend/internal/errs"
)

type latestStateRow struct {
	Kind                string `gorm:"primaryKey;size:32"`
	DocumentID          string `gorm:"primaryKey;size:64"`
	EncodedState        []byte `gorm:"type:longblob"`
	MaterializedContent string `gorm:"type:longtext"`
	Version             int64
	UpdatedAt           time.Time
}

func (latestStateRow) TableName() string { return "document_latest_state" }

type snapshotRow struct {
	ID           string `gorm:"primaryKey;size:36"`
	DocumentID   string `gorm:"size:64;index"`
	EncodedState []byte `gorm:"type:longblob"`
	Description  string `gorm:"size:512"`
	CreatedAt    time.Time
	CreatedBy    string `gorm:"size:64"`
}

func (snapshotRow) TableName() string { return "document_state_snapshots" }

type versionRow struct {
	ID            string `gorm:"primaryKey;size:36"`
	DocumentID    string `gorm:"size:64;uniqueIndex:uk_doc_version,priority:1"`
	VersionNumber int64  `gorm:"uniqueIndex:uk_doc_version,priority:2"`
	AuthorID      string `gorm:"size:64"`
	AuthorName    string `gorm:"size:128"`
	Content       string `gorm:"type:longtext"`
	ContentHash   string `gorm:"size:32"`
	Kind          string `gorm:"size:16"`
	Note          string `gorm:"size:512"`
	RestoredFrom  *int64
	CreatedAt     time.Time
}

func (versionRow) TableName() string { return "document_versions" }

// OpenMySQL 打开 gorm 连接。开启 TranslateError 后唯一约束冲突会翻译成 gorm.ErrDuplicatedKey。
func OpenMySQL(dsn string) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
}

// GormStore MySQL 实现
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&latestStateRow{}, &snapshotRow{}, &versionRow{})
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlerr.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

func (s *GormStore) GetLatestState(ctx context.Context, kind, docID string) (LatestState, error) {
	var row latestStateRow
	err := s.db.WithContext(ctx).Where("kind = ? AND document_id = ?", kind, docID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LatestState{}, errs.NotFound("getLatestState", docID, nil)
	}
	if err != nil {
		return LatestState{}, err
	}
	return LatestState{
		Kind:                row.Kind,
		DocumentID:          row.DocumentID,
		EncodedState:        row.EncodedState,
		MaterializedContent: row.MaterializedContent,
		Version:             row.Version,
		UpdatedAt:           row.UpdatedAt,
	}, nil
}

func (s *GormStore) PutLatestState(ctx context.Context, st LatestState) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	row := latestStateRow{
		Kind:                st.Kind,
		DocumentID:          st.DocumentID,
		EncodedState:        st.EncodedState,
		MaterializedContent: st.MaterializedContent,
		Version:             1,
		UpdatedAt:           st.UpdatedAt,
	}
	// 存在则覆盖，行版本 +1
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "kind"}, {Name: "document_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"encoded_state":        st.EncodedState,
			"materialized_content": st.MaterializedContent,
			"version":              gorm.Expr("version + 1"),
			"updated_at":           st.UpdatedAt,
		}),
	}).Create(&row).Error
}

func (s *GormStore) CreateSnapshot(ctx context.Context, snap Snapshot) (Snapshot, error) {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	row := snapshotRow{
		ID:           snap.ID,
		DocumentID:   snap.DocumentID,
		EncodedState: snap.EncodedState,
		Description:  snap.Description,
		CreatedAt:    snap.CreatedAt,
		CreatedBy:    snap.CreatedBy,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (r snapshotRow) toSnapshot() Snapshot {
	return Snapshot{
		ID:           r.ID,
		DocumentID:   r.DocumentID,
		EncodedState: r.EncodedState,
		Description:  r.Description,
		CreatedAt:    r.CreatedAt,
		CreatedBy:    r.CreatedBy,
	}
}

func (s *GormStore) GetSnapshot(ctx context.Context, id string) (Snapshot, error) {
	var row snapshotRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, errs.NotFound("getSnapshot", "", nil)
	}
	if err != nil {
		return Snapshot{}, err
	}
	return row.toSnapshot(), nil
}

func (s *GormStore) ListSnapshots(ctx context.Context, docID string) ([]Snapshot, error) {
	var rows []snapshotRow
	if err := s.db.WithContext(ctx).Where("document_id = ?", docID).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toSnapshot())
	}
	return out, nil
}

func (r versionRow) toRecord() VersionRecord {
	return VersionRecord{
		ID:            r.ID,
		DocumentID:    r.DocumentID,
		VersionNumber: r.VersionNumber,
		AuthorID:      r.AuthorID,
		AuthorName:    r.AuthorName,
		Content:       r.Content,
		ContentHash:   r.ContentHash,
		Kind:          VersionKind(r.Kind),
		Note:          r.Note,
		RestoredFrom:  r.RestoredFrom,
		CreatedAt:     r.CreatedAt,
	}
}

func (s *GormStore) AppendVersion(ctx context.Context, v NewVersion) (VersionRecord, error) {
	return appendWithRetry(ctx, v.DocumentID, func() (VersionRecord, error) {
		var row versionRow
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var max int64
			if err := tx.Model(&versionRow{}).
				Where("document_id = ?", v.DocumentID).
				Select("COALESCE(MAX(version_number), 0)").
				Scan(&max).Error; err != nil {
				return err
			}
			row = versionRow{
				ID:            uuid.NewString(),
				DocumentID:    v.DocumentID,
				VersionNumber: max + 1,
				AuthorID:      v.AuthorID,
				AuthorName:    v.AuthorName,
				Content:       v.Content,
				ContentHash:   v.ContentHash,
				Kind:          string(v.Kind),
				Note:          v.Note,
				RestoredFrom:  v.RestoredFrom,
				CreatedAt:     time.Now(),
			}
			return tx.Create(&row).Error
		})
		if err != nil {
			if isDuplicateKey(err) {
				return VersionRecord{}, errs.ErrDuplicateVersion
			}
			return VersionRecord{}, err
		}
		return row.toRecord(), nil
	})
}

func (s *GormStore) ListVersions(ctx context.Context, docID string) ([]VersionRecord, error) {
	var rows []versionRow
	if err := s.db.WithContext(ctx).Where("document_id = ?", docID).Order("version_number DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]VersionRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord())
	}
	return out, nil
}

func (s *GormStore) GetVersion(ctx context.Context, docID string, number int64) (VersionRecord, error) {
	var row versionRow
	err := s.db.WithContext(ctx).Where("document_id = ? AND version_number = ?", docID, number).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return VersionRecord{}, errs.NotFound("getVersion", docID, nil)
	}
	if err != nil {
		return VersionRecord{}, err
	}
	return row.toRecord(), nil
}

func (s *GormStore) LatestVersion(ctx context.Context, docID string) (VersionRecord, bool, error) {
	var row versionRow
	err := s.db.WithContext(ctx).Where("document_id = ?", docID).Order("version_number DESC").Limit(1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return VersionRecord{}, false, nil
	}
	if err != nil {
		return VersionRecord{}, false, err
	}
	return row.toRecord(), true, nil
}

func (s *GormStore) GetMaxVersion(ctx context.Context, docID string) (int64, error) {
	var max int64
	err := s.db.WithContext(ctx).Model(&versionRow{}).
		Where("document_id = ?", docID).
		Select("COALESCE(MAX(version_number), 0)").
		Scan(&max).Error
	return max, err
}
