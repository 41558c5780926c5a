package ledger

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"paper-ingest/models"
	"paper-ingest/problem"
	"paper-ingest/storage"
)

var ErrRevisionNotFound = fmt.Errorf("revision %w", problem.ErrNotFound)

// AssetOwnershipError: Die Asset-DOI gehört schon zu einem anderen Artikel.
type AssetOwnershipError struct {
	AssetDOI string
	OwnerDOI string
}

func (e *AssetOwnershipError) Error() string {
	return fmt.Sprintf("Asset DOI already belongs to another parent article: %s (parent %s)", e.AssetDOI, e.OwnerDOI)
}

func (e *AssetOwnershipError) Unwrap() error { return problem.ErrClientInput }

// FileRecord ist eine geschriebene Datei eines Works.
type FileRecord struct {
	FileType string
	Entry    string
	Pointer  storage.VersionPointer
}

type WorkRecord struct {
	DOI      string
	WorkType string
	Metadata datatypes.JSON
	Files    []FileRecord
}

// CommitRequest beschreibt eine vollständige Revision, deren Blobs bereits
// im Content-Store liegen.
type CommitRequest struct {
	IngestionID    string
	DOI            string
	RevisionNumber int
	Article        WorkRecord
	Assets         []WorkRecord

	// OnIndexed läuft in der Transaktion, nachdem Works, Dateien und
	// Relationen geschrieben sind und bevor die Revision ersetzt wird.
	OnIndexed func()
}

type CommitResult struct {
	ArticleWorkID   uint
	AssetWorkIDs    []uint
	ReplacedWorkIDs []uint
}

// Replaced meldet, ob eine bestehende Revision ersetzt wurde.
func (r *CommitResult) Replaced() bool { return len(r.ReplacedWorkIDs) > 0 }

// RevisionView ist der aktuelle Stand einer Revision.
type RevisionView struct {
	DOI            string                   `json:"doi"`
	RevisionNumber int                      `json:"revision_number"`
	State          models.PublicationState  `json:"state"`
	Article        models.ScholarlyWork     `json:"article"`
	Assets         []models.ScholarlyWork   `json:"assets"`
	Rows           []models.ArticleRevision `json:"-"`
}

// WorkIDs liefert alle Work-IDs der Revision, sortiert.
func (v *RevisionView) WorkIDs() []uint {
	ids := make([]uint, 0, len(v.Rows))
	for _, r := range v.Rows {
		ids = append(ids, r.WorkID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Ledger ist die relationale Buchführung über Works, Dateien und Revisionen.
type Ledger interface {
	CheckAssets(ctx context.Context, articleDOI string, assetDOIs []string) error
	Commit(ctx context.Context, req CommitRequest) (*CommitResult, error)
	Revision(ctx context.Context, doi string, revision int) (*RevisionView, error)
	Revisions(ctx context.Context, doi string) ([]models.ArticleRevision, error)
	Files(ctx context.Context, workID uint) ([]models.WorkFile, error)
	SetState(ctx context.Context, doi string, revision int, state models.PublicationState) error
	RecordIngestion(ctx context.Context, ing *models.Ingestion) error
}

type gormLedger struct {
	db     *gorm.DB
	locks  *keyedMutex
	logger *zap.Logger
}

func New(db *gorm.DB, logger *zap.Logger) Ledger {
	return &gormLedger{db: db, locks: newKeyedMutex(), logger: logger}
}

// Connect öffnet die PostgreSQL-Datenbank und migriert das Schema.
func Connect(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.ScholarlyWork{},
		&models.WorkFile{},
		&models.WorkRelation{},
		&models.ArticleRevision{},
		&models.Ingestion{},
	); err != nil {
		return fmt.Errorf("failed to migrate ledger: %w", err)
	}
	return nil
}

func revisionKey(doi string, revision int) string {
	return fmt.Sprintf("%s#%d", doi, revision)
}

// Commit schreibt Works, Dateien und Relationen und ersetzt die Revision
// atomar. Commits für dieselbe (DOI, Revision) laufen nacheinander.
func (l *gormLedger) Commit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	key := revisionKey(req.DOI, req.RevisionNumber)
	unlock, err := l.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res := &CommitResult{}
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := advisoryLock(tx, key); err != nil {
			return err
		}
		assetDOIs := make([]string, 0, len(req.Assets))
		for _, a := range req.Assets {
			assetDOIs = append(assetDOIs, a.DOI)
		}
		if err := checkAssetOwners(tx, req.DOI, assetDOIs); err != nil {
			return err
		}

		articleID, err := insertWork(tx, req.IngestionID, req.Article)
		if err != nil {
			return err
		}
		res.ArticleWorkID = articleID

		for _, asset := range req.Assets {
			assetID, err := insertWork(tx, req.IngestionID, asset)
			if err != nil {
				return err
			}
			if err := insertRelation(tx, articleID, assetID, models.RelationAssetOf); err != nil {
				return err
			}
			res.AssetWorkIDs = append(res.AssetWorkIDs, assetID)
		}
		if req.OnIndexed != nil {
			req.OnIndexed()
		}

		prior, err := memberWorkIDs(tx, req.DOI, req.RevisionNumber)
		if err != nil {
			return err
		}
		if err := deleteRevision(tx, req.RevisionNumber, prior); err != nil {
			return err
		}
		res.ReplacedWorkIDs = prior

		rows := make([]models.ArticleRevision, 0, len(req.Assets)+1)
		rows = append(rows, models.ArticleRevision{DOI: req.DOI, RevisionNumber: req.RevisionNumber, WorkID: articleID, State: models.StateIngested})
		for i, asset := range req.Assets {
			rows = append(rows, models.ArticleRevision{DOI: asset.DOI, RevisionNumber: req.RevisionNumber, WorkID: res.AssetWorkIDs[i], State: models.StateIngested})
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("insert revision rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("Revision committed",
		zap.String("doi", req.DOI),
		zap.Int("revision", req.RevisionNumber),
		zap.Uint("article_work_id", res.ArticleWorkID),
		zap.Int("assets", len(res.AssetWorkIDs)),
		zap.Int("replaced_rows", len(res.ReplacedWorkIDs)))
	return res, nil
}

// CheckAssets prüft vorab, ob eine der Asset-DOIs bereits einem anderen
// Artikel gehört. Commit prüft dasselbe noch einmal in der Transaktion.
func (l *gormLedger) CheckAssets(ctx context.Context, articleDOI string, assetDOIs []string) error {
	return checkAssetOwners(l.db.WithContext(ctx), articleDOI, assetDOIs)
}

// checkAssetOwners sucht assetOf-Kanten von Artikeln mit anderer DOI, die
// noch Teil einer Revision sind, auf Works mit einer der Asset-DOIs.
func checkAssetOwners(tx *gorm.DB, articleDOI string, assetDOIs []string) error {
	if len(assetDOIs) == 0 {
		return nil
	}
	var owners []struct {
		AssetDOI string `gorm:"column:asset_doi"`
		OwnerDOI string `gorm:"column:owner_doi"`
	}
	err := tx.Table("work_relations").
		Select("target.doi AS asset_doi, origin.doi AS owner_doi").
		Joins("JOIN scholarly_works AS target ON target.id = work_relations.target_work_id").
		Joins("JOIN scholarly_works AS origin ON origin.id = work_relations.origin_work_id").
		Joins("JOIN article_revisions ON article_revisions.work_id = origin.id").
		Where("work_relations.relation_type = ? AND target.doi IN ? AND origin.doi <> ?",
			models.RelationAssetOf, assetDOIs, articleDOI).
		Order("target.doi").
		Limit(1).
		Scan(&owners).Error
	if err != nil {
		return fmt.Errorf("query asset owners: %w", err)
	}
	if len(owners) > 0 {
		return &AssetOwnershipError{AssetDOI: owners[0].AssetDOI, OwnerDOI: owners[0].OwnerDOI}
	}
	return nil
}

func advisoryLock(tx *gorm.DB, key string) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", key).Error; err != nil {
		return fmt.Errorf("advisory lock %s: %w", key, err)
	}
	return nil
}

func insertWork(tx *gorm.DB, ingestionID string, rec WorkRecord) (uint, error) {
	work := models.ScholarlyWork{
		DOI:         rec.DOI,
		WorkType:    rec.WorkType,
		IngestionID: ingestionID,
		Metadata:    rec.Metadata,
	}
	if err := tx.Create(&work).Error; err != nil {
		return 0, fmt.Errorf("insert work %s: %w", rec.DOI, err)
	}
	if len(rec.Files) == 0 {
		return work.ID, nil
	}
	files := make([]models.WorkFile, 0, len(rec.Files))
	for _, f := range rec.Files {
		files = append(files, models.WorkFile{
			WorkID:       work.ID,
			FileType:     f.FileType,
			StoreKey:     f.Pointer.Key,
			StoreVersion: f.Pointer.Version,
			Checksum:     f.Pointer.Checksum,
			Size:         f.Pointer.Size,
			ContentType:  f.Pointer.ContentType,
			Entry:        f.Entry,
		})
	}
	if err := tx.Create(&files).Error; err != nil {
		return 0, fmt.Errorf("insert files of work %s: %w", rec.DOI, err)
	}
	return work.ID, nil
}

func insertRelation(tx *gorm.DB, origin, target uint, relationType string) error {
	rel := models.WorkRelation{OriginWorkID: origin, TargetWorkID: target, RelationType: relationType}
	if err := tx.Create(&rel).Error; err != nil {
		return fmt.Errorf("insert relation %d -> %d: %w", origin, target, err)
	}
	return nil
}

// articleWorkIDs liefert die Artikel-Works, die aktuell Teil der Revision sind.
func articleWorkIDs(tx *gorm.DB, doi string, revision int) ([]uint, error) {
	var ids []uint
	err := tx.Model(&models.ArticleRevision{}).
		Joins("JOIN scholarly_works ON scholarly_works.id = article_revisions.work_id").
		Where("article_revisions.doi = ? AND article_revisions.revision_number = ? AND scholarly_works.work_type = ?",
			doi, revision, models.WorkTypeArticle).
		Order("article_revisions.work_id").
		Pluck("article_revisions.work_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("query article rows %s: %w", revisionKey(doi, revision), err)
	}
	return ids, nil
}

func assetWorkIDs(tx *gorm.DB, articleIDs []uint) ([]uint, error) {
	if len(articleIDs) == 0 {
		return nil, nil
	}
	var ids []uint
	err := tx.Model(&models.WorkRelation{}).
		Where("origin_work_id IN ? AND relation_type = ?", articleIDs, models.RelationAssetOf).
		Order("target_work_id").
		Pluck("target_work_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("query asset relations: %w", err)
	}
	return ids, nil
}

// memberWorkIDs: Artikel-Zeilen plus, über assetOf, deren Asset-Zeilen.
func memberWorkIDs(tx *gorm.DB, doi string, revision int) ([]uint, error) {
	articles, err := articleWorkIDs(tx, doi, revision)
	if err != nil {
		return nil, err
	}
	assets, err := assetWorkIDs(tx, articles)
	if err != nil {
		return nil, err
	}
	return append(articles, assets...), nil
}

func deleteRevision(tx *gorm.DB, revision int, workIDs []uint) error {
	if len(workIDs) == 0 {
		return nil
	}
	err := tx.Where("revision_number = ? AND work_id IN ?", revision, workIDs).
		Delete(&models.ArticleRevision{}).Error
	if err != nil {
		return fmt.Errorf("delete revision rows: %w", err)
	}
	return nil
}

func (l *gormLedger) Revision(ctx context.Context, doi string, revision int) (*RevisionView, error) {
	db := l.db.WithContext(ctx)
	ids, err := memberWorkIDs(db, doi, revision)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRevisionNotFound, revisionKey(doi, revision))
	}

	var rows []models.ArticleRevision
	if err := db.Where("revision_number = ? AND work_id IN ?", revision, ids).Order("work_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load revision rows: %w", err)
	}
	var works []models.ScholarlyWork
	if err := db.Preload("Files", func(q *gorm.DB) *gorm.DB { return q.Order("file_type") }).
		Where("id IN ?", ids).Order("id").Find(&works).Error; err != nil {
		return nil, fmt.Errorf("load works: %w", err)
	}

	view := &RevisionView{DOI: doi, RevisionNumber: revision, Rows: rows}
	for _, w := range works {
		if w.WorkType == models.WorkTypeArticle {
			view.Article = w
		} else {
			view.Assets = append(view.Assets, w)
		}
	}
	for _, r := range rows {
		if r.WorkID == view.Article.ID {
			view.State = r.State
		}
	}
	return view, nil
}

func (l *gormLedger) Revisions(ctx context.Context, doi string) ([]models.ArticleRevision, error) {
	var rows []models.ArticleRevision
	err := l.db.WithContext(ctx).
		Joins("JOIN scholarly_works ON scholarly_works.id = article_revisions.work_id").
		Where("article_revisions.doi = ? AND scholarly_works.work_type = ?", doi, models.WorkTypeArticle).
		Order("article_revisions.revision_number").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list revisions %s: %w", doi, err)
	}
	return rows, nil
}

func (l *gormLedger) Files(ctx context.Context, workID uint) ([]models.WorkFile, error) {
	var files []models.WorkFile
	if err := l.db.WithContext(ctx).Where("work_id = ?", workID).Order("file_type").Find(&files).Error; err != nil {
		return nil, fmt.Errorf("list files of work %d: %w", workID, err)
	}
	return files, nil
}

// SetState setzt den Status aller Zeilen einer Revision. Beim Veröffentlichen
// werden bisher veröffentlichte Revisionen desselben DOI auf "replaced" gesetzt.
func (l *gormLedger) SetState(ctx context.Context, doi string, revision int, state models.PublicationState) error {
	unlock, err := l.locks.Lock(ctx, revisionKey(doi, revision))
	if err != nil {
		return err
	}
	defer unlock()

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := advisoryLock(tx, revisionKey(doi, revision)); err != nil {
			return err
		}
		ids, err := memberWorkIDs(tx, doi, revision)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return fmt.Errorf("%w: %s", ErrRevisionNotFound, revisionKey(doi, revision))
		}

		if state == models.StatePublished {
			var published []models.ArticleRevision
			err := tx.Joins("JOIN scholarly_works ON scholarly_works.id = article_revisions.work_id").
				Where("article_revisions.doi = ? AND article_revisions.revision_number <> ? AND article_revisions.state = ? AND scholarly_works.work_type = ?",
					doi, revision, models.StatePublished, models.WorkTypeArticle).
				Find(&published).Error
			if err != nil {
				return fmt.Errorf("query published revisions: %w", err)
			}
			for _, p := range published {
				others, err := memberWorkIDs(tx, doi, p.RevisionNumber)
				if err != nil {
					return err
				}
				if err := updateState(tx, p.RevisionNumber, others, models.StateReplaced); err != nil {
					return err
				}
			}
		}
		return updateState(tx, revision, ids, state)
	})
}

func updateState(tx *gorm.DB, revision int, ids []uint, state models.PublicationState) error {
	err := tx.Model(&models.ArticleRevision{}).
		Where("revision_number = ? AND work_id IN ?", revision, ids).
		Update("state", state).Error
	if err != nil {
		return fmt.Errorf("update revision state: %w", err)
	}
	return nil
}

// RecordIngestion legt den Protokolleintrag an oder aktualisiert ihn.
func (l *gormLedger) RecordIngestion(ctx context.Context, ing *models.Ingestion) error {
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(ing).Error
	if err != nil {
		return fmt.Errorf("record ingestion %s: %w", ing.ID, err)
	}
	return nil
}
