package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"paper-ingest/ledger"
	"paper-ingest/models"
	"paper-ingest/problem"
	"paper-ingest/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// eine Verbindung, sonst sieht jede Verbindung ihre eigene :memory:-DB
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, ledger.Migrate(db))
	return db
}

func work(doi, workType string, fileTypes ...string) ledger.WorkRecord {
	rec := ledger.WorkRecord{DOI: doi, WorkType: workType}
	for _, ft := range fileTypes {
		rec.Files = append(rec.Files, ledger.FileRecord{
			FileType: ft,
			Entry:    ft + ".bin",
			Pointer:  storage.VersionPointer{Key: doi + "/" + ft, Version: "v-" + ft, Checksum: "c-" + ft, Size: 3},
		})
	}
	return rec
}

func commitRequest(ingestion, doi string, rev int, assets ...string) ledger.CommitRequest {
	req := ledger.CommitRequest{
		IngestionID:    ingestion,
		DOI:            doi,
		RevisionNumber: rev,
		Article:        work(doi, models.WorkTypeArticle, "manuscript", "PDF"),
	}
	for _, a := range assets {
		req.Assets = append(req.Assets, work(a, models.WorkTypeAsset, "original", "thumbnail"))
	}
	return req
}

func TestCommitCreatesRevision(t *testing.T) {
	db := setupDB(t)
	l := ledger.New(db, zap.NewNop())
	ctx := context.Background()

	res, err := l.Commit(ctx, commitRequest("ing-1", "10.x/example", 1, "10.x/example.g001"))
	require.NoError(t, err)
	assert.False(t, res.Replaced())
	require.Len(t, res.AssetWorkIDs, 1)

	view, err := l.Revision(ctx, "10.x/example", 1)
	require.NoError(t, err)
	assert.Equal(t, res.ArticleWorkID, view.Article.ID)
	assert.Equal(t, models.StateIngested, view.State)
	require.Len(t, view.Assets, 1)
	assert.Equal(t, "10.x/example.g001", view.Assets[0].DOI)
	assert.ElementsMatch(t, []uint{res.ArticleWorkID, res.AssetWorkIDs[0]}, view.WorkIDs())

	require.Len(t, view.Article.Files, 2)
	assert.Equal(t, "PDF", view.Article.Files[0].FileType)
	assert.Equal(t, "10.x/example/PDF", view.Article.Files[0].StoreKey)
	assert.Equal(t, "v-PDF", view.Article.Files[0].StoreVersion)

	var rel models.WorkRelation
	require.NoError(t, db.Where("origin_work_id = ?", res.ArticleWorkID).First(&rel).Error)
	assert.Equal(t, res.AssetWorkIDs[0], rel.TargetWorkID)
	assert.Equal(t, models.RelationAssetOf, rel.RelationType)
}

func TestCommitReplacesRevision(t *testing.T) {
	db := setupDB(t)
	l := ledger.New(db, zap.NewNop())
	ctx := context.Background()

	first, err := l.Commit(ctx, commitRequest("ing-1", "10.x/example", 1, "10.x/example.g001", "10.x/example.g002"))
	require.NoError(t, err)
	other, err := l.Commit(ctx, commitRequest("ing-2", "10.x/example", 2, "10.x/example.g001"))
	require.NoError(t, err)

	second, err := l.Commit(ctx, commitRequest("ing-3", "10.x/example", 1, "10.x/example.g001"))
	require.NoError(t, err)
	assert.True(t, second.Replaced())
	assert.ElementsMatch(t, append([]uint{first.ArticleWorkID}, first.AssetWorkIDs...), second.ReplacedWorkIDs)

	view, err := l.Revision(ctx, "10.x/example", 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, append([]uint{second.ArticleWorkID}, second.AssetWorkIDs...), view.WorkIDs())

	// Revision 2 bleibt unberührt
	view2, err := l.Revision(ctx, "10.x/example", 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, append([]uint{other.ArticleWorkID}, other.AssetWorkIDs...), view2.WorkIDs())

	var count int64
	require.NoError(t, db.Model(&models.ArticleRevision{}).Where("revision_number = ?", 1).Count(&count).Error)
	assert.Equal(t, int64(2), count, "only the second ingestion's rows remain for revision 1")

	revs, err := l.Revisions(ctx, "10.x/example")
	require.NoError(t, err)
	require.Len(t, revs, 2)
	assert.Equal(t, 1, revs[0].RevisionNumber)
	assert.Equal(t, 2, revs[1].RevisionNumber)
}

func TestCommitRollsBackOnFailure(t *testing.T) {
	db := setupDB(t)
	l := ledger.New(db, zap.NewNop())
	ctx := context.Background()

	_, err := l.Commit(ctx, commitRequest("ing-1", "10.x/example", 1))
	require.NoError(t, err)

	// doppelter Dateityp verletzt den Unique-Index und bricht die Transaktion ab
	bad := commitRequest("ing-2", "10.x/example", 1, "10.x/example.g001")
	bad.Assets[0].Files = append(bad.Assets[0].Files, bad.Assets[0].Files[0])
	_, err = l.Commit(ctx, bad)
	require.Error(t, err)

	var works int64
	require.NoError(t, db.Model(&models.ScholarlyWork{}).Where("ingestion_id = ?", "ing-2").Count(&works).Error)
	assert.Zero(t, works)

	view, err := l.Revision(ctx, "10.x/example", 1)
	require.NoError(t, err)
	assert.Len(t, view.WorkIDs(), 1, "previous revision must survive a failed replace")
}

func TestConcurrentCommitsSameRevision(t *testing.T) {
	db := setupDB(t)
	l := ledger.New(db, zap.NewNop())
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*ledger.CommitResult, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := l.Commit(ctx, commitRequest(fmt.Sprintf("ing-%d", i), "10.x/example", 1, "10.x/example.g001"))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	view, err := l.Revision(ctx, "10.x/example", 1)
	require.NoError(t, err)
	require.Len(t, view.WorkIDs(), 2, "exactly one ingestion's rows, never a union")

	var winner *ledger.CommitResult
	for _, r := range results {
		if r != nil && r.ArticleWorkID == view.Article.ID {
			winner = r
		}
	}
	require.NotNil(t, winner)
	assert.ElementsMatch(t, append([]uint{winner.ArticleWorkID}, winner.AssetWorkIDs...), view.WorkIDs())
}

func TestRevisionNotFound(t *testing.T) {
	l := ledger.New(setupDB(t), zap.NewNop())

	_, err := l.Revision(context.Background(), "10.x/missing", 1)
	assert.ErrorIs(t, err, ledger.ErrRevisionNotFound)
	assert.True(t, problem.IsNotFound(err))
}

func TestCommitRejectsAssetOfAnotherArticle(t *testing.T) {
	db := setupDB(t)
	l := ledger.New(db, zap.NewNop())
	ctx := context.Background()

	_, err := l.Commit(ctx, commitRequest("ing-1", "10.x/one", 1, "10.x/shared.g001"))
	require.NoError(t, err)

	err = l.CheckAssets(ctx, "10.x/two", []string{"10.x/shared.g001"})
	var owned *ledger.AssetOwnershipError
	require.ErrorAs(t, err, &owned)
	assert.Equal(t, "10.x/shared.g001", owned.AssetDOI)
	assert.Equal(t, "10.x/one", owned.OwnerDOI)
	assert.True(t, problem.IsClientInput(err))

	_, err = l.Commit(ctx, commitRequest("ing-2", "10.x/two", 1, "10.x/shared.g001"))
	require.ErrorAs(t, err, &owned)

	_, err = l.Revision(ctx, "10.x/two", 1)
	assert.ErrorIs(t, err, ledger.ErrRevisionNotFound)
	var rows int64
	require.NoError(t, db.Model(&models.ArticleRevision{}).Where("doi = ?", "10.x/shared.g001").Count(&rows).Error)
	assert.Equal(t, int64(1), rows)

	// dieselbe Asset-DOI in einer neuen Revision desselben Artikels ist erlaubt
	require.NoError(t, l.CheckAssets(ctx, "10.x/one", []string{"10.x/shared.g001"}))
	_, err = l.Commit(ctx, commitRequest("ing-3", "10.x/one", 2, "10.x/shared.g001"))
	require.NoError(t, err)
}

func TestSetStatePublishReplacesPreviouslyPublished(t *testing.T) {
	l := ledger.New(setupDB(t), zap.NewNop())
	ctx := context.Background()

	_, err := l.Commit(ctx, commitRequest("ing-1", "10.x/example", 1, "10.x/example.g001"))
	require.NoError(t, err)
	_, err = l.Commit(ctx, commitRequest("ing-2", "10.x/example", 2))
	require.NoError(t, err)

	require.NoError(t, l.SetState(ctx, "10.x/example", 1, models.StatePublished))
	require.NoError(t, l.SetState(ctx, "10.x/example", 2, models.StatePublished))

	v1, err := l.Revision(ctx, "10.x/example", 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateReplaced, v1.State)
	for _, row := range v1.Rows {
		assert.Equal(t, models.StateReplaced, row.State)
	}
	v2, err := l.Revision(ctx, "10.x/example", 2)
	require.NoError(t, err)
	assert.Equal(t, models.StatePublished, v2.State)

	err = l.SetState(ctx, "10.x/example", 9, models.StateDisabled)
	assert.ErrorIs(t, err, ledger.ErrRevisionNotFound)
}

func TestFilesAndRecordIngestion(t *testing.T) {
	db := setupDB(t)
	l := ledger.New(db, zap.NewNop())
	ctx := context.Background()

	res, err := l.Commit(ctx, commitRequest("ing-1", "10.x/example", 1))
	require.NoError(t, err)
	files, err := l.Files(ctx, res.ArticleWorkID)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "manuscript", files[1].FileType)

	rev := 1
	ing := &models.Ingestion{ID: "ing-1", ArchiveName: "a.zip", State: "RECEIVED"}
	require.NoError(t, l.RecordIngestion(ctx, ing))
	ing.State = "REVISION_COMMITTED"
	ing.RevisionNumber = &rev
	require.NoError(t, l.RecordIngestion(ctx, ing))

	var got models.Ingestion
	require.NoError(t, db.First(&got, "id = ?", "ing-1").Error)
	assert.Equal(t, "REVISION_COMMITTED", got.State)
	require.NotNil(t, got.RevisionNumber)
	assert.Equal(t, 1, *got.RevisionNumber)
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	l := ledger.New(setupDB(t), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Commit(ctx, commitRequest("ing-1", "10.x/example", 1))
	require.Error(t, err)
}
