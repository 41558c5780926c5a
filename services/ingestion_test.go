package services_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"paper-ingest/archive"
	"paper-ingest/ledger"
	"paper-ingest/models"
	"paper-ingest/problem"
	"paper-ingest/services"
	"paper-ingest/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const exampleDOI = "10.x/example"

func manuscriptXML(doi, title, version string) string {
	v := ""
	if version != "" {
		v = "<article-version>" + version + "</article-version>"
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<article article-type="research-article" xml:lang="en">
  <front>
    <article-meta>
      <article-id pub-id-type="doi">%s</article-id>
      <title-group><article-title>%s</article-title></title-group>
      <contrib-group>
        <contrib contrib-type="author"><name><surname>Doe</surname><given-names>Jane</given-names></name></contrib>
      </contrib-group>
      %s
    </article-meta>
  </front>
  <body>
    <fig id="g001">
      <object-id pub-id-type="doi">%s.g001</object-id>
      <label>Figure 1</label>
      <caption><p>Dose response.</p></caption>
    </fig>
  </body>
</article>`, doi, title, v, doi)
}

func manifestXML(uri, objects, ancillary string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<manifest>
  <articleBundle>
    <article uri="info:doi/%s">
      <representation type="manuscript" entry="article.xml" key="%s.xml" mimetype="application/xml"/>
      <representation type="PDF" entry="article.pdf" key="%s.pdf" mimetype="application/pdf"/>
    </article>
    %s
  </articleBundle>
  <ancillary>%s</ancillary>
</manifest>`, uri, uri, uri, objects, ancillary)
}

const figureObject = `<object type="figure" uri="info:doi/10.x/example.g001">
      <representation type="original" entry="g001.tif" key="10.x/example.g001.tif" mimetype="image/tiff"/>
      <representation type="thumbnail" entry="g001.png" key="10.x/example.g001.png" mimetype="image/png"/>
    </object>`

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// scenarioA: Manifest, Manuskript und PDF, nichts sonst.
func scenarioA(title string) map[string]string {
	return map[string]string{
		"manifest.xml": manifestXML(exampleDOI, "", ""),
		"article.xml":  manuscriptXML(exampleDOI, title, "1"),
		"article.pdf":  "%PDF-1.4 " + title,
	}
}

// spyStore zählt Put-Aufrufe und delegiert an einen FileStore.
type spyStore struct {
	inner storage.ContentStore
	mu    sync.Mutex
	puts  int
	fail  error
}

func (s *spyStore) Name() string { return "spy" }

func (s *spyStore) Put(ctx context.Context, obj storage.Object) (storage.VersionPointer, error) {
	s.mu.Lock()
	s.puts++
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		return storage.VersionPointer{}, fail
	}
	return s.inner.Put(ctx, obj)
}

func (s *spyStore) Get(ctx context.Context, ptr storage.VersionPointer) (io.ReadCloser, error) {
	return s.inner.Get(ctx, ptr)
}

func (s *spyStore) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

type fixture struct {
	svc    *services.IngestionService
	store  *spyStore
	ledger ledger.Ledger
	db     *gorm.DB
	spool  string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, ledger.Migrate(db))

	fs, err := storage.NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	store := &spyStore{inner: fs}
	l := ledger.New(db, zap.NewNop())
	spool := t.TempDir()

	return &fixture{
		svc: &services.IngestionService{
			Store:            store,
			Ledger:           l,
			Logger:           zap.NewNop(),
			SpoolRoot:        spool,
			AssetConcurrency: 2,
		},
		store:  store,
		ledger: l,
		db:     db,
		spool:  spool,
	}
}

func (f *fixture) ingest(t *testing.T, files map[string]string, revision *int) (*services.IngestionResult, error) {
	t.Helper()
	return f.svc.Ingest(context.Background(), services.IngestRequest{
		Name:     "upload.zip",
		Body:     bytes.NewReader(buildZip(t, files)),
		Revision: revision,
	})
}

func (f *fixture) assertSpoolClean(t *testing.T) {
	t.Helper()
	left, err := filepath.Glob(filepath.Join(f.spool, archive.SpoolPrefix+"*"))
	require.NoError(t, err)
	assert.Empty(t, left, "spool directory must be removed")
}

func (f *fixture) lastIngestion(t *testing.T) models.Ingestion {
	t.Helper()
	var ing models.Ingestion
	require.NoError(t, f.db.Order("created_at desc").First(&ing).Error)
	return ing
}

func TestIngestScenarioA(t *testing.T) {
	f := setup(t)

	res, err := f.ingest(t, scenarioA("First"), nil)
	require.NoError(t, err)

	assert.Equal(t, exampleDOI, res.DOI)
	assert.Equal(t, 1, res.RevisionNumber)
	assert.Equal(t, services.StateRevisionCommitted, res.State)
	assert.Empty(t, res.AssetWorkIDs)
	assert.False(t, res.Replaced)
	assert.Equal(t, "First", res.Metadata.Title)
	assert.Nil(t, res.Metadata.Authors)
	assert.Nil(t, res.Metadata.Assets)
	assert.Equal(t, 3, f.store.Puts())

	view, err := f.ledger.Revision(context.Background(), exampleDOI, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint{res.ArticleWorkID}, view.WorkIDs())
	require.Len(t, view.Article.Files, 3)
	assert.Equal(t, "PDF", view.Article.Files[0].FileType)
	assert.Equal(t, services.ManifestFileType, view.Article.Files[1].FileType)
	assert.Equal(t, services.ManifestKeyPrefix+exampleDOI, view.Article.Files[1].StoreKey)
	assert.Equal(t, "manifest.xml", view.Article.Files[1].Entry)
	assert.Equal(t, "manuscript", view.Article.Files[2].FileType)
	assert.Equal(t, exampleDOI+".xml", view.Article.Files[2].StoreKey)
	assert.Equal(t, "article.xml", view.Article.Files[2].Entry)

	ing := f.lastIngestion(t)
	assert.Equal(t, res.ID.String(), ing.ID)
	assert.Equal(t, "REVISION_COMMITTED", ing.State)
	assert.Equal(t, exampleDOI, ing.DOI)
	f.assertSpoolClean(t)
}

func TestIngestScenarioBMissingFile(t *testing.T) {
	f := setup(t)
	files := scenarioA("First")
	delete(files, "article.pdf")

	_, err := f.ingest(t, files, nil)
	require.Error(t, err)
	assert.True(t, problem.IsClientInput(err))
	assert.Equal(t, http.StatusBadRequest, problem.Status(err))
	assert.Contains(t, err.Error(), "Files in manifest not included in archive: [article.pdf]")
	assert.Zero(t, f.store.Puts(), "no blob may be written for an inconsistent archive")

	ing := f.lastIngestion(t)
	assert.Equal(t, "FAILED", ing.State)
	assert.Contains(t, ing.Error, "article.pdf")
	f.assertSpoolClean(t)
}

func TestIngestScenarioCUnrecognizedAssetType(t *testing.T) {
	f := setup(t)
	files := scenarioA("First")
	files["manifest.xml"] = manifestXML(exampleDOI, `<object type="fgure" uri="info:doi/10.x/example.g001">
      <representation type="original" entry="g001.tif" key="k" mimetype="image/tiff"/>
    </object>`, "")
	files["g001.tif"] = "TIFF"

	_, err := f.ingest(t, files, nil)
	var mde *problem.ManifestDataError
	require.True(t, errors.As(err, &mde), "got %v", err)
	assert.Equal(t, "Unrecognized asset type: fgure", mde.Error())
	assert.Equal(t, "fgure", mde.Value)
	assert.Zero(t, f.store.Puts())
}

func TestIngestScenarioDReplacesRevision(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.ingest(t, scenarioA("First"), nil)
	require.NoError(t, err)
	second, err := f.ingest(t, scenarioA("Second"), nil)
	require.NoError(t, err)

	assert.True(t, second.Replaced)
	assert.NotEqual(t, first.ArticleWorkID, second.ArticleWorkID)

	view, err := f.ledger.Revision(ctx, exampleDOI, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint{second.ArticleWorkID}, view.WorkIDs())
	var md map[string]any
	require.NoError(t, json.Unmarshal(view.Article.Metadata, &md))
	assert.Equal(t, "Second", md["title"])
}

func TestIngestWithAssetsAndAncillary(t *testing.T) {
	f := setup(t)
	files := scenarioA("First")
	files["manifest.xml"] = manifestXML(exampleDOI, figureObject+`
    <object type="supplementaryMaterial" uri="info:doi/10.x/example.s001"/>`,
		`<file entry="cover-letter.txt" key="10.x/example/cover-letter.txt" mimetype="text/plain"/>`)
	files["g001.tif"] = "TIFF"
	files["g001.png"] = "\x89PNG\r\n\x1a\n"
	files["cover-letter.txt"] = "Dear editor"

	res, err := f.ingest(t, files, nil)
	require.NoError(t, err)
	require.Len(t, res.AssetWorkIDs, 1, "objects without representations get no work")
	assert.Equal(t, 6, f.store.Puts())

	view, err := f.ledger.Revision(context.Background(), exampleDOI, 1)
	require.NoError(t, err)
	require.Len(t, view.Assets, 1)
	assert.Equal(t, "10.x/example.g001", view.Assets[0].DOI)
	assert.Len(t, view.Assets[0].Files, 2)

	var types []string
	for _, file := range view.Article.Files {
		types = append(types, file.FileType)
	}
	assert.Contains(t, types, services.AncillaryPrefix+"cover-letter.txt")

	var md map[string]any
	require.NoError(t, json.Unmarshal(view.Assets[0].Metadata, &md))
	assert.Equal(t, "figure", md["assetType"])
	assert.Equal(t, "Figure 1", md["title"])
}

func TestIngestDOIMismatch(t *testing.T) {
	f := setup(t)
	files := scenarioA("First")
	files["manifest.xml"] = manifestXML("10.x/other", "", "")

	_, err := f.ingest(t, files, nil)
	var mismatch *services.DOIMismatchError
	require.True(t, errors.As(err, &mismatch), "got %v", err)
	assert.True(t, problem.IsClientInput(err))
	assert.Equal(t, exampleDOI, mismatch.ManuscriptDOI)
	assert.Zero(t, f.store.Puts())
}

func TestIngestDOIComparisonIgnoresCase(t *testing.T) {
	f := setup(t)
	files := scenarioA("First")
	files["manifest.xml"] = manifestXML("10.X/EXAMPLE", "", "")

	_, err := f.ingest(t, files, nil)
	require.NoError(t, err)
}

func TestIngestRevisionResolution(t *testing.T) {
	t.Run("explicit wins over manuscript", func(t *testing.T) {
		f := setup(t)
		rev := 3
		res, err := f.ingest(t, scenarioA("First"), &rev)
		require.NoError(t, err)
		assert.Equal(t, 3, res.RevisionNumber)
	})

	t.Run("missing everywhere", func(t *testing.T) {
		f := setup(t)
		files := scenarioA("First")
		files["article.xml"] = manuscriptXML(exampleDOI, "First", "")
		_, err := f.ingest(t, files, nil)
		require.Error(t, err)
		assert.True(t, problem.IsClientInput(err))
		assert.Zero(t, f.store.Puts())
	})

	t.Run("non numeric marker", func(t *testing.T) {
		f := setup(t)
		files := scenarioA("First")
		files["article.xml"] = manuscriptXML(exampleDOI, "First", "v2-draft")
		_, err := f.ingest(t, files, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "v2-draft")
	})

	t.Run("non positive explicit", func(t *testing.T) {
		f := setup(t)
		rev := 0
		_, err := f.ingest(t, scenarioA("First"), &rev)
		assert.True(t, problem.IsClientInput(err))
	})
}

func TestIngestStoreFailureIsPersistenceError(t *testing.T) {
	f := setup(t)
	f.store.fail = errors.New("bucket unavailable")

	_, err := f.ingest(t, scenarioA("First"), nil)
	require.Error(t, err)
	assert.True(t, problem.IsPersistence(err))
	assert.Equal(t, http.StatusInternalServerError, problem.Status(err))

	_, err = f.ledger.Revision(context.Background(), exampleDOI, 1)
	assert.ErrorIs(t, err, ledger.ErrRevisionNotFound)
	f.assertSpoolClean(t)
}

func TestIngestCorruptZip(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Ingest(context.Background(), services.IngestRequest{
		Name: "broken.zip",
		Body: bytes.NewReader([]byte("definitely not a zip")),
	})
	require.Error(t, err)
	assert.True(t, problem.IsClientInput(err))
	f.assertSpoolClean(t)
}

func TestIngestCorruptEntryIsClientError(t *testing.T) {
	f := setup(t)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range scenarioA("First") {
		if name == "article.pdf" {
			continue
		}
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	pdf := []byte("%PDF-1.4 First")
	w, err := zw.CreateRaw(&zip.FileHeader{
		Name:               "article.pdf",
		Method:             zip.Store,
		CRC32:              0xdeadbeef,
		CompressedSize64:   uint64(len(pdf)),
		UncompressedSize64: uint64(len(pdf)),
	})
	require.NoError(t, err)
	_, err = w.Write(pdf)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = f.svc.Ingest(context.Background(), services.IngestRequest{Name: "crc.zip", Body: &buf})
	require.Error(t, err)
	assert.True(t, problem.IsClientInput(err), "got %v", err)
	assert.False(t, problem.IsPersistence(err))
	assert.Equal(t, http.StatusBadRequest, problem.Status(err))
	assert.ErrorIs(t, err, zip.ErrChecksum)
	assert.Zero(t, f.store.Puts(), "corrupt entries must be caught before any write")
	f.assertSpoolClean(t)
}

func TestIngestRejectsAssetOwnedByAnotherArticle(t *testing.T) {
	f := setup(t)
	files := scenarioA("First")
	files["manifest.xml"] = manifestXML(exampleDOI, figureObject, "")
	files["g001.tif"] = "TIFF"
	files["g001.png"] = "\x89PNG\r\n\x1a\n"
	_, err := f.ingest(t, files, nil)
	require.NoError(t, err)
	before := f.store.Puts()

	const otherDOI = "10.x/other"
	files["manifest.xml"] = manifestXML(otherDOI, figureObject, "")
	files["article.xml"] = manuscriptXML(otherDOI, "Other", "1")
	_, err = f.ingest(t, files, nil)

	var owned *ledger.AssetOwnershipError
	require.ErrorAs(t, err, &owned)
	assert.Equal(t, "10.x/example.g001", owned.AssetDOI)
	assert.Equal(t, exampleDOI, owned.OwnerDOI)
	assert.Equal(t, http.StatusBadRequest, problem.Status(err))
	assert.Equal(t, before, f.store.Puts())

	_, err = f.ledger.Revision(context.Background(), otherDOI, 1)
	assert.ErrorIs(t, err, ledger.ErrRevisionNotFound)
}

func TestIngestCancelled(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Ingest(ctx, services.IngestRequest{
		Name: "upload.zip",
		Body: bytes.NewReader(buildZip(t, scenarioA("First"))),
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.store.Puts())
	f.assertSpoolClean(t)

	ing := f.lastIngestion(t)
	assert.Equal(t, "FAILED", ing.State)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "RECEIVED", services.StateReceived.String())
	assert.Equal(t, "PERSISTED_INDEX", services.StatePersistedIndex.String())
	assert.Equal(t, "FAILED", services.StateFailed.String())
	assert.Equal(t, "State(42)", services.State(42).String())
}
