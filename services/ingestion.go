package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"gorm.io/datatypes"

	"paper-ingest/archive"
	"paper-ingest/config"
	"paper-ingest/ledger"
	"paper-ingest/manifest"
	"paper-ingest/manuscript"
	"paper-ingest/metrics"
	"paper-ingest/models"
	"paper-ingest/problem"
	"paper-ingest/storage"
)

// State ist der Fortschritt einer einzelnen Ingestion.
type State int

const (
	StateReceived State = iota
	StateArchiveOpened
	StateManifestValidated
	StateManuscriptParsed
	StatePackageBuilt
	StatePersistedBlobs
	StatePersistedIndex
	StateRevisionCommitted
	StateFailed
)

var stateNames = [...]string{
	StateReceived:          "RECEIVED",
	StateArchiveOpened:     "ARCHIVE_OPENED",
	StateManifestValidated: "MANIFEST_VALIDATED",
	StateManuscriptParsed:  "MANUSCRIPT_PARSED",
	StatePackageBuilt:      "PACKAGE_BUILT",
	StatePersistedBlobs:    "PERSISTED_BLOBS",
	StatePersistedIndex:    "PERSISTED_INDEX",
	StateRevisionCommitted: "REVISION_COMMITTED",
	StateFailed:            "FAILED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// IngestRequest ist ein eingereichtes Archiv. Entweder Body (wird gespoolt)
// oder Path (wird direkt gelesen) ist gesetzt.
type IngestRequest struct {
	Name     string
	Body     io.Reader
	Path     string
	Revision *int
}

type IngestionResult struct {
	ID             uuid.UUID                  `json:"ingestionId"`
	DOI            string                     `json:"doi"`
	RevisionNumber int                        `json:"revisionNumber"`
	ArticleWorkID  uint                       `json:"articleWorkId"`
	AssetWorkIDs   []uint                     `json:"assetWorkIds"`
	Replaced       bool                       `json:"replaced"`
	State          State                      `json:"state"`
	Metadata       manuscript.ArticleMetadata `json:"metadata"`
}

// IngestionService führt ein Archiv vom Upload bis zur committeten Revision.
type IngestionService struct {
	Store            storage.ContentStore
	Ledger           ledger.Ledger
	Logger           *zap.Logger
	SpoolRoot        string
	MaxArchiveSize   int64
	AssetConcurrency int
}

// NewIngestionService erstellt eine neue Instanz des IngestionService.
func NewIngestionService(cfg *config.Config, store storage.ContentStore, l ledger.Ledger, logger *zap.Logger) *IngestionService {
	return &IngestionService{
		Store:            store,
		Ledger:           l,
		Logger:           logger,
		SpoolRoot:        cfg.SpoolRoot(),
		MaxArchiveSize:   cfg.MaxArchiveSize,
		AssetConcurrency: cfg.AssetConcurrency,
	}
}

// run hält den Zustand einer laufenden Ingestion für Logging und Protokoll.
type run struct {
	id      uuid.UUID
	name    string
	state   State
	started time.Time
	log     *zap.Logger

	doi      string
	revision *int
	summary  map[string]any
}

func (r *run) advance(s State) {
	r.state = s
	r.log.Debug("Ingestion state changed", zap.Stringer("state", s))
}

// Ingest validiert das Archiv vollständig, schreibt dann die Blobs und
// committet zuletzt die Revision im Ledger. Validierungsfehler treten vor
// jedem Schreibzugriff auf.
func (s *IngestionService) Ingest(ctx context.Context, req IngestRequest) (res *IngestionResult, err error) {
	id := uuid.New()
	r := &run{
		id:      id,
		name:    req.Name,
		state:   StateReceived,
		started: time.Now(),
		log:     s.Logger.With(zap.String("ingestion_id", id.String()), zap.String("archive", req.Name)),
		summary: map[string]any{},
	}
	r.log.Info("Ingestion received")
	defer func() { s.finish(ctx, r, err) }()

	arc, err := s.openArchive(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := arc.Close(); cerr != nil {
			r.log.Warn("Failed to clean up archive", zap.Error(cerr))
		}
	}()
	r.summary["entries"] = len(arc.EntryNames())
	r.summary["archiveBytes"] = arc.Size()
	r.log.Info("Archive opened",
		zap.Int("entries", len(arc.EntryNames())),
		zap.String("size", humanize.Bytes(uint64(arc.Size()))))
	r.advance(StateArchiveOpened)

	m, err := readManifest(ctx, arc)
	if err != nil {
		return nil, err
	}
	r.advance(StateManifestValidated)

	meta, err := readManuscript(arc, m)
	if err != nil {
		return nil, err
	}
	r.doi = manuscript.NormalizeDOI(meta.DOI)
	r.log = r.log.With(zap.String("doi", r.doi))
	r.advance(StateManuscriptParsed)

	revision, err := resolveRevision(req.Revision, meta)
	if err != nil {
		return nil, err
	}
	r.revision = &revision

	pkg, err := BuildPackage(arc, m, meta)
	if err != nil {
		var mismatch *DOIMismatchError
		if errors.As(err, &mismatch) {
			r.log.Warn("Manifest URI does not match manuscript DOI",
				zap.String("manifest_uri", mismatch.ManifestURI),
				zap.String("manuscript_doi", mismatch.ManuscriptDOI))
		}
		return nil, err
	}
	assetDOIs := make([]string, 0, len(pkg.Assets))
	for _, a := range pkg.Assets {
		assetDOIs = append(assetDOIs, a.DOI)
	}
	if err := s.Ledger.CheckAssets(ctx, r.doi, assetDOIs); err != nil {
		if problem.IsClientInput(err) {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, problem.Persistence("check assets", err)
	}
	r.summary["assets"] = len(pkg.Assets)
	r.advance(StatePackageBuilt)

	article, assets, err := s.persistBlobs(ctx, pkg)
	if err != nil {
		return nil, err
	}
	r.advance(StatePersistedBlobs)

	commit, err := s.Ledger.Commit(ctx, ledger.CommitRequest{
		IngestionID:    id.String(),
		DOI:            r.doi,
		RevisionNumber: revision,
		Article:        article,
		Assets:         assets,
		OnIndexed:      func() { r.advance(StatePersistedIndex) },
	})
	if err != nil {
		if problem.IsClientInput(err) {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, problem.Persistence("commit revision", err)
	}
	if commit.Replaced() {
		metrics.RevisionsReplaced.Inc()
		r.summary["replacedWorkIds"] = commit.ReplacedWorkIDs
	}
	r.advance(StateRevisionCommitted)

	stub := *meta
	stub.Assets = nil
	stub.RelatedArticles = nil
	stub.Editors = nil
	stub.Authors = nil
	return &IngestionResult{
		ID:             id,
		DOI:            r.doi,
		RevisionNumber: revision,
		ArticleWorkID:  commit.ArticleWorkID,
		AssetWorkIDs:   commit.AssetWorkIDs,
		Replaced:       commit.Replaced(),
		State:          r.state,
		Metadata:       stub,
	}, nil
}

func (s *IngestionService) openArchive(ctx context.Context, req IngestRequest) (*archive.Archive, error) {
	if req.Path != "" {
		return archive.OpenFile(ctx, req.Path)
	}
	if req.Body == nil {
		return nil, problem.NewClientError("no archive given")
	}
	return archive.Open(ctx, req.Body,
		archive.WithSpoolRoot(s.SpoolRoot),
		archive.WithMaxSize(s.MaxArchiveSize))
}

// readManifest parst und prüft das Manifest und liest danach alle
// referenzierten Einträge einmal vollständig, damit beschädigte Einträge
// als Eingabefehler vor dem ersten Schreibzugriff auffallen.
func readManifest(ctx context.Context, arc *archive.Archive) (*manifest.Manifest, error) {
	entry, err := manifest.FindEntry(arc.EntryNames())
	if err != nil {
		return nil, err
	}
	rc, err := arc.OpenEntry(entry)
	if err != nil {
		return nil, problem.WrapClientError("Could not read manifest", err)
	}
	defer rc.Close()

	m, err := manifest.Parse(rc)
	if err != nil {
		return nil, err
	}
	m.Entry = entry
	if err := m.CheckEntries(arc.EntryNames(), entry); err != nil {
		return nil, err
	}
	if err := arc.Verify(ctx, append(m.Entries(), entry)); err != nil {
		return nil, err
	}
	return m, nil
}

func readManuscript(arc *archive.Archive, m *manifest.Manifest) (*manuscript.ArticleMetadata, error) {
	_, repr, err := FindManuscript(m)
	if err != nil {
		return nil, err
	}
	rc, err := arc.OpenEntry(repr.File.Entry)
	if err != nil {
		return nil, problem.WrapClientError("Could not read manuscript "+repr.File.Entry, err)
	}
	defer rc.Close()
	return manuscript.Extract(rc)
}

// resolveRevision: explizite Revision vor <article-version> des Manuskripts.
func resolveRevision(explicit *int, meta *manuscript.ArticleMetadata) (int, error) {
	if explicit != nil {
		if *explicit < 1 {
			return 0, problem.NewClientError("revision number must be positive, got %d", *explicit)
		}
		return *explicit, nil
	}
	if meta.RevisionNumber != nil {
		return *meta.RevisionNumber, nil
	}
	if meta.RevisionMarker != "" {
		return 0, problem.NewClientError("manuscript article-version %q is not a revision number", meta.RevisionMarker)
	}
	return 0, problem.NewClientError("revision number not given and manuscript has no article-version")
}

// persistBlobs schreibt zuerst die Dateien des Artikels, danach die Assets
// parallel mit begrenzter Nebenläufigkeit.
func (s *IngestionService) persistBlobs(ctx context.Context, pkg *ArticlePackage) (ledger.WorkRecord, []ledger.WorkRecord, error) {
	article, err := s.persistWork(ctx, pkg.Article)
	if err != nil {
		return ledger.WorkRecord{}, nil, err
	}

	limit := s.AssetConcurrency
	if limit < 1 {
		limit = 1
	}
	sem := semaphore.NewWeighted(int64(limit))
	g, gctx := errgroup.WithContext(ctx)
	assets := make([]ledger.WorkRecord, len(pkg.Assets))

	var acquireErr error
	for i, w := range pkg.Assets {
		if err := sem.Acquire(gctx, 1); err != nil {
			acquireErr = err
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			rec, err := s.persistWork(gctx, w)
			if err != nil {
				return err
			}
			assets[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ledger.WorkRecord{}, nil, err
	}
	if acquireErr != nil {
		return ledger.WorkRecord{}, nil, acquireErr
	}
	return article, assets, nil
}

func (s *IngestionService) persistWork(ctx context.Context, w ScholarlyWork) (ledger.WorkRecord, error) {
	rec := ledger.WorkRecord{
		DOI:      w.DOI,
		WorkType: w.Type,
		Metadata: w.metadataJSON(),
	}
	for _, ft := range w.FileTypes() {
		if err := ctx.Err(); err != nil {
			return ledger.WorkRecord{}, err
		}
		blob := w.Files[ft]
		ptr, err := s.putBlob(ctx, blob)
		if err != nil {
			return ledger.WorkRecord{}, err
		}
		rec.Files = append(rec.Files, ledger.FileRecord{FileType: ft, Entry: blob.Entry, Pointer: ptr})
	}
	return rec, nil
}

func (s *IngestionService) putBlob(ctx context.Context, blob Blob) (storage.VersionPointer, error) {
	rc, err := blob.Open()
	if err != nil {
		return storage.VersionPointer{}, problem.WrapClientError("Could not read "+blob.Entry, err)
	}
	defer rc.Close()

	ptr, err := s.Store.Put(ctx, storage.Object{
		Key:          blob.Key,
		ContentType:  blob.ContentType,
		DownloadName: path.Base(blob.Entry),
		SizeHint:     blob.Size,
		Body:         rc,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return storage.VersionPointer{}, ctxErr
		}
		if archive.IsCorrupt(err) {
			return storage.VersionPointer{}, problem.WrapClientError("archive entry "+blob.Entry+" is corrupt", err)
		}
		return storage.VersionPointer{}, problem.Persistence("put blob "+blob.Key, err)
	}
	metrics.BlobsWritten.WithLabelValues(s.Store.Name(), strconv.FormatBool(ptr.Deduplicated)).Inc()
	if !ptr.Deduplicated {
		metrics.BlobBytesWritten.WithLabelValues(s.Store.Name()).Add(float64(ptr.Size))
	}
	return ptr, nil
}

// finish schreibt Metriken und den Protokolleintrag. Ein Fehler beim
// Protokollieren ändert das Ergebnis der Ingestion nicht.
func (s *IngestionService) finish(ctx context.Context, r *run, err error) {
	elapsed := time.Since(r.started)
	metrics.IngestionDuration.Observe(elapsed.Seconds())

	outcome := "committed"
	rec := &models.Ingestion{
		ID:             r.id.String(),
		ArchiveName:    r.name,
		DOI:            r.doi,
		RevisionNumber: r.revision,
		DurationMillis: elapsed.Milliseconds(),
	}
	if err != nil {
		failedAt := r.state
		r.state = StateFailed
		rec.Error = err.Error()
		if problem.IsClientInput(err) {
			outcome = "client_error"
			r.log.Warn("Ingestion rejected", zap.Stringer("failed_at", failedAt), zap.Error(err))
		} else {
			outcome = "server_error"
			r.log.Error("Ingestion failed", zap.Stringer("failed_at", failedAt), zap.Error(err))
		}
		r.summary["failedAt"] = failedAt.String()
	} else {
		r.log.Info("Ingestion committed", zap.Duration("duration", elapsed))
	}
	rec.State = r.state.String()
	metrics.IngestionsTotal.WithLabelValues(outcome).Inc()

	if raw, jerr := json.Marshal(r.summary); jerr == nil {
		rec.Summary = datatypes.JSON(raw)
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if rerr := s.Ledger.RecordIngestion(recordCtx, rec); rerr != nil {
		r.log.Error("Failed to record ingestion", zap.Error(fmt.Errorf("ingestion %s: %w", r.id, rerr)))
	}
}
