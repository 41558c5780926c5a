package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"paper-ingest/config"
	"paper-ingest/problem"
)

// LockFileName liegt im Quellverzeichnis und verhindert parallele Läufe.
const LockFileName = ".ingest.lock"

// RejectedDir nimmt Archive auf, die wegen Eingabefehlern abgelehnt wurden.
const RejectedDir = "rejected"

var ErrIngestibleNotFound = fmt.Errorf("ingestible %w", problem.ErrNotFound)

// Ingester ist der Teil des IngestionService, den der Drop-Folder braucht.
type Ingester interface {
	Ingest(ctx context.Context, req IngestRequest) (*IngestionResult, error)
}

// IngestibleService liest Archive aus einem Drop-Folder ein und verschiebt
// sie nach erfolgreicher Ingestion ins Zielverzeichnis.
type IngestibleService struct {
	SourceDir      string
	DestinationDir string
	Ingester       Ingester
	Logger         *zap.Logger
}

func NewIngestibleService(cfg *config.Config, ingester Ingester, logger *zap.Logger) *IngestibleService {
	return &IngestibleService{
		SourceDir:      cfg.IngestSourceDir,
		DestinationDir: cfg.IngestDestinationDir,
		Ingester:       ingester,
		Logger:         logger,
	}
}

// List liefert die Namen aller *.zip im Quellverzeichnis, sortiert.
func (s *IngestibleService) List() ([]string, error) {
	entries, err := os.ReadDir(s.SourceDir)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list ingestibles: %w", err)
	}
	names := []string{}
	for _, e := range entries {
		if e.Type().IsRegular() && strings.EqualFold(filepath.Ext(e.Name()), ".zip") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *IngestibleService) resolve(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", problem.NewClientError("invalid ingestible name: %q", name)
	}
	full := filepath.Join(s.SourceDir, name)
	info, err := os.Stat(full)
	if errors.Is(err, os.ErrNotExist) || (err == nil && !info.Mode().IsRegular()) {
		return "", fmt.Errorf("%w: %s", ErrIngestibleNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("stat ingestible %s: %w", name, err)
	}
	return full, nil
}

// Ingest liest ein einzelnes Archiv aus dem Drop-Folder ein. Bei Erfolg wird
// es ins Zielverzeichnis verschoben, bei Eingabefehlern nach rejected/.
func (s *IngestibleService) Ingest(ctx context.Context, name string) (*IngestionResult, error) {
	full, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	res, err := s.Ingester.Ingest(ctx, IngestRequest{Name: name, Path: full})
	if err != nil {
		if problem.IsClientInput(err) {
			if merr := s.move(full, filepath.Join(s.DestinationDir, RejectedDir)); merr != nil {
				s.Logger.Error("Failed to move rejected archive", zap.String("archive", name), zap.Error(merr))
			}
		}
		return nil, err
	}
	if merr := s.move(full, s.DestinationDir); merr != nil {
		// Die Revision ist bereits committet; ein erneuter Lauf würde sie nur ersetzen.
		s.Logger.Error("Failed to move ingested archive", zap.String("archive", name), zap.Error(merr))
	}
	return res, nil
}

// IngestAll arbeitet den Drop-Folder nacheinander ab. Hält ein anderer
// Prozess die Sperre, passiert nichts.
func (s *IngestibleService) IngestAll(ctx context.Context) (int, error) {
	if err := os.MkdirAll(s.SourceDir, 0o755); err != nil {
		return 0, fmt.Errorf("create source dir: %w", err)
	}
	lock := flock.New(filepath.Join(s.SourceDir, LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return 0, fmt.Errorf("lock %s: %w", s.SourceDir, err)
	}
	if !locked {
		s.Logger.Info("Drop folder is locked by another process, skipping", zap.String("dir", s.SourceDir))
		return 0, nil
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			s.Logger.Warn("Failed to release drop folder lock", zap.Error(err))
		}
	}()

	names, err := s.List()
	if err != nil {
		return 0, err
	}
	ingested := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return ingested, err
		}
		res, err := s.Ingest(ctx, name)
		if err != nil {
			s.Logger.Warn("Ingestible failed", zap.String("archive", name), zap.Error(err))
			continue
		}
		ingested++
		s.Logger.Info("Ingestible ingested",
			zap.String("archive", name),
			zap.String("doi", res.DOI),
			zap.Int("revision", res.RevisionNumber))
	}
	return ingested, nil
}

func (s *IngestibleService) move(src, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.Rename(src, filepath.Join(dir, filepath.Base(src)))
}
