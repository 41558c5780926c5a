package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"paper-ingest/archive"
	"paper-ingest/metrics"
)

// SpoolSweeper entfernt Spool-Verzeichnisse, die ein abgestürzter Prozess
// zurückgelassen hat.
type SpoolSweeper struct {
	Root   string
	MaxAge time.Duration
	Logger *zap.Logger

	now func() time.Time
}

func NewSpoolSweeper(root string, maxAge time.Duration, logger *zap.Logger) *SpoolSweeper {
	return &SpoolSweeper{Root: root, MaxAge: maxAge, Logger: logger, now: time.Now}
}

// Sweep löscht alle ingest-* Verzeichnisse, die älter als MaxAge sind, und
// liefert deren Anzahl. Verzeichnisse, deren Archiv noch offen ist (Lock
// gehalten), bleiben liegen.
func (s *SpoolSweeper) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.Root)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read spool root: %w", err)
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	cutoff := now().Add(-s.MaxAge)

	removed := 0
	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !e.IsDir() || !strings.HasPrefix(e.Name(), archive.SpoolPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(s.Root, e.Name())
		lock := flock.New(filepath.Join(dir, archive.LockFileName))
		locked, err := lock.TryLock()
		if err != nil {
			errs = append(errs, fmt.Errorf("lock %s: %w", dir, err))
			continue
		}
		if !locked {
			s.Logger.Debug("Spool dir still in use", zap.String("dir", dir))
			continue
		}
		err = os.RemoveAll(dir)
		_ = lock.Unlock()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		metrics.SpoolDirsSwept.Inc()
		s.Logger.Info("Removed stale spool dir", zap.String("dir", dir), zap.Time("modified", info.ModTime()))
	}
	return removed, errors.Join(errs...)
}
