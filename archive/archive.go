package archive

import (
	"archive/zip"
	"compress/flate"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"paper-ingest/problem"
)

// SpoolPrefix ist das Namenspräfix aller Spool-Verzeichnisse. Der Sweeper
// räumt nur Verzeichnisse mit diesem Präfix auf.
const SpoolPrefix = "ingest-"

// LockFileName liegt in jedem Spool-Verzeichnis. Solange das Archiv offen
// ist, hält es einen flock darauf.
const LockFileName = ".spool.lock"

var ErrEntryNotFound = errors.New("archive entry not found")

type options struct {
	spoolRoot string
	maxSize   int64
}

type Option func(*options)

// WithSpoolRoot legt fest, unter welchem Verzeichnis gespoolt wird.
func WithSpoolRoot(dir string) Option {
	return func(o *options) { o.spoolRoot = dir }
}

// WithMaxSize begrenzt die Größe des eingehenden Archivs (0 = unbegrenzt).
func WithMaxSize(n int64) Option {
	return func(o *options) { o.maxSize = n }
}

// Archive ist ein kurzlebiger Handle auf ein Zip-Archiv. Jeder Aufruf von
// OpenEntry liefert einen frischen Stream; Close räumt alle temporären
// Dateien weg, egal ob die Ingestion erfolgreich war oder nicht.
type Archive struct {
	dir     string
	lock    *flock.Flock
	file    *os.File
	size    int64
	names   []string
	entries map[string]*zip.File

	closeOnce sync.Once
	closeErr  error
}

// Open liest das Archiv aus r in ein privates Spool-Verzeichnis und öffnet
// das Zip-Inhaltsverzeichnis. Der Lesevorgang respektiert ctx.
func Open(ctx context.Context, r io.Reader, opts ...Option) (*Archive, error) {
	o := options{spoolRoot: os.TempDir()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := os.MkdirAll(o.spoolRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create spool root: %w", err)
	}
	dir := filepath.Join(o.spoolRoot, SpoolPrefix+uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	a := &Archive{dir: dir, lock: flock.New(filepath.Join(dir, LockFileName))}
	if _, err := a.lock.TryLock(); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("lock spool dir: %w", err)
	}
	if err := a.spool(ctx, r, o.maxSize); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.index(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// OpenFile öffnet ein Archiv direkt von der Platte, ohne es zu kopieren.
func OpenFile(ctx context.Context, name string) (*Archive, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat archive %s: %w", name, err)
	}
	a := &Archive{file: f, size: info.Size()}
	if err := a.index(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) spool(ctx context.Context, r io.Reader, maxSize int64) error {
	f, err := os.Create(filepath.Join(a.dir, "archive.zip"))
	if err != nil {
		return fmt.Errorf("create spool file: %w", err)
	}
	a.file = f

	src := io.Reader(&ctxReader{ctx: ctx, r: r})
	if maxSize > 0 {
		src = io.LimitReader(src, maxSize+1)
	}
	n, err := io.Copy(f, src)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("spool archive: %w", err)
	}
	if maxSize > 0 && n > maxSize {
		return problem.NewClientError("archive exceeds maximum size of %d bytes", maxSize)
	}
	a.size = n
	return nil
}

func (a *Archive) index() error {
	zr, err := zip.NewReader(a.file, a.size)
	if err != nil {
		return problem.WrapClientError("archive is not a readable zip", err)
	}

	a.entries = make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			continue
		}
		if !safeEntryName(f.Name) {
			return problem.NewClientError("archive contains unsafe entry name: %s", f.Name)
		}
		if _, dup := a.entries[f.Name]; dup {
			return problem.NewClientError("archive contains duplicate entry: %s", f.Name)
		}
		a.entries[f.Name] = f
		a.names = append(a.names, f.Name)
	}
	sort.Strings(a.names)
	return nil
}

func safeEntryName(name string) bool {
	if name == "" || path.IsAbs(name) || strings.Contains(name, "\\") {
		return false
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}

// EntryNames liefert alle Dateieinträge sortiert (Verzeichnisse ausgenommen).
func (a *Archive) EntryNames() []string {
	out := make([]string, len(a.names))
	copy(out, a.names)
	return out
}

func (a *Archive) Has(name string) bool {
	_, ok := a.entries[name]
	return ok
}

// OpenEntry öffnet einen frischen Stream auf den Eintrag name.
func (a *Archive) OpenEntry(name string) (io.ReadCloser, error) {
	f, ok := a.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, problem.WrapClientError("cannot read archive entry "+name, err)
	}
	return rc, nil
}

// Verify liest die Einträge names vollständig, damit CRC- und
// Deflate-Fehler vor dem ersten Schreibzugriff auffallen.
func (a *Archive) Verify(ctx context.Context, names []string) error {
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		rc, err := a.OpenEntry(name)
		if err != nil {
			if errors.Is(err, ErrEntryNotFound) {
				return problem.WrapClientError("archive entry missing", err)
			}
			return err
		}
		_, err = io.Copy(io.Discard, &ctxReader{ctx: ctx, r: rc})
		rc.Close()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return problem.WrapClientError("archive entry "+name+" is corrupt", err)
		}
	}
	return nil
}

// IsCorrupt erkennt Lesefehler aus beschädigten Zip-Einträgen.
func IsCorrupt(err error) bool {
	var flateErr flate.CorruptInputError
	return errors.Is(err, zip.ErrChecksum) ||
		errors.Is(err, zip.ErrFormat) ||
		errors.Is(err, zip.ErrAlgorithm) ||
		errors.As(err, &flateErr)
}

// EntrySize liefert die unkomprimierte Größe eines Eintrags.
func (a *Archive) EntrySize(name string) int64 {
	if f, ok := a.entries[name]; ok {
		return int64(f.UncompressedSize64)
	}
	return 0
}

// Size ist die Größe des Archivs in Bytes.
func (a *Archive) Size() int64 { return a.size }

// Close schließt das Archiv und löscht das Spool-Verzeichnis. Mehrfacher
// Aufruf ist erlaubt.
func (a *Archive) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.file != nil {
			errs = append(errs, a.file.Close())
		}
		if a.lock != nil {
			errs = append(errs, a.lock.Unlock())
		}
		if a.dir != "" {
			errs = append(errs, os.RemoveAll(a.dir))
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
