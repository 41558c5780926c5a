package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// FileStore ist ein inhaltsadressierter Store auf dem lokalen Dateisystem:
// Blobs liegen unter <root>/<aa>/<bb>/<sha256>, die Versionshistorie je Key
// in <root>/keys/<key>.json.
type FileStore struct {
	root   string
	logger *zap.Logger
	mu     sync.Mutex
}

func NewFileStore(root string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "keys"), 0o755); err != nil {
		return nil, fmt.Errorf("create file store: %w", err)
	}
	return &FileStore{root: root, logger: logger}, nil
}

func (s *FileStore) Name() string { return "file" }

func (s *FileStore) blobPath(sum string) string {
	return filepath.Join(s.root, sum[0:2], sum[2:4], sum)
}

func (s *FileStore) indexPath(key string) string {
	return filepath.Join(s.root, "keys", url.PathEscape(key)+".json")
}

func (s *FileStore) Put(ctx context.Context, obj Object) (VersionPointer, error) {
	if err := ctx.Err(); err != nil {
		return VersionPointer{}, err
	}
	b, err := readBody(obj.Body, obj.SizeHint)
	if err != nil {
		return VersionPointer{}, fmt.Errorf("read blob %s: %w", obj.Key, err)
	}
	defer b.Close()
	sum := b.sum
	contentType, mismatch := resolveContentType(b.head(), obj.ContentType)
	log := s.logger.With(zap.String("key", obj.Key), zap.String("size", humanize.Bytes(uint64(b.size))))
	if mismatch {
		log.Warn("Declared content type does not match content", zap.String("declared", obj.ContentType))
	}

	ptr := VersionPointer{
		Key:         obj.Key,
		Version:     contentVersion(sum),
		Checksum:    sum,
		Size:        b.size,
		ContentType: contentType,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.blobPath(sum)
	if _, err := os.Stat(path); err == nil {
		ptr.Deduplicated = true
	} else if errors.Is(err, os.ErrNotExist) {
		r, err := b.reader()
		if err != nil {
			return VersionPointer{}, fmt.Errorf("rewind blob %s: %w", obj.Key, err)
		}
		if err := writeAtomic(path, r); err != nil {
			return VersionPointer{}, fmt.Errorf("write blob %s: %w", obj.Key, err)
		}
	} else {
		return VersionPointer{}, fmt.Errorf("stat blob %s: %w", obj.Key, err)
	}

	history, err := s.readHistory(obj.Key)
	if err != nil {
		return VersionPointer{}, err
	}
	if n := len(history); n == 0 || history[n-1].Checksum != sum {
		history = append(history, ptr)
		raw, err := json.Marshal(history)
		if err != nil {
			return VersionPointer{}, err
		}
		if err := writeAtomic(s.indexPath(obj.Key), bytes.NewReader(raw)); err != nil {
			return VersionPointer{}, fmt.Errorf("write key index %s: %w", obj.Key, err)
		}
	}
	log.Debug("Blob stored", zap.String("version", ptr.Version), zap.Bool("deduplicated", ptr.Deduplicated))
	return ptr, nil
}

func (s *FileStore) Get(ctx context.Context, ptr VersionPointer) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sum := ptr.Checksum
	if sum == "" {
		sum = strings.TrimPrefix(ptr.Version, VersionPrefix)
	}
	if len(sum) < 4 {
		return nil, fmt.Errorf("%w: %s@%s", ErrVersionNotFound, ptr.Key, ptr.Version)
	}
	f, err := os.Open(s.blobPath(sum))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s@%s", ErrVersionNotFound, ptr.Key, ptr.Version)
	}
	return f, err
}

// Versions liefert die Versionshistorie eines Keys, älteste zuerst.
func (s *FileStore) Versions(key string) ([]VersionPointer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readHistory(key)
}

func (s *FileStore) readHistory(key string) ([]VersionPointer, error) {
	raw, err := os.ReadFile(s.indexPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key index %s: %w", key, err)
	}
	var history []VersionPointer
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, fmt.Errorf("decode key index %s: %w", key, err)
	}
	return history, nil
}

func writeAtomic(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
