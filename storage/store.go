package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// VersionPrefix kennzeichnet rein inhaltsadressierte Versionen.
const VersionPrefix = "sha256:"

// MemoryLimit: Blobs bis zu dieser Größe werden im Speicher gehalten,
// größere in einer temporären Datei.
const MemoryLimit = 8 << 20

const sniffLen = 3072

var ErrVersionNotFound = errors.New("blob version not found")

// Object ist ein Blob, der unter Key abgelegt werden soll. SizeHint ist
// die erwartete Größe (0 = unbekannt).
type Object struct {
	Key          string
	ContentType  string
	DownloadName string
	SizeHint     int64
	Body         io.Reader
}

// VersionPointer ist der unveränderliche Verweis, den ein Put zurückgibt.
type VersionPointer struct {
	Key          string `json:"key"`
	Version      string `json:"version"`
	Checksum     string `json:"checksum"`
	Size         int64  `json:"size"`
	ContentType  string `json:"contentType"`
	Deduplicated bool   `json:"-"`
}

// ContentStore ist der inhaltsadressierte Blob-Speicher. Put ist idempotent:
// gleicher Inhalt unter gleichem Key erzeugt keine neue Version.
type ContentStore interface {
	Name() string
	Put(ctx context.Context, obj Object) (VersionPointer, error)
	Get(ctx context.Context, ptr VersionPointer) (io.ReadCloser, error)
}

// body ist ein vollständig gelesener Blob mit SHA-256.
type body struct {
	mem  []byte
	file *os.File
	size int64
	sum  string
}

// readBody liest r vollständig. Blobs über MemoryLimit (oder mit größerem
// Hint) landen in einer temporären Datei; der Aufrufer muss Close aufrufen.
func readBody(r io.Reader, sizeHint int64) (*body, error) {
	h := sha256.New()
	tee := io.TeeReader(r, h)
	if sizeHint > MemoryLimit {
		return spoolBody(tee, h)
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(tee, MemoryLimit+1))
	if err != nil {
		return nil, err
	}
	if n > MemoryLimit {
		return spoolBody(io.MultiReader(&buf, tee), h)
	}
	return &body{mem: buf.Bytes(), size: n, sum: hex.EncodeToString(h.Sum(nil))}, nil
}

func spoolBody(r io.Reader, h hash.Hash) (*body, error) {
	f, err := os.CreateTemp("", "blob-*")
	if err != nil {
		return nil, err
	}
	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	return &body{file: f, size: n, sum: hex.EncodeToString(h.Sum(nil))}, nil
}

// head liefert den Anfang des Inhalts für die Typerkennung.
func (b *body) head() []byte {
	if b.file == nil {
		return b.mem
	}
	buf := make([]byte, sniffLen)
	n, _ := b.file.ReadAt(buf, 0)
	return buf[:n]
}

// reader liefert einen Stream ab Beginn des Inhalts.
func (b *body) reader() (io.ReadSeeker, error) {
	if b.file == nil {
		return bytes.NewReader(b.mem), nil
	}
	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return b.file, nil
}

func (b *body) Close() error {
	if b.file == nil {
		return nil
	}
	err := b.file.Close()
	if rerr := os.Remove(b.file.Name()); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		err = errors.Join(err, rerr)
	}
	return err
}

func contentVersion(sum string) string { return VersionPrefix + sum }

// resolveContentType ersetzt generische MIME-Typen durch den erkannten Typ.
// mismatch meldet, ob ein konkret deklarierter Typ nicht zum Inhalt passt.
func resolveContentType(data []byte, declared string) (contentType string, mismatch bool) {
	detected := mimetype.Detect(data)
	declared = strings.TrimSpace(declared)
	if declared == "" || declared == "application/octet-stream" {
		return detected.String(), false
	}
	if detected.Is("application/octet-stream") || detected.Is("text/plain") {
		return declared, false
	}
	base := declared
	if i := strings.IndexByte(base, ';'); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	for m := detected; m != nil; m = m.Parent() {
		if m.Is(base) {
			return declared, false
		}
	}
	return declared, true
}
