package services

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"gorm.io/datatypes"

	"paper-ingest/manifest"
	"paper-ingest/manuscript"
	"paper-ingest/models"
	"paper-ingest/problem"
)

// AncillaryPrefix kennzeichnet Zusatzdateien im Datei-Mapping des Artikels.
const AncillaryPrefix = "ancillary/"

const (
	// ManifestFileType ist der Dateityp, unter dem das Manifest am Artikel hängt.
	ManifestFileType = "manifest"
	// ManifestKeyPrefix + DOI ist der Store-Key des Manifests.
	ManifestKeyPrefix = "manifest/"
)

// EntrySource ist alles, woraus Archiv-Einträge gelesen werden können.
type EntrySource interface {
	Has(name string) bool
	OpenEntry(name string) (io.ReadCloser, error)
	EntrySize(name string) int64
}

// Blob ist eine noch nicht geschriebene Datei. Der Inhalt wird erst beim
// Persistieren aus dem Archiv gelesen.
type Blob struct {
	Entry       string
	Key         string
	ContentType string
	Size        int64
	src         EntrySource
}

func (b Blob) Open() (io.ReadCloser, error) { return b.src.OpenEntry(b.Entry) }

// ScholarlyWork ist die Persistenzeinheit: Artikel oder Asset mit seinen
// Dateien nach logischem Dateityp.
type ScholarlyWork struct {
	DOI      string
	Type     string
	Metadata map[string]any
	Files    map[string]Blob
}

// FileTypes liefert die Dateitypen sortiert, für eine stabile Schreibreihenfolge.
func (w ScholarlyWork) FileTypes() []string {
	out := make([]string, 0, len(w.Files))
	for ft := range w.Files {
		out = append(out, ft)
	}
	sort.Strings(out)
	return out
}

func (w ScholarlyWork) metadataJSON() datatypes.JSON {
	if len(w.Metadata) == 0 {
		return nil
	}
	raw, err := json.Marshal(w.Metadata)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

// DOIMismatchError: Manifest-URI und Manuskript-DOI beschreiben verschiedene Artikel.
type DOIMismatchError struct {
	ManifestURI   string
	ManuscriptDOI string
}

func (e *DOIMismatchError) Error() string {
	return fmt.Sprintf("Manifest article uri %s does not match manuscript DOI %s", e.ManifestURI, e.ManuscriptDOI)
}

func (e *DOIMismatchError) Unwrap() error { return problem.ErrClientInput }

type ArticlePackage struct {
	Article ScholarlyWork
	Assets  []ScholarlyWork
}

// FindManuscript bestimmt Manuskript-Asset und -Repräsentation: zuerst über
// das main-entry-Attribut, sonst über die "manuscript"-Repräsentation des Artikels.
func FindManuscript(m *manifest.Manifest) (manifest.Asset, manifest.Representation, error) {
	for _, a := range m.Assets() {
		if a.MainEntry == "" {
			continue
		}
		for _, r := range a.Representations {
			if r.File.Entry == a.MainEntry {
				return a, r, nil
			}
		}
		return manifest.Asset{}, manifest.Representation{}, problem.NewClientError("main-entry not found")
	}
	if r, ok := m.Article.Representation("manuscript"); ok {
		return m.Article, r, nil
	}
	return manifest.Asset{}, manifest.Representation{}, problem.NewClientError("main-entry not found")
}

func findPrintable(a manifest.Asset) (manifest.Representation, bool) {
	for _, r := range a.Representations {
		if strings.EqualFold(r.Type, "PDF") || strings.EqualFold(r.Type, "printable") {
			return r, true
		}
	}
	return manifest.Representation{}, false
}

// BuildPackage gleicht Manifest, Manuskript und Archiv ab und baut je ein
// ScholarlyWork für den Artikel und jedes Asset mit Repräsentationen. Es wird
// nichts geschrieben.
func BuildPackage(src EntrySource, m *manifest.Manifest, meta *manuscript.ArticleMetadata) (*ArticlePackage, error) {
	manuscriptAsset, manuscriptRepr, err := FindManuscript(m)
	if err != nil {
		return nil, err
	}
	if !src.Has(manuscriptRepr.File.Entry) {
		return nil, problem.NewClientError("Manifest refers to missing file as main-entry: %s", manuscriptRepr.File.Entry)
	}
	if _, ok := findPrintable(manuscriptAsset); !ok {
		return nil, problem.NewClientError("Manuscript asset has no printable representation")
	}
	if !manuscript.SameDOI(manuscriptAsset.URI, meta.DOI) {
		return nil, &DOIMismatchError{ManifestURI: manuscriptAsset.URI, ManuscriptDOI: meta.DOI}
	}

	assetMeta := make(map[string]manuscript.AssetMetadata, len(meta.Assets))
	for _, a := range meta.Assets {
		assetMeta[manuscript.NormalizeDOI(a.DOI)] = a
	}

	article := ScholarlyWork{
		DOI:  manuscript.NormalizeDOI(meta.DOI),
		Type: models.WorkTypeArticle,
		Metadata: map[string]any{
			"title":           meta.Title,
			"manuscriptEntry": manuscriptRepr.File.Entry,
			"strikingImage":   m.Article.StrikingImage,
		},
		Files: blobsFor(src, m.Article),
	}
	for _, f := range m.Ancillary {
		article.Files[AncillaryPrefix+f.Entry] = newBlob(src, f)
	}
	if m.Entry != "" && src.Has(m.Entry) {
		article.Files[ManifestFileType] = newBlob(src, manifest.File{
			Entry:    m.Entry,
			Key:      ManifestKeyPrefix + article.DOI,
			MimeType: "application/xml",
		})
	}

	pkg := &ArticlePackage{Article: article}
	for _, obj := range m.Objects {
		if len(obj.Representations) == 0 {
			continue
		}
		doi := manuscript.NormalizeDOI(obj.URI)
		md := map[string]any{
			"assetType":     string(obj.Type),
			"strikingImage": obj.StrikingImage,
		}
		if am, ok := assetMeta[doi]; ok {
			md["title"] = am.Title
			md["description"] = am.Description
			md["contextElement"] = am.ContextElement
		}
		pkg.Assets = append(pkg.Assets, ScholarlyWork{
			DOI:      doi,
			Type:     models.WorkTypeAsset,
			Metadata: md,
			Files:    blobsFor(src, obj),
		})
	}
	return pkg, nil
}

func blobsFor(src EntrySource, a manifest.Asset) map[string]Blob {
	files := make(map[string]Blob, len(a.Representations))
	for _, r := range a.Representations {
		files[r.Type] = newBlob(src, r.File)
	}
	return files
}

func newBlob(src EntrySource, f manifest.File) Blob {
	return Blob{Entry: f.Entry, Key: f.Key, ContentType: f.MimeType, Size: src.EntrySize(f.Entry), src: src}
}
