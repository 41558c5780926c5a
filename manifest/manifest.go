package manifest

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"

	"paper-ingest/problem"
)

// File verweist auf einen Eintrag im Archiv und den Schlüssel, unter dem er
// im Content-Store abgelegt wird.
type File struct {
	Entry    string `json:"entry"`
	Key      string `json:"key"`
	MimeType string `json:"mimetype"`
}

type Representation struct {
	Type string `json:"type"`
	File File   `json:"file"`
}

type Asset struct {
	Kind            AssetKind        `json:"-"`
	Type            AssetType        `json:"type,omitempty"`
	URI             string           `json:"uri"`
	MainEntry       string           `json:"mainEntry,omitempty"`
	StrikingImage   bool             `json:"strikingImage"`
	Representations []Representation `json:"representations"`
}

// Representation sucht eine Repräsentation über ihren Typ.
func (a *Asset) Representation(typ string) (Representation, bool) {
	for _, r := range a.Representations {
		if r.Type == typ {
			return r, true
		}
	}
	return Representation{}, false
}

// describe erzeugt die Kurzform des Elements für Fehlermeldungen.
func (a *Asset) describe() string {
	if a.Kind == KindArticle {
		return fmt.Sprintf("<%s uri=%q>", a.Kind, a.URI)
	}
	return fmt.Sprintf("<%s type=%q uri=%q>", a.Kind, a.Type, a.URI)
}

// Manifest ist das validierte, unveränderliche Ergebnis von Parse.
type Manifest struct {
	Article   Asset
	Objects   []Asset
	Ancillary []File

	// Entry ist der Archiv-Eintrag, aus dem das Manifest gelesen wurde.
	Entry string
}

// Assets liefert alle Assets, den Artikel zuerst.
func (m *Manifest) Assets() []Asset {
	out := make([]Asset, 0, len(m.Objects)+1)
	out = append(out, m.Article)
	return append(out, m.Objects...)
}

// Asset sucht ein Asset über seine URI.
func (m *Manifest) Asset(uri string) (Asset, bool) {
	for _, a := range m.Assets() {
		if a.URI == uri {
			return a, true
		}
	}
	return Asset{}, false
}

// Entries liefert alle im Manifest referenzierten Archiv-Einträge, sortiert.
func (m *Manifest) Entries() []string {
	set := make(map[string]struct{})
	for _, a := range m.Assets() {
		for _, r := range a.Representations {
			set[r.File.Entry] = struct{}{}
		}
	}
	for _, f := range m.Ancillary {
		set[f.Entry] = struct{}{}
	}
	return sortedKeys(set)
}

// CheckEntries vergleicht die referenzierten Einträge mit dem tatsächlichen
// Inhalt des Archivs. Die Mengen müssen exakt gleich sein. Die Manifest-Datei
// selbst zählt nur mit, wenn das Manifest sie auch referenziert.
func (m *Manifest) CheckEntries(archiveEntries []string, manifestEntry string) error {
	referenced := make(map[string]struct{})
	for _, e := range m.Entries() {
		referenced[e] = struct{}{}
	}
	actual := make(map[string]struct{}, len(archiveEntries))
	for _, e := range archiveEntries {
		actual[e] = struct{}{}
	}
	if _, listed := referenced[manifestEntry]; !listed {
		delete(actual, manifestEntry)
	}

	var missingFromArchive, missingFromManifest []string
	for e := range referenced {
		if _, ok := actual[e]; !ok {
			missingFromArchive = append(missingFromArchive, e)
		}
	}
	for e := range actual {
		if _, ok := referenced[e]; !ok {
			missingFromManifest = append(missingFromManifest, e)
		}
	}
	if len(missingFromArchive) == 0 && len(missingFromManifest) == 0 {
		return nil
	}
	sort.Strings(missingFromArchive)
	sort.Strings(missingFromManifest)

	var b strings.Builder
	b.WriteString("Manifest is not consistent with files in archive.")
	if len(missingFromArchive) > 0 {
		fmt.Fprintf(&b, " Files in manifest not included in archive: [%s]", strings.Join(missingFromArchive, ", "))
	}
	if len(missingFromManifest) > 0 {
		fmt.Fprintf(&b, " Files in archive not described in manifest: [%s]", strings.Join(missingFromManifest, ", "))
	}
	return problem.NewClientError("%s", b.String())
}

// FindEntry sucht die Manifest-Datei (Groß-/Kleinschreibung egal).
func FindEntry(names []string) (string, error) {
	for _, n := range names {
		if strings.EqualFold(n, "manifest.xml") {
			return n, nil
		}
	}
	return "", problem.NewClientError("Archive has no manifest file")
}

// Rohstruktur für encoding/xml. Leere Attribute gelten als nicht vorhanden.
type xmlManifest struct {
	XMLName   xml.Name       `xml:"manifest"`
	Bundles   []xmlBundle    `xml:"articleBundle"`
	Ancillary []xmlAncillary `xml:"ancillary"`
}

type xmlBundle struct {
	Articles []xmlAsset `xml:"article"`
	Objects  []xmlAsset `xml:"object"`
}

type xmlAsset struct {
	URI             string              `xml:"uri,attr"`
	Type            string              `xml:"type,attr"`
	MainEntry       string              `xml:"main-entry,attr"`
	StrkImage       string              `xml:"strkImage,attr"`
	Representations []xmlRepresentation `xml:"representation"`
}

type xmlFile struct {
	Entry    string `xml:"entry,attr"`
	Key      string `xml:"key,attr"`
	MimeType string `xml:"mimetype,attr"`
}

type xmlRepresentation struct {
	Type string `xml:"type,attr"`
	xmlFile
}

type xmlAncillary struct {
	Files []xmlFile `xml:"file"`
}

// Parse liest und validiert ein Manifest vollständig.
func Parse(r io.Reader) (*Manifest, error) {
	var raw xmlManifest
	if err := xml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, problem.WrapClientError("manifest is not valid XML", err)
	}

	var articles, objects []xmlAsset
	for _, b := range raw.Bundles {
		articles = append(articles, b.Articles...)
		objects = append(objects, b.Objects...)
	}
	switch {
	case len(articles) == 0:
		return nil, &problem.ManifestDataError{Element: "article", Message: "Manifest does not have <article> element"}
	case len(articles) > 1:
		return nil, &problem.ManifestDataError{Element: "article", Message: "Manifest has more than one <article> element"}
	}

	m := &Manifest{}
	article, err := parseAsset(KindArticle, articles[0])
	if err != nil {
		return nil, err
	}
	m.Article = article
	for _, o := range objects {
		a, err := parseAsset(KindObject, o)
		if err != nil {
			return nil, err
		}
		m.Objects = append(m.Objects, a)
	}

	for _, anc := range raw.Ancillary {
		for _, f := range anc.Files {
			file, err := parseFile("file", f)
			if err != nil {
				return nil, err
			}
			m.Ancillary = append(m.Ancillary, file)
		}
	}

	if err := m.checkUnique(); err != nil {
		return nil, err
	}
	return m, nil
}

func parseAsset(kind AssetKind, raw xmlAsset) (Asset, error) {
	element := kind.String()
	uri, err := requireAttribute(element, "uri", raw.URI)
	if err != nil {
		return Asset{}, err
	}
	a := Asset{
		Kind:          kind,
		URI:           uri,
		MainEntry:     strings.TrimSpace(raw.MainEntry),
		StrikingImage: strings.EqualFold(strings.TrimSpace(raw.StrkImage), "true"),
	}

	typ := strings.TrimSpace(raw.Type)
	switch {
	case kind == KindArticle && typ != "":
		return Asset{}, &problem.ManifestDataError{
			Element: element, Attribute: "type", Value: typ,
			Message: "<article> element should not have 'type' attribute",
		}
	case kind == KindArticle:
		a.Type = TypeArticle
	case typ == "":
		return Asset{}, missingAttribute(element, "type")
	default:
		t, ok := ParseAssetType(typ)
		if !ok {
			return Asset{}, &problem.ManifestDataError{
				Element: element, Attribute: "type", Value: typ,
				Message: "Unrecognized asset type: " + typ,
			}
		}
		a.Type = t
	}

	for _, rr := range raw.Representations {
		file, err := parseFile("representation", rr.xmlFile)
		if err != nil {
			return Asset{}, err
		}
		rt, err := requireAttribute("representation", "type", rr.Type)
		if err != nil {
			return Asset{}, err
		}
		a.Representations = append(a.Representations, Representation{Type: rt, File: file})
	}
	return a, nil
}

func parseFile(element string, raw xmlFile) (File, error) {
	entry, err := requireAttribute(element, "entry", raw.Entry)
	if err != nil {
		return File{}, err
	}
	key, err := requireAttribute(element, "key", raw.Key)
	if err != nil {
		return File{}, err
	}
	mimeType, err := requireAttribute(element, "mimetype", raw.MimeType)
	if err != nil {
		return File{}, err
	}
	return File{Entry: entry, Key: key, MimeType: mimeType}, nil
}

func requireAttribute(element, attribute, value string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", missingAttribute(element, attribute)
	}
	return v, nil
}

func missingAttribute(element, attribute string) error {
	return &problem.ManifestDataError{
		Element:   element,
		Attribute: attribute,
		Message:   fmt.Sprintf("'%s' node must have '%s' attribute", element, attribute),
	}
}

func (m *Manifest) checkUnique() error {
	seen := make(map[string]struct{})
	for _, a := range m.Assets() {
		if _, dup := seen[a.URI]; dup {
			return &problem.ManifestDataError{
				Element: a.Kind.String(), Attribute: "uri", Value: a.URI,
				Message: "Manifest has assets with duplicate uri: " + a.URI,
			}
		}
		seen[a.URI] = struct{}{}

		types := make(map[string]struct{}, len(a.Representations))
		for _, r := range a.Representations {
			if _, dup := types[r.Type]; dup {
				return &problem.ManifestDataError{
					Element: "representation", Attribute: "type", Value: r.Type,
					Message: fmt.Sprintf("%s has representations with duplicate type: %s", a.describe(), r.Type),
				}
			}
			types[r.Type] = struct{}{}
		}
	}
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
