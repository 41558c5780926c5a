package manuscript

import (
	"encoding/xml"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"paper-ingest/problem"
)

const (
	// Format ist das Format jedes eingelesenen Manuskripts.
	Format = "text/xml"

	doiResolver = "https://doi.org/"
)

var assetElements = map[string]bool{
	"fig":                    true,
	"table-wrap":             true,
	"supplementary-material": true,
}

// Extract liest ein JATS-Manuskript und liefert dessen Metadaten. Fehlende
// optionale Felder bleiben leer; kaputtes XML oder ein fehlender DOI sind
// Eingabefehler.
func Extract(r io.Reader) (*ArticleMetadata, error) {
	dec := xml.NewDecoder(r)
	dec.Entity = xml.HTMLEntity

	var (
		root    *xml.StartElement
		front   xmlFront
		hasMeta bool
		assets  []AssetMetadata
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, problem.WrapClientError("manuscript is not valid XML", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if root == nil {
			if start.Name.Local != "article" {
				return nil, problem.NewClientError("manuscript root element must be <article>, found <%s>", start.Name.Local)
			}
			s := start.Copy()
			root = &s
			continue
		}

		switch {
		case start.Name.Local == "front" && !hasMeta:
			if err := dec.DecodeElement(&front, &start); err != nil {
				return nil, problem.WrapClientError("manuscript front matter is not valid XML", err)
			}
			hasMeta = true
		case assetElements[start.Name.Local]:
			var node xmlAssetNode
			if err := dec.DecodeElement(&node, &start); err != nil {
				return nil, problem.WrapClientError("manuscript <"+start.Name.Local+"> is not valid XML", err)
			}
			if a, ok := node.metadata(start.Name.Local); ok {
				assets = append(assets, a)
			}
		}
	}
	if root == nil {
		return nil, problem.NewClientError("manuscript is empty")
	}

	meta := front.build()
	meta.Language = attr(root, "lang")
	meta.NlmArticleType = attr(root, "article-type")
	meta.Assets = assets
	if meta.DOI == "" {
		return nil, problem.NewClientError("manuscript has no article DOI")
	}
	return meta, nil
}

func (f *xmlFront) build() *ArticleMetadata {
	am := &f.ArticleMeta
	meta := &ArticleMetadata{
		Title:             am.Title.String(),
		Format:            Format,
		Volume:            am.Volume.String(),
		Issue:             am.Issue.String(),
		ELocationID:       am.ELocationID.String(),
		Rights:            am.Copyright.String(),
		PublisherName:     f.JournalMeta.Publisher.Name.String(),
		PublisherLocation: f.JournalMeta.Publisher.Location.String(),
		RevisionMarker:    am.Version.String(),
	}

	for _, id := range am.IDs {
		if id.PubIDType == "doi" {
			meta.DOI = StripDOIPrefix(id.Value.String())
			break
		}
	}
	if meta.DOI != "" {
		meta.URL = doiResolver + meta.DOI
	}

	for _, issn := range f.JournalMeta.ISSNs {
		if issn.PubType == "epub" || issn.PubFormat == "electronic" {
			meta.EIssn = issn.Value.String()
			break
		}
	}

	meta.Description = pickAbstract(am.Abstracts)
	meta.ArticleType = headingSubject(am.SubjGroups)
	meta.PublicationDate = pubDate(am.PubDates)

	if n, err := strconv.Atoi(strings.TrimSpace(am.PageCount.Count)); err == nil {
		meta.PageCount = n
	}
	if n, err := strconv.Atoi(meta.RevisionMarker); err == nil && n > 0 {
		meta.RevisionNumber = &n
	}

	for _, c := range am.Contribs {
		p := c.person()
		switch c.Type {
		case "author":
			meta.Authors = append(meta.Authors, p)
		case "editor":
			meta.Editors = append(meta.Editors, p)
		}
	}

	for _, rel := range am.Related {
		if rel.Href == "" {
			continue
		}
		meta.RelatedArticles = append(meta.RelatedArticles, RelatedArticle{
			Type: rel.Type,
			DOI:  StripDOIPrefix(rel.Href),
		})
	}
	return meta
}

// pickAbstract bevorzugt das Haupt-Abstract (ohne abstract-type).
func pickAbstract(abstracts []xmlAbstract) string {
	for _, a := range abstracts {
		if a.Type == "" {
			return a.Text.String()
		}
	}
	if len(abstracts) > 0 {
		return abstracts[0].Text.String()
	}
	return ""
}

func headingSubject(groups []xmlSubjects) string {
	for _, g := range groups {
		if g.Type == "heading" && len(g.Subjects) > 0 {
			return g.Subjects[0].String()
		}
		if s := headingSubject(g.Nested); s != "" {
			return s
		}
	}
	return ""
}

func pubDate(dates []xmlDate) *time.Time {
	for _, d := range dates {
		if d.PubType != "epub" && d.DateType != "pub" {
			continue
		}
		year, err := strconv.Atoi(d.Year.String())
		if err != nil || year <= 0 {
			continue
		}
		month := atoiOr(d.Month.String(), 1)
		day := atoiOr(d.Day.String(), 1)
		t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
		return &t
	}
	return nil
}

func atoiOr(s string, fallback int) int {
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return fallback
}

func (c xmlContrib) person() Person {
	p := Person{
		GivenNames: c.GivenNames.String(),
		Surname:    c.Surname.String(),
		Suffix:     c.Suffix.String(),
	}
	if p.Surname == "" && p.GivenNames == "" {
		p.FullName = c.Collab.String()
		return p
	}
	p.FullName = strings.TrimSpace(strings.Join([]string{p.GivenNames, p.Surname, p.Suffix}, " "))
	p.FullName = strings.Join(strings.Fields(p.FullName), " ")
	return p
}

func (n xmlAssetNode) metadata(element string) (AssetMetadata, bool) {
	var doi string
	for _, id := range n.ObjectIDs {
		if id.PubIDType == "doi" {
			doi = id.Value.String()
			break
		}
	}
	if doi == "" && strings.HasPrefix(n.Href, "info:doi/") {
		doi = n.Href
	}
	if doi == "" {
		return AssetMetadata{}, false
	}
	return AssetMetadata{
		DOI:            StripDOIPrefix(doi),
		ContextElement: element,
		Title:          n.Label.String(),
		Description:    n.Caption.String(),
	}, true
}

func attr(start *xml.StartElement, local string) string {
	for _, a := range start.Attr {
		if a.Name.Local == local {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}
