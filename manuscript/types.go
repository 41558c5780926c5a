package manuscript

import (
	"encoding/xml"
	"strings"
	"time"
)

// ArticleMetadata enthält die aus dem Manuskript gelesenen Metadaten.
type ArticleMetadata struct {
	DOI               string           `json:"doi"`
	Title             string           `json:"title"`
	EIssn             string           `json:"eIssn,omitempty"`
	Description       string           `json:"description,omitempty"`
	Rights            string           `json:"rights,omitempty"`
	Language          string           `json:"language,omitempty"`
	Format            string           `json:"format"`
	PageCount         int              `json:"pageCount,omitempty"`
	ELocationID       string           `json:"eLocationId,omitempty"`
	PublicationDate   *time.Time       `json:"publicationDate,omitempty"`
	Volume            string           `json:"volume,omitempty"`
	Issue             string           `json:"issue,omitempty"`
	PublisherLocation string           `json:"publisherLocation,omitempty"`
	PublisherName     string           `json:"publisherName,omitempty"`
	URL               string           `json:"url"`
	NlmArticleType    string           `json:"nlmArticleType,omitempty"`
	ArticleType       string           `json:"articleType,omitempty"`
	RevisionNumber    *int             `json:"revisionNumber,omitempty"`
	RevisionMarker    string           `json:"-"`
	Authors           []Person         `json:"authors,omitempty"`
	Editors           []Person         `json:"editors,omitempty"`
	Assets            []AssetMetadata  `json:"assets,omitempty"`
	RelatedArticles   []RelatedArticle `json:"relatedArticles,omitempty"`
}

type Person struct {
	GivenNames string `json:"givenNames,omitempty"`
	Surname    string `json:"surname,omitempty"`
	Suffix     string `json:"suffix,omitempty"`
	FullName   string `json:"fullName"`
}

// AssetMetadata beschreibt eine Abbildung, Tabelle oder Zusatzdatei.
type AssetMetadata struct {
	DOI            string `json:"doi"`
	ContextElement string `json:"contextElement"`
	Title          string `json:"title,omitempty"`
	Description    string `json:"description,omitempty"`
}

type RelatedArticle struct {
	Type string `json:"type"`
	DOI  string `json:"doi"`
}

// JATS-Ausschnitt. Pfade wie in providers/pubmed über Struct-Tags.
type xmlFront struct {
	JournalMeta xmlJournalMeta `xml:"journal-meta"`
	ArticleMeta xmlArticleMeta `xml:"article-meta"`
}

type xmlJournalMeta struct {
	ISSNs     []xmlISSN `xml:"issn"`
	Publisher struct {
		Name     text `xml:"publisher-name"`
		Location text `xml:"publisher-loc"`
	} `xml:"publisher"`
}

type xmlISSN struct {
	PubType   string `xml:"pub-type,attr"`
	PubFormat string `xml:"publication-format,attr"`
	Value     text   `xml:",chardata"`
}

type xmlArticleMeta struct {
	IDs         []xmlPubID    `xml:"article-id"`
	SubjGroups  []xmlSubjects `xml:"article-categories>subj-group"`
	Title       text          `xml:"title-group>article-title"`
	Contribs    []xmlContrib  `xml:"contrib-group>contrib"`
	PubDates    []xmlDate     `xml:"pub-date"`
	Volume      text          `xml:"volume"`
	Issue       text          `xml:"issue"`
	ELocationID text          `xml:"elocation-id"`
	Copyright   text          `xml:"permissions>copyright-statement"`
	Abstracts   []xmlAbstract `xml:"abstract"`
	Related     []xmlRelated  `xml:"related-article"`
	PageCount   xmlCount      `xml:"counts>page-count"`
	Version     text          `xml:"article-version"`
}

type xmlPubID struct {
	PubIDType string `xml:"pub-id-type,attr"`
	Value     text   `xml:",chardata"`
}

type xmlSubjects struct {
	Type     string        `xml:"subj-group-type,attr"`
	Subjects []text        `xml:"subject"`
	Nested   []xmlSubjects `xml:"subj-group"`
}

type xmlContrib struct {
	Type       string `xml:"contrib-type,attr"`
	Surname    text   `xml:"name>surname"`
	GivenNames text   `xml:"name>given-names"`
	Suffix     text   `xml:"name>suffix"`
	Collab     text   `xml:"collab"`
}

type xmlDate struct {
	PubType  string `xml:"pub-type,attr"`
	DateType string `xml:"date-type,attr"`
	Day      text   `xml:"day"`
	Month    text   `xml:"month"`
	Year     text   `xml:"year"`
}

type xmlAbstract struct {
	Type string
	Text text
}

func (a *xmlAbstract) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for _, attr := range start.Attr {
		if attr.Name.Local == "abstract-type" {
			a.Type = attr.Value
		}
	}
	return a.Text.UnmarshalXML(d, start)
}

type xmlRelated struct {
	Type string `xml:"related-article-type,attr"`
	Href string `xml:"href,attr"`
}

type xmlCount struct {
	Count string `xml:"count,attr"`
}

type xmlAssetNode struct {
	ObjectIDs []xmlPubID `xml:"object-id"`
	Href      string     `xml:"href,attr"`
	Label     text       `xml:"label"`
	Caption   text       `xml:"caption"`
}

// text sammelt den gesamten Textinhalt eines Elements inklusive
// verschachteltem Markup (<italic>, <sup> ...) und normalisiert Whitespace.
type text string

func (t *text) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var b strings.Builder
	depth := 0
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch v := tok.(type) {
		case xml.CharData:
			b.Write(v)
		case xml.StartElement:
			depth++
		case xml.EndElement:
			if depth == 0 {
				*t = text(strings.Join(strings.Fields(b.String()), " "))
				return nil
			}
			depth--
		}
	}
}

func (t text) String() string { return strings.Join(strings.Fields(string(t)), " ") }
