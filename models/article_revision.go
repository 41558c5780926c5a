package models

import (
	"fmt"
	"strings"
	"time"
)

// PublicationState ist der Veröffentlichungsstatus einer Revision.
type PublicationState int

const (
	StateIngested PublicationState = iota
	StatePublished
	StateDisabled
	StateReplaced
)

var stateLabels = [...]string{"ingested", "published", "disabled", "replaced"}

func (s PublicationState) String() string {
	if s < 0 || int(s) >= len(stateLabels) {
		return fmt.Sprintf("PublicationState(%d)", int(s))
	}
	return stateLabels[s]
}

func ParsePublicationState(label string) (PublicationState, error) {
	for i, l := range stateLabels {
		if strings.EqualFold(l, strings.TrimSpace(label)) {
			return PublicationState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown publication state %q", label)
}

func (s PublicationState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *PublicationState) UnmarshalText(b []byte) error {
	v, err := ParsePublicationState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ArticleRevision ordnet einem (DOI, Revisionsnummer) die aktuell gültigen
// Works zu. Die Artikel-Zeile trägt den Artikel-DOI, Asset-Zeilen ihren
// eigenen DOI mit derselben Revisionsnummer.
type ArticleRevision struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	DOI            string           `json:"doi" gorm:"column:doi;index:idx_article_revisions_member,unique;index:idx_article_revisions_doi_rev;size:512;not null"`
	RevisionNumber int              `json:"revision_number" gorm:"index:idx_article_revisions_member,unique;index:idx_article_revisions_doi_rev;not null"`
	WorkID         uint             `json:"work_id" gorm:"index:idx_article_revisions_member,unique;index;not null"`
	State          PublicationState `json:"state" gorm:"not null;default:0"`
}

func (ArticleRevision) TableName() string { return "article_revisions" }
