package models

import (
	"time"

	"gorm.io/datatypes"
)

// Ingestion protokolliert jeden Ingest-Aufruf mit Endzustand und Fehler.
type Ingestion struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ArchiveName    string `json:"archive_name" gorm:"index;size:512"`
	DOI            string `json:"doi,omitempty" gorm:"column:doi;index;size:512"`
	RevisionNumber *int   `json:"revision_number,omitempty"`
	State          string `json:"state" gorm:"index;size:32"`
	Error          string `json:"error,omitempty" gorm:"type:text"`
	DurationMillis int64  `json:"duration_ms"`

	Summary datatypes.JSON `json:"summary,omitempty"`
}

func (Ingestion) TableName() string { return "ingestions" }
