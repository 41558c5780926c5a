package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	WorkTypeArticle = "article"
	WorkTypeAsset   = "asset"

	RelationAssetOf = "assetOf"
)

// ScholarlyWork ist eine versionierte Persistenzeinheit: der Artikel selbst
// oder eines seiner Assets. Jede Ingestion erzeugt neue Zeilen.
type ScholarlyWork struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	DOI         string `json:"doi" gorm:"column:doi;index;size:512;not null"`
	WorkType    string `json:"work_type" gorm:"index;size:32;not null"`
	IngestionID string `json:"ingestion_id" gorm:"index;size:36"`

	// Manifest-Angaben zum Asset (Typ, Striking Image ...)
	Metadata datatypes.JSON `json:"metadata,omitempty"`

	Files []WorkFile `json:"files,omitempty" gorm:"foreignKey:WorkID"`
}

func (ScholarlyWork) TableName() string { return "scholarly_works" }

// WorkFile zeigt von (Work, Dateityp) auf die Version im Content-Store.
type WorkFile struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	WorkID   uint   `json:"work_id" gorm:"index:idx_work_files_type,unique;not null"`
	FileType string `json:"file_type" gorm:"index:idx_work_files_type,unique;size:255;not null"`

	StoreKey     string `json:"store_key" gorm:"size:1024;not null"`
	StoreVersion string `json:"store_version" gorm:"size:255;not null"`
	Checksum     string `json:"checksum" gorm:"size:64"`
	Size         int64  `json:"size"`
	ContentType  string `json:"content_type" gorm:"size:255"`
	Entry        string `json:"entry" gorm:"size:1024"`
}

func (WorkFile) TableName() string { return "work_files" }

// WorkRelation ist eine gerichtete Kante zwischen zwei Works (Artikel -> Asset).
type WorkRelation struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	OriginWorkID uint   `json:"origin_work_id" gorm:"index:idx_work_relations_edge,unique;not null"`
	TargetWorkID uint   `json:"target_work_id" gorm:"index:idx_work_relations_edge,unique;index;not null"`
	RelationType string `json:"relation_type" gorm:"index:idx_work_relations_edge,unique;size:64;not null"`
}

func (WorkRelation) TableName() string { return "work_relations" }
