package manifest

// AssetKind unterscheidet das Element, aus dem ein Asset stammt.
type AssetKind int

const (
	KindArticle AssetKind = iota
	KindObject
)

func (k AssetKind) String() string {
	switch k {
	case KindArticle:
		return "article"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// AssetType ist die geschlossene Menge der erlaubten Asset-Typen.
type AssetType string

const (
	TypeArticle                 AssetType = "article"
	TypeFigure                  AssetType = "figure"
	TypeTable                   AssetType = "table"
	TypeGraphic                 AssetType = "graphic"
	TypeSupplementaryMaterial   AssetType = "supplementaryMaterial"
	TypeStandaloneStrikingImage AssetType = "standaloneStrikingImage"
)

var knownAssetTypes = map[string]AssetType{
	string(TypeArticle):                 TypeArticle,
	string(TypeFigure):                  TypeFigure,
	string(TypeTable):                   TypeTable,
	string(TypeGraphic):                 TypeGraphic,
	string(TypeSupplementaryMaterial):   TypeSupplementaryMaterial,
	string(TypeStandaloneStrikingImage): TypeStandaloneStrikingImage,
}

// ParseAssetType löst einen Identifier aus dem Manifest auf.
func ParseAssetType(s string) (AssetType, bool) {
	t, ok := knownAssetTypes[s]
	return t, ok
}
