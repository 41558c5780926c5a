package manuscript

import "strings"

// KeyPrefix ist das Präfix DOI-basierter Identifier im Manifest.
const KeyPrefix = "info:doi/"

var doiPrefixes = []string{
	KeyPrefix,
	"doi:",
	"https://doi.org/",
	"http://doi.org/",
	"https://dx.doi.org/",
	"http://dx.doi.org/",
}

// StripDOIPrefix entfernt URI-Präfixe wie "info:doi/" und liefert den reinen DOI.
func StripDOIPrefix(s string) string {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	for _, p := range doiPrefixes {
		if strings.HasPrefix(lower, p) {
			return s[len(p):]
		}
	}
	return s
}

// NormalizeDOI liefert die Vergleichsform eines DOI (ohne Präfix, klein).
// DOIs sind laut Handbuch case-insensitive.
func NormalizeDOI(s string) string {
	return strings.ToLower(StripDOIPrefix(s))
}

// SameDOI vergleicht zwei DOI-Angaben unabhängig von Präfix und Schreibweise.
func SameDOI(a, b string) bool {
	return NormalizeDOI(a) == NormalizeDOI(b)
}
