package model

import (
	"regexp"
	"strings"
)

// taxIDPattern is the 15-character registration format: state code, PAN,
// entity number, the literal Z, and a check character.
var taxIDPattern = regexp.MustCompile(`^[0-9]{2}[A-Z]{5}[0-9]{4}[A-Z][1-9A-Z]Z[0-9A-Z]$`)

// NormalizeTaxID trims and upper-cases a tax id.
func NormalizeTaxID(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ValidTaxID reports whether s is a well-formed tax id. s must already be
// normalized.
func ValidTaxID(s string) bool {
	return taxIDPattern.MatchString(s)
}
