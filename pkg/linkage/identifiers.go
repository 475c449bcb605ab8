package linkage

import (
	"github.com/synaptica-ai/fdm/pkg/query"
	"github.com/synaptica-ai/fdm/pkg/warehouse"
)

const (
	PersonIDColumn = "person_id"
	DigestColumn   = "digest"
	EDRNColumn     = "EDRN"
)

// Identifiers is the closed identifier vocabulary in priority order.
var Identifiers = []string{PersonIDColumn, DigestColumn, EDRNColumn}

// IdentifierColumns returns the canonical names of the identifiers present in
// cols, matched case-insensitively, in priority order.
func IdentifierColumns(cols []query.Column) []string {
	var out []string
	for _, id := range Identifiers {
		if _, ok := warehouse.FindColumn(cols, id); ok {
			out = append(out, id)
		}
	}
	return out
}

// identifierRenames maps differently-cased identifier columns to their
// canonical spelling.
func identifierRenames(cols []query.Column) map[string]string {
	renames := make(map[string]string)
	for _, id := range Identifiers {
		if warehouse.HasColumn(cols, id) {
			continue
		}
		if col, ok := warehouse.FindColumn(cols, id); ok {
			renames[col.Name] = id
		}
	}
	return renames
}

func hasCanonicalIdentifiers(cols []query.Column) bool {
	return len(identifierRenames(cols)) == 0
}

// chooseLookupIdentifier picks digest before EDRN. ambiguous is set when both
// are present.
func chooseLookupIdentifier(ids []string) (id string, ambiguous bool) {
	var hasDigest, hasEDRN bool
	for _, c := range ids {
		switch c {
		case DigestColumn:
			hasDigest = true
		case EDRNColumn:
			hasEDRN = true
		}
	}
	switch {
	case hasDigest:
		return DigestColumn, hasEDRN
	case hasEDRN:
		return EDRNColumn, false
	default:
		return "", false
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
