package farming

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// normalizeID trims an account or asset identifier and puts it in Unicode
// NFC so canonically equivalent spellings address the same records.
func normalizeID(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}

func normalizeIDs(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = normalizeID(id)
	}
	return out
}
