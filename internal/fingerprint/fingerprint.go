// Package fingerprint implements the pure, restart-stable deduplication keys
// of §4.2: title normalization, the title+year fingerprint, and identifier
// normalization for DOI and arXiv ids. Nothing here performs I/O or logs —
// these functions must be stable across process restarts because they are
// the primary keys the rest of the system dedups on.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeTitle lowercases, NFKD-folds, strips non-alphanumerics, and
// collapses whitespace, per §4.2. Idempotent: NormalizeTitle(NormalizeTitle(s))
// == NormalizeTitle(s), which is what P1 (fingerprint stability) relies on.
func NormalizeTitle(s string) string {
	lowered := strings.ToLower(s)
	folded := norm.NFKD.String(lowered)
	// Drop combining marks left behind by NFKD folding (e.g. accents).
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if isCombiningMark(r) {
			continue
		}
		b.WriteRune(r)
	}
	collapsed := nonAlphanumeric.ReplaceAllString(b.String(), " ")
	return strings.TrimSpace(collapsed)
}

// isCombiningMark reports whether r is a Unicode combining diacritical mark,
// the category NFKD folding separates out from its base letter.
func isCombiningMark(r rune) bool {
	return r >= 0x0300 && r <= 0x036F
}

// Fingerprint returns the stable dedup key hash(normalized_title | year).
// year is the empty string when the publication year is unknown.
func Fingerprint(title string, year string) string {
	normalized := NormalizeTitle(title)
	sum := sha256.Sum256([]byte(normalized + "|" + year))
	return hex.EncodeToString(sum[:16])
}

// FingerprintYear is a convenience wrapper for callers holding an int year
// (0 meaning unknown).
func FingerprintYear(title string, year int) string {
	if year <= 0 {
		return Fingerprint(title, "")
	}
	return Fingerprint(title, strconv.Itoa(year))
}

// NormalizeDOI lowercases a DOI and strips a leading "https://doi.org/",
// "http://doi.org/", "doi.org/" or "doi:"/"DOI:" prefix, so
// "https://doi.org/10.1000/XYZ" and "10.1000/xyz" normalize identically.
// Other hosts (such as dx.doi.org) are not stripped.
func NormalizeDOI(doi string) string {
	d := strings.TrimSpace(doi)
	d = strings.TrimPrefix(d, "https://doi.org/")
	d = strings.TrimPrefix(d, "http://doi.org/")
	d = strings.TrimPrefix(d, "doi.org/")
	d = strings.TrimPrefix(d, "DOI:")
	d = strings.TrimPrefix(d, "doi:")
	d = strings.TrimSpace(d)
	return strings.ToLower(d)
}

var (
	arxivNew = regexp.MustCompile(`^(\d{4}\.\d{4,5})(v\d+)?$`)
	arxivOld = regexp.MustCompile(`^([a-z-]+(?:\.[a-z]{2})?/\d{7})(v\d+)?$`)
)

// NormalizeArxivID canonicalizes both the old (category/YYMMnnn) and new
// (YYMM.NNNNN(vN)?) arXiv id forms to their version-less form, per §4.2.
func NormalizeArxivID(id string) string {
	trimmed := strings.TrimSpace(id)
	trimmed = strings.TrimPrefix(trimmed, "arXiv:")
	trimmed = strings.TrimPrefix(trimmed, "arxiv:")
	trimmed = strings.TrimSpace(trimmed)

	if m := arxivNew.FindStringSubmatch(trimmed); m != nil {
		return m[1]
	}
	if m := arxivOld.FindStringSubmatch(strings.ToLower(trimmed)); m != nil {
		return m[1]
	}
	return strings.ToLower(trimmed)
}
