package api

import (
	"strings"

	"golang.org/x/mod/semver"
)

// CompareVersions orders two release tags. Dotted-numeric tags ("3.10",
// "v3.9.1") compare numerically; anything semver cannot parse falls back
// to LegacyCompare.
func CompareVersions(a, b string) int {
	va, vb := canonical(a), canonical(b)
	if semver.IsValid(va) && semver.IsValid(vb) {
		return semver.Compare(va, vb)
	}
	return LegacyCompare(a, b)
}

// LegacyCompare strips a leading "v" and compares the rest as strings.
// This is the ordering older release tags were published against; note
// that it sorts "3.9" after "3.10".
func LegacyCompare(a, b string) int {
	return strings.Compare(strings.TrimPrefix(a, "v"), strings.TrimPrefix(b, "v"))
}

func canonical(v string) string {
	return "v" + strings.TrimPrefix(strings.TrimSpace(v), "v")
}
