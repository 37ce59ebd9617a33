package repo

import (
	"strings"

	"pault.ag/go/debian/version"
)

// compareVersions orders a and b per Debian version-comparison rules (spec
// §4.6 determinism: "version using Debian version ordering"), via the same
// library manifests/dpvpro-deber depends on. A version string that fails to
// parse (malformed epoch/upstream/revision) falls back to a byte-wise
// compare so a single bad package never aborts the whole sort.
func compareVersions(a, b string) int {
	va, erra := version.Parse(a)
	vb, errb := version.Parse(b)
	if erra != nil || errb != nil {
		return strings.Compare(a, b)
	}
	return version.Compare(va, vb)
}
