package repo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pault.ag/go/debian/control"
)

func archiveFor(name, version, arch string) *ParsedArchive {
	return &ParsedArchive{
		Name:         name,
		Version:      version,
		Architecture: arch,
		Section:      "utils",
		Control: &control.Paragraph{
			Values: map[string]string{"Package": name, "Version": version, "Architecture": arch},
			Order:  []string{"Package", "Version", "Architecture"},
		},
		Files:  []string{"usr/bin/" + name},
		Size:   1234,
		SHA256: "deadbeef",
	}
}

func TestSortArchivesOrdersByNameThenVersionThenArch(t *testing.T) {
	archives := []*ParsedArchive{
		archiveFor("zeta", "1.0", "amd64"),
		archiveFor("alpha", "2.0", "amd64"),
		archiveFor("alpha", "1.0", "i386"),
		archiveFor("alpha", "1.0", "amd64"),
	}
	sortArchives(archives)

	var order [][3]string
	for _, a := range archives {
		order = append(order, [3]string{a.Name, a.Version, a.Architecture})
	}
	require.Equal(t, [][3]string{
		{"alpha", "1.0", "amd64"},
		{"alpha", "1.0", "i386"},
		{"alpha", "2.0", "amd64"},
		{"zeta", "1.0", "amd64"},
	}, order)
}

func TestBuildPackagesTextIsByteStable(t *testing.T) {
	archives := []*ParsedArchive{archiveFor("foo", "1.0", "amd64")}
	a := buildPackagesText(archives, "/debs")
	b := buildPackagesText(archives, "/debs")
	require.Equal(t, a, b)
	require.Contains(t, a, "Package: foo\n")
	require.Contains(t, a, "SHA256: deadbeef\n")
}

func TestBuildContentsTextSortedByPath(t *testing.T) {
	archives := []*ParsedArchive{
		archiveFor("b", "1.0", "amd64"),
		archiveFor("a", "1.0", "amd64"),
	}
	archives[0].Files = []string{"usr/bin/zzz"}
	archives[1].Files = []string{"usr/bin/aaa"}

	text := buildContentsText(archives)
	require.Equal(t, "usr/bin/aaa\tutils/a\nusr/bin/zzz\tutils/b\n", text)
}

func TestBuildReleaseTextListsSortedFiles(t *testing.T) {
	date := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	files := []generatedFile{
		{RelPath: "stable/main/binary-amd64/Packages", Size: 10, SHA256: "aa"},
		{RelPath: "stable/Release", Size: 1, SHA256: "bb"},
	}
	text := buildReleaseText(date, []string{"main"}, []string{"amd64"}, files)
	require.Contains(t, text, "Architectures: amd64\n")
	require.Contains(t, text, "Components: main\n")
	require.Contains(t, text, " aa 10 stable/main/binary-amd64/Packages\n")
}
