package repo

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// fixedFields is the schema order spec §4.6 requires ("Field order within
// each record follows a fixed schema"). Any control field not listed here
// is appended afterward, in the order it appeared in the original control
// paragraph, so nothing a package declares is silently dropped.
var fixedFields = []string{
	"Package", "Version", "Architecture", "Maintainer",
	"Installed-Size", "Depends", "Recommends", "Suggests",
	"Section", "Priority", "Description",
}

// sortArchives orders parsed archives per spec §4.6's determinism rule:
// name ascending, then Debian version ordering, then architecture ascending.
func sortArchives(archives []*ParsedArchive) {
	sort.Slice(archives, func(i, j int) bool {
		a, b := archives[i], archives[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Version != b.Version {
			return compareVersions(a.Version, b.Version) < 0
		}
		return a.Architecture < b.Architecture
	})
}

// packagesEntry renders one Packages stanza for pa. filename is the path
// recorded under the output tree's debs/ subdirectory.
func packagesEntry(pa *ParsedArchive, filename string) string {
	var buf bytes.Buffer
	seen := map[string]bool{}

	write := func(key, val string) {
		if val == "" {
			return
		}
		fmt.Fprintf(&buf, "%s: %s\n", key, strings.ReplaceAll(val, "\n", "\n "))
	}

	for _, key := range fixedFields {
		seen[key] = true
		write(key, controlValue(pa.Control, key))
	}
	for _, key := range pa.Control.Order {
		if seen[key] {
			continue
		}
		seen[key] = true
		write(key, controlValue(pa.Control, key))
	}

	fmt.Fprintf(&buf, "Filename: %s\n", filename)
	fmt.Fprintf(&buf, "Size: %d\n", pa.Size)
	fmt.Fprintf(&buf, "SHA256: %s\n", pa.SHA256)
	return buf.String()
}

// buildPackagesText renders the full Packages index: every archive's
// stanza, separated by a single blank line, LF line endings throughout.
func buildPackagesText(archives []*ParsedArchive, debsDir string) string {
	var buf bytes.Buffer
	for i, pa := range archives {
		if i > 0 {
			buf.WriteString("\n")
		}
		rel, err := filepath.Rel(debsDir, pa.Path)
		if err != nil {
			rel = filepath.Base(pa.Path)
		}
		buf.WriteString(packagesEntry(pa, rel))
	}
	return buf.String()
}

// buildContentsText renders a Contents-<arch> file: one
// "<file-path>\t<section/name>" line per (file, package) pair, sorted by
// file path (spec §4.6 Contents file).
func buildContentsText(archives []*ParsedArchive) string {
	type line struct{ path, owner string }
	var lines []line
	for _, pa := range archives {
		section := pa.Section
		if section == "" {
			section = "unknown"
		}
		owner := section + "/" + pa.Name
		for _, f := range pa.Files {
			lines = append(lines, line{path: f, owner: owner})
		}
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].path != lines[j].path {
			return lines[i].path < lines[j].path
		}
		return lines[i].owner < lines[j].owner
	})

	var buf bytes.Buffer
	for _, l := range lines {
		fmt.Fprintf(&buf, "%s\t%s\n", l.path, l.owner)
	}
	return buf.String()
}

// generatedFile is one file listed in the Release SHA256 block.
type generatedFile struct {
	RelPath string
	Size    int64
	SHA256  string
}

func hashBytes(b []byte) (string, int64) {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), int64(len(b))
}

// writeFile writes data to path atomically enough for a batch regeneration
// (truncate-write; the whole dists/ tree is rebuilt under the workspace
// lock, so a torn write is never observed by a concurrent reader per spec
// §5's locking model) and returns its generatedFile descriptor relative to
// root.
func writeFile(root, relPath string, data []byte) (generatedFile, error) {
	full := filepath.Join(root, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return generatedFile{}, err
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return generatedFile{}, err
	}
	sum, size := hashBytes(data)
	return generatedFile{RelPath: relPath, Size: size, SHA256: sum}, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// buildReleaseText renders the suite Release file: a key-value paragraph
// with Date, Architectures, Components, and a SHA256 block (spec §4.6
// Release file).
func buildReleaseText(date time.Time, components, architectures []string, files []generatedFile) string {
	archs := append([]string(nil), architectures...)
	sort.Strings(archs)
	comps := append([]string(nil), components...)
	sort.Strings(comps)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Date: %s\n", date.UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Architectures: %s\n", strings.Join(archs, " "))
	fmt.Fprintf(&buf, "Components: %s\n", strings.Join(comps, " "))
	buf.WriteString("SHA256:\n")

	sorted := append([]generatedFile(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RelPath < sorted[j].RelPath })
	for _, f := range sorted {
		fmt.Fprintf(&buf, " %s %s %s\n", f.SHA256, strconv.FormatInt(f.Size, 10), f.RelPath)
	}
	return buf.String()
}
