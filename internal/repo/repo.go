// Package repo implements the local APT repository builder (spec §4.6,
// component C6): it scans an output directory of .deb archives, parses
// their control metadata and file lists, and emits a deterministic
// Packages/Packages.gz/Contents-<arch>/Release tree, skipping archives
// whose (path, mtime, size) triple is unchanged since the last refresh.
package repo

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"ciel/internal/errs"
	"ciel/internal/layout"
)

// Report summarizes one Refresh: which archives were freshly parsed, which
// were skipped as unchanged, which disappeared since the last refresh, and
// which failed to parse (spec §4.6's incremental refresh, supplemented per
// SPEC_FULL.md to report add/unchanged/remove counts rather than a bare error).
type Report struct {
	Added     []string
	Unchanged []string
	Removed   []string
	Malformed []*errs.MalformedArchiveError
}

// Options parameterizes one Refresh call.
type Options struct {
	// Date is the Release file's injectable time source (spec §4.6:
	// "reflects an explicitly passed time source (injectable for tests)").
	Date time.Time
	// Components lists the suite components to record in Release;
	// defaults to {"main"} when empty.
	Components []string
	// DryRun reports the add/unchanged/removed diff without writing the
	// dists/ tree or updating the incremental scanner state (spec §5: a
	// read-only command that legitimately skips the workspace lock).
	DryRun bool
}

// Refresh runs the full C6 pipeline for one workspace output directory:
// scan debs/, diff against the bbolt-backed incremental state, parse
// changed archives with a bounded worker pool, and (re)write the entire
// dists/ tree so it stays byte-stable under unchanged input.
func Refresh(ws layout.Workspace, output string, opts Options) (*Report, error) {
	debsDir := ws.OutputDebs(output)

	store, err := OpenStore(ws.RepoIndexStatePath())
	if err != nil {
		return nil, err
	}
	defer store.Close()

	debPaths, err := listDebs(debsDir)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(debPaths))
	for _, p := range debPaths {
		present[p] = true
	}

	report := &Report{}
	var archives []*ParsedArchive
	var toParse []string

	for _, p := range debPaths {
		info, statErr := os.Stat(p)
		if statErr != nil {
			continue
		}
		rec, found, getErr := store.get(p)
		if getErr != nil {
			return nil, getErr
		}
		if found && rec.ModTime == info.ModTime().UnixNano() && rec.Size == info.Size() {
			archives = append(archives, rec.Parsed)
			report.Unchanged = append(report.Unchanged, p)
			continue
		}
		toParse = append(toParse, p)
	}

	for _, res := range parseAll(toParse) {
		if res.Err != nil {
			var malformed *errs.MalformedArchiveError
			if !errors.As(res.Err, &malformed) {
				malformed = &errs.MalformedArchiveError{Path: res.Path, Reason: "parse failed", Err: res.Err}
			}
			report.Malformed = append(report.Malformed, malformed)
			continue
		}

		info, statErr := os.Stat(res.Path)
		if statErr != nil {
			continue
		}
		if !opts.DryRun {
			rec := archiveRecord{
				ModTime: info.ModTime().UnixNano(),
				Size:    info.Size(),
				SHA256:  res.Parsed.SHA256,
				Parsed:  res.Parsed,
			}
			if err := store.put(res.Path, rec); err != nil {
				return nil, err
			}
		}
		archives = append(archives, res.Parsed)
		report.Added = append(report.Added, res.Path)
	}

	tracked, err := store.paths()
	if err != nil {
		return nil, err
	}
	for _, p := range tracked {
		if !present[p] {
			if !opts.DryRun {
				if err := store.delete(p); err != nil {
					return nil, err
				}
			}
			report.Removed = append(report.Removed, p)
		}
	}

	if !opts.DryRun {
		if err := writeIndexes(ws, output, archives, opts); err != nil {
			return nil, err
		}
	}

	sort.Strings(report.Added)
	sort.Strings(report.Unchanged)
	sort.Strings(report.Removed)
	return report, nil
}

func listDebs(debsDir string) ([]string, error) {
	entries, err := os.ReadDir(debsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".deb" {
			continue
		}
		paths = append(paths, filepath.Join(debsDir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// writeIndexes (re)writes the entire dists/ tree from archives: one
// binary-<arch> directory per concrete architecture observed (an "all"
// package is folded into every concrete architecture's Packages/Contents,
// the same convention real APT clients expect), followed by the suite
// Release file, in the generation order spec §4.6 mandates.
func writeIndexes(ws layout.Workspace, output string, archives []*ParsedArchive, opts Options) error {
	sortArchives(archives)
	debsDir := ws.OutputDebs(output)
	dists := ws.RepoDists(output)

	archSet := map[string]bool{}
	for _, pa := range archives {
		if pa.Architecture != "" && pa.Architecture != "all" {
			archSet[pa.Architecture] = true
		}
	}
	if len(archSet) == 0 {
		for _, pa := range archives {
			if pa.Architecture == "all" {
				archSet["all"] = true
			}
		}
	}
	var arches []string
	for a := range archSet {
		arches = append(arches, a)
	}
	sort.Strings(arches)

	var generated []generatedFile
	for _, arch := range arches {
		var forArch []*ParsedArchive
		for _, pa := range archives {
			if pa.Architecture == arch || pa.Architecture == "all" {
				forArch = append(forArch, pa)
			}
		}

		relBin, err := filepath.Rel(dists, ws.RepoBinaryDir(output, arch))
		if err != nil {
			return err
		}

		packagesText := buildPackagesText(forArch, debsDir)
		gf, err := writeFile(dists, filepath.Join(relBin, "Packages"), []byte(packagesText))
		if err != nil {
			return err
		}
		generated = append(generated, gf)

		gz, err := gzipBytes([]byte(packagesText))
		if err != nil {
			return err
		}
		gf, err = writeFile(dists, filepath.Join(relBin, "Packages.gz"), gz)
		if err != nil {
			return err
		}
		generated = append(generated, gf)

		contentsText := buildContentsText(forArch)
		gf, err = writeFile(dists, filepath.Join(relBin, "Contents-"+arch), []byte(contentsText))
		if err != nil {
			return err
		}
		generated = append(generated, gf)
	}

	components := opts.Components
	if len(components) == 0 {
		components = []string{"main"}
	}
	relRelease, err := filepath.Rel(dists, ws.RepoReleasePath(output))
	if err != nil {
		return err
	}
	releaseText := buildReleaseText(opts.Date, components, arches, generated)
	_, err = writeFile(dists, relRelease, []byte(releaseText))
	return err
}
