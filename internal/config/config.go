// Package config implements the workspace and per-instance configuration
// store described in spec §4.2 (C2): TOML documents with forward-only
// schema migration and atomic, round-trip-stable persistence.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"ciel/internal/errs"
)

// CurrentSchemaVersion is bumped whenever a new migration step is added.
const CurrentSchemaVersion = 1

// Workspace holds the workspace-scope configuration enumerated in spec §3.
type Workspace struct {
	SchemaVersion int `toml:"schema_version"`

	Maintainer            string   `toml:"maintainer"`
	DNSSEC                bool     `toml:"dnssec"`
	LocalRepo             bool     `toml:"local_repo"`
	SourceCache           bool     `toml:"source_cache"`
	BranchExclusiveOutput bool     `toml:"branch_exclusive_output"`
	VolatileMount         bool     `toml:"volatile_mount"`
	UseAPT                bool     `toml:"use_apt"`
	ExtraAPTRepos         []string `toml:"extra_apt_repos"`
	ExtraNspawnOpts       []string `toml:"extra_nspawn_opts"`

	// undecoded is the decode metadata of the loaded document; migration
	// uses it to tell an absent key from an explicit false. Keys this
	// version of ciel doesn't recognize are not written back on save.
	undecoded toml.MetaData `toml:"-"`
}

// Instance holds the per-instance overrides enumerated in spec §3.
type Instance struct {
	SchemaVersion int `toml:"schema_version"`

	Tmpfs           bool     `toml:"tmpfs"`
	TmpfsSizeMiB    *uint32  `toml:"tmpfs_size_mib"`
	ROTree          bool     `toml:"ro_tree"`
	OutputOverride  string   `toml:"output_override"`
	ExtraAPTRepos   []string `toml:"extra_apt_repos"`
	ExtraNspawnOpts []string `toml:"extra_nspawn_opts"`

	undecoded toml.MetaData `toml:"-"`
}

// DefaultWorkspace returns a new workspace configuration with the defaults
// named in spec §3.
func DefaultWorkspace() *Workspace {
	return &Workspace{
		SchemaVersion: CurrentSchemaVersion,
		DNSSEC:        false,
		LocalRepo:     true,
		SourceCache:   true,
	}
}

// DefaultInstance returns a new per-instance configuration with no overrides.
func DefaultInstance() *Instance {
	return &Instance{SchemaVersion: CurrentSchemaVersion}
}

// LoadWorkspace loads and migrates a workspace config document. A missing
// file is not an error: the caller gets the defaults (unsaved).
func LoadWorkspace(path string) (*Workspace, error) {
	cfg := DefaultWorkspace()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, &errs.SchemaError{Field: path, Reason: "parse failed", Err: err}
	}
	cfg.undecoded = meta

	migrateWorkspace(cfg)

	return cfg, nil
}

// SaveWorkspace persists cfg atomically: write to a sibling temp file,
// fsync it, rename over the destination, then fsync the parent directory
// so the rename itself is durable (spec §4.2).
func SaveWorkspace(path string, cfg *Workspace) error {
	cfg.SchemaVersion = CurrentSchemaVersion
	return atomicWriteTOML(path, cfg)
}

// LoadInstance loads and migrates a per-instance config document.
func LoadInstance(path string) (*Instance, error) {
	cfg := DefaultInstance()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, &errs.SchemaError{Field: path, Reason: "parse failed", Err: err}
	}
	cfg.undecoded = meta

	migrateInstance(cfg)

	return cfg, nil
}

// SaveInstance persists an instance config document atomically.
func SaveInstance(path string, cfg *Instance) error {
	cfg.SchemaVersion = CurrentSchemaVersion
	return atomicWriteTOML(path, cfg)
}

func atomicWriteTOML(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &errs.IOError{Path: dir, Op: "mkdir", Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return &errs.IOError{Path: dir, Op: "create temp", Err: err}
	}
	tmpPath := tmp.Name()

	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &errs.IOError{Path: tmpPath, Op: "encode", Err: err}
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &errs.IOError{Path: tmpPath, Op: "fsync", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &errs.IOError{Path: tmpPath, Op: "close", Err: err}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return &errs.IOError{Path: path, Op: "rename", Err: err}
	}

	dirHandle, err := os.Open(dir)
	if err != nil {
		return &errs.IOError{Path: dir, Op: "open dir", Err: err}
	}
	defer dirHandle.Close()
	if err := dirHandle.Sync(); err != nil {
		return &errs.IOError{Path: dir, Op: "fsync dir", Err: err}
	}

	return nil
}

// Validate enforces the non-structural invariants spec §3 attaches to the
// workspace configuration (required before `build`, per the Config document
// description).
func (w *Workspace) Validate() error {
	if w.Maintainer == "" {
		return &errs.SchemaError{Field: "maintainer", Reason: "must be non-empty before build"}
	}
	return nil
}

// TmpfsSizeOrDefault resolves the effective tmpfs size in MiB, applying the
// "half of available RAM, capped at a platform constant" default from
// spec §4.3 when unset.
func (i *Instance) TmpfsSizeOrDefault(availableRAMMiB, platformCapMiB uint32) uint32 {
	if i.TmpfsSizeMiB != nil {
		return *i.TmpfsSizeMiB
	}
	half := availableRAMMiB / 2
	if half > platformCapMiB {
		return platformCapMiB
	}
	return half
}

// dedupInsertionOrder removes duplicate strings while preserving the order
// of first appearance, as required for extra_apt_repos / extra_nspawn_opts
// (spec §3: "ordered set of strings, deduplicated, insertion order
// preserved").
func dedupInsertionOrder(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Normalize applies the ordered-set dedup rule to both repo and nspawn-opt
// lists. LoadWorkspace does not apply it; a caller that mutates the lists
// calls it explicitly.
func (w *Workspace) Normalize() {
	w.ExtraAPTRepos = dedupInsertionOrder(w.ExtraAPTRepos)
	w.ExtraNspawnOpts = dedupInsertionOrder(w.ExtraNspawnOpts)
}

// Normalize applies the ordered-set dedup rule to an instance's overrides.
func (i *Instance) Normalize() {
	i.ExtraAPTRepos = dedupInsertionOrder(i.ExtraAPTRepos)
	i.ExtraNspawnOpts = dedupInsertionOrder(i.ExtraNspawnOpts)
}

// MergedNspawnOpts concatenates workspace defaults and instance overrides in
// the deterministic order spec §4.4 requires: workspace defaults first,
// then instance overrides.
func MergedNspawnOpts(ws *Workspace, inst *Instance) []string {
	out := make([]string, 0, len(ws.ExtraNspawnOpts)+len(inst.ExtraNspawnOpts))
	out = append(out, ws.ExtraNspawnOpts...)
	out = append(out, inst.ExtraNspawnOpts...)
	return dedupInsertionOrder(out)
}

// MergedAPTRepos concatenates workspace defaults and instance overrides
// with the same ordering rule as MergedNspawnOpts.
func MergedAPTRepos(ws *Workspace, inst *Instance) []string {
	out := make([]string, 0, len(ws.ExtraAPTRepos)+len(inst.ExtraAPTRepos))
	out = append(out, ws.ExtraAPTRepos...)
	out = append(out, inst.ExtraAPTRepos...)
	return dedupInsertionOrder(out)
}
