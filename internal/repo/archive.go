package repo

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"pault.ag/go/debian/control"
	"pault.ag/go/debian/deb"

	"ciel/internal/errs"
)

// ParsedArchive is everything the repository builder keeps from one .deb,
// per spec §4.6's parsing pipeline.
type ParsedArchive struct {
	Path         string
	Name         string
	Version      string
	Architecture string
	Section      string
	Control      *control.Paragraph
	Files        []string
	Size         int64
	SHA256       string
}

// ParseArchive runs the §4.6 parsing pipeline over one .deb: open the
// ar(1) container, decompress and parse control.tar.* and data.tar.*, and
// hash the raw file bytes. Either member missing yields
// errs.MalformedArchiveError, never a partial result.
func ParseArchive(path string) (*ParsedArchive, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sum := sha256.New()
	d, err := deb.Load(io.TeeReader(f, sum), path)
	if err != nil {
		return nil, &errs.MalformedArchiveError{Path: path, Reason: "not a valid ar/deb archive", Err: err}
	}

	files, err := listDataMember(d.Data)
	if err != nil {
		return nil, &errs.MalformedArchiveError{Path: path, Reason: "data member", Err: err}
	}

	if _, err := io.Copy(sum, f); err != nil {
		return nil, &errs.MalformedArchiveError{Path: path, Reason: "hash archive", Err: err}
	}

	ctrl := d.Control
	return &ParsedArchive{
		Path:         path,
		Name:         controlValue(&ctrl, "Package"),
		Version:      controlValue(&ctrl, "Version"),
		Architecture: controlValue(&ctrl, "Architecture"),
		Section:      controlValue(&ctrl, "Section"),
		Control:      &ctrl,
		Files:        files,
		Size:         info.Size(),
		SHA256:       hex.EncodeToString(sum.Sum(nil)),
	}, nil
}

// controlValue reads a field out of a pault.ag/go/debian/control.Paragraph
// without assuming it exports a getter of its own.
func controlValue(p *control.Paragraph, key string) string {
	return p.Values[key]
}

// listDataMember walks data.tar, already decompressed by deb.Load, keeping
// the relative path of each regular-file entry without reading its content
// (spec §4.6 step 3).
func listDataMember(tr *tar.Reader) ([]string, error) {
	var files []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		files = append(files, strings.TrimPrefix(hdr.Name, "./"))
	}
	return files, nil
}
