package repo

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"ciel/internal/errs"
)

func TestParseArchiveEndToEnd(t *testing.T) {
	dir := t.TempDir()
	path := makeDeb(t, dir, "hello", "1.0-1", "amd64", map[string]string{
		"./usr/bin/hello": "binary-content",
		"./usr/share/doc/hello/copyright": "license",
	})

	pa, err := ParseArchive(path)
	require.NoError(t, err)
	require.Equal(t, "hello", pa.Name)
	require.Equal(t, "1.0-1", pa.Version)
	require.Equal(t, "amd64", pa.Architecture)
	require.ElementsMatch(t, []string{"usr/bin/hello", "usr/share/doc/hello/copyright"}, pa.Files)
	require.NotEmpty(t, pa.SHA256)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, info.Size(), pa.Size)
}

func TestParseArchiveMissingDataMemberIsMalformed(t *testing.T) {
	dir := t.TempDir()
	control := "Package: bare\nVersion: 1\nArchitecture: all\n"
	controlTar := tarGzOf(t, map[string]string{"control": control})

	path := dir + "/bare_1_all.deb"
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, writeAr(f, []struct {
		Name string
		Data []byte
	}{
		{Name: "control.tar.gz", Data: controlTar},
	}))
	require.NoError(t, f.Close())

	_, err = ParseArchive(path)
	require.Error(t, err)
	var malformed *errs.MalformedArchiveError
	require.ErrorAs(t, err, &malformed)
}

func TestParseArchiveBogusFileIsMalformed(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/bogus.deb"
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	_, err := ParseArchive(path)
	require.Error(t, err)
	var malformed *errs.MalformedArchiveError
	require.ErrorAs(t, err, &malformed)
}
