package repo

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// arMagic and arHeaderLen mirror the fixed ar(1) layout (deb(5)): an 8-byte
// magic followed by 60-byte member headers. Production parsing of this
// format is pault.ag/go/debian/deb's job (see archive.go); this is just
// enough to hand-assemble a syntactically valid .deb fixture for tests.
const (
	arMagic     = "!<arch>\n"
	arHeaderLen = 60
)

// writeAr writes a minimal ar(1) archive containing members in order.
func writeAr(w io.Writer, members []struct {
	Name string
	Data []byte
}) error {
	if _, err := io.WriteString(w, arMagic); err != nil {
		return err
	}
	for _, m := range members {
		hdr := make([]byte, arHeaderLen)
		for i := range hdr {
			hdr[i] = ' '
		}
		copy(hdr[0:], m.Name)
		copy(hdr[48:], fmt.Sprintf("%d", len(m.Data)))
		hdr[58] = '`'
		hdr[59] = '\n'
		if _, err := w.Write(hdr); err != nil {
			return err
		}
		if _, err := w.Write(m.Data); err != nil {
			return err
		}
		if len(m.Data)%2 == 1 {
			if _, err := w.Write([]byte{'\n'}); err != nil {
				return err
			}
		}
	}
	return nil
}

func tarGzOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// makeDeb writes a syntactically valid .deb (ar containing a gzip'd
// control.tar and data.tar) to dir, returning its path.
func makeDeb(t *testing.T, dir, name, version, arch string, dataFiles map[string]string) string {
	t.Helper()

	control := fmt.Sprintf("Package: %s\nVersion: %s\nArchitecture: %s\nMaintainer: ciel <ciel@example.invalid>\nDescription: test package\n for %s\n", name, version, arch, name)
	controlTar := tarGzOf(t, map[string]string{"control": control})
	dataTar := tarGzOf(t, dataFiles)

	path := filepath.Join(dir, fmt.Sprintf("%s_%s_%s.deb", name, version, arch))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, writeAr(f, []struct {
		Name string
		Data []byte
	}{
		{Name: "debian-binary", Data: []byte("2.0\n")},
		{Name: "control.tar.gz", Data: controlTar},
		{Name: "data.tar.gz", Data: dataTar},
	}))
	return path
}
