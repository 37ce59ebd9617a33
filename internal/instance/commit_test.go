package instance

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestApplyUpperOntoOverwritesAndAdds(t *testing.T) {
	base := t.TempDir()
	upper := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(base, "kept.txt"), []byte("base"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "overwritten.txt"), []byte("old"), 0o644))

	require.NoError(t, os.WriteFile(filepath.Join(upper, "overwritten.txt"), []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(upper, "added.txt"), []byte("added"), 0o644))

	require.NoError(t, applyUpperOnto(upper, base))

	kept, err := os.ReadFile(filepath.Join(base, "kept.txt"))
	require.NoError(t, err)
	require.Equal(t, "base", string(kept))

	overwritten, err := os.ReadFile(filepath.Join(base, "overwritten.txt"))
	require.NoError(t, err)
	require.Equal(t, "new", string(overwritten))

	added, err := os.ReadFile(filepath.Join(base, "added.txt"))
	require.NoError(t, err)
	require.Equal(t, "added", string(added))
}

func TestApplyUpperOntoWhiteoutRemovesBaseEntry(t *testing.T) {
	base := t.TempDir()
	upper := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(base, "gone.txt"), []byte("base"), 0o644))

	whiteout := filepath.Join(upper, "gone.txt")
	if err := unix.Mknod(whiteout, unix.S_IFCHR|0o644, 0); err != nil {
		t.Skipf("mknod requires CAP_MKNOD, unavailable in this environment: %v", err)
	}

	require.NoError(t, applyUpperOnto(upper, base))

	_, err := os.Stat(filepath.Join(base, "gone.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestApplyUpperOntoSubdirectoryMerge(t *testing.T) {
	base := t.TempDir()
	upper := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(base, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "sub", "a.txt"), []byte("a"), 0o644))

	require.NoError(t, os.MkdirAll(filepath.Join(upper, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(upper, "sub", "b.txt"), []byte("b"), 0o644))

	require.NoError(t, applyUpperOnto(upper, base))

	a, err := os.ReadFile(filepath.Join(base, "sub", "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "a", string(a))

	b, err := os.ReadFile(filepath.Join(base, "sub", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "b", string(b))
}
