package mountstack

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ciel/internal/logx"
)

// TestDefaultTmpfsSizeMiBNeverZero guards against a Sysinfo failure (e.g. in
// a restricted container) silently producing a 0 MiB tmpfs request.
func TestDefaultTmpfsSizeMiBNeverZero(t *testing.T) {
	require.Greater(t, DefaultTmpfsSizeMiB(), uint32(0))
}

// TestUnmountRetryTreatsMissingAsSuccess exercises the "not a mount point"
// branch: unmounting a plain directory must not be reported as failure,
// since release treats an already-gone mount as success (spec §4.3).
func TestUnmountRetryTreatsMissingAsSuccess(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "plain")
	require.NoError(t, os.Mkdir(plain, 0o755))

	require.NoError(t, unmountRetry(plain, 3, 0))
}

// TestVerifyAbsentTarget confirms Verify reports false (not an error) for a
// merged root that was never mounted.
func TestVerifyAbsentTarget(t *testing.T) {
	dir := t.TempDir()
	present, err := Verify(filepath.Join(dir, "never-mounted"), logx.NoOp{})
	require.NoError(t, err)
	require.False(t, present)
}

// TestStackAppliedTargetsOrderIsApplicationOrder confirms that AppliedTargets
// reflects the exact order Apply mounted things in, since Release depends on
// reversing it precisely (spec §4.3: union root, tree, cache, local-repo,
// output, extras; release is the strict reverse).
func TestStackAppliedTargetsOrderIsApplicationOrder(t *testing.T) {
	s := &Stack{applied: []mounted{
		{target: "/merged"},
		{target: "/merged/tree"},
		{target: "/merged/cache"},
	}}
	require.Equal(t, []string{"/merged", "/merged/tree", "/merged/cache"}, s.AppliedTargets())
}
