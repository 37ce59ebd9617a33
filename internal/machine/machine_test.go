package machine

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnitNameStableAndCollisionResistant(t *testing.T) {
	a := UnitName("/ws/one", "default")
	b := UnitName("/ws/one", "default")
	require.Equal(t, a, b)

	c := UnitName("/ws/two", "default")
	require.NotEqual(t, a, c)

	d := UnitName("/ws/one", "other")
	require.NotEqual(t, a, d)
}

func TestUnitNameIsValidSystemdUnitName(t *testing.T) {
	name := UnitName("/ws/one", "default")
	require.True(t, len(name) <= 255)
	require.Regexp(t, `^ciel-[0-9a-f]{16}\.service$`, name)
}

func TestMachineNameSanitizesInstance(t *testing.T) {
	require.Equal(t, "ciel-build-1", MachineName("build.1"))
	require.Equal(t, "ciel-default", MachineName("default"))
}

func TestStatusString(t *testing.T) {
	require.Equal(t, "absent", Absent.String())
	require.Equal(t, "starting", Starting.String())
	require.Equal(t, "running", Running.String())
	require.Equal(t, "degraded", Degraded.String())
}

func TestAsExitErrorExtractsCode(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 7")
	err := cmd.Run()
	require.Error(t, err)

	var exitErr *exec.ExitError
	require.True(t, asExitError(err, &exitErr))
	require.Equal(t, 7, exitErr.ExitCode())
}
