package procsearch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xfeldman/aegisvm/internal/model"
)

func TestMatchesVMByIdSubstring(t *testing.T) {
	argv := []string{"qemu-system-x86_64", "-name", "ubuntu-24.04"}
	require.True(t, matchesVM(argv, model.VMId("ubuntu-24.04")))
}

func TestMatchesVMByConfFilename(t *testing.T) {
	argv := []string{"qemu-system-x86_64", "-readconfig", "/home/u/vms/ubuntu-24.04.conf"}
	require.True(t, matchesVM(argv, model.VMId("ubuntu-24.04")))
}

func TestMatchesVMRejectsUnrelatedArgv(t *testing.T) {
	argv := []string{"qemu-system-x86_64", "-name", "windows-11"}
	require.False(t, matchesVM(argv, model.VMId("ubuntu-24.04")))
}

func TestFindReturnsNotFoundForUnknownVM(t *testing.T) {
	_, ok, err := Find(model.VMId("definitely-not-a-running-vm-xyz"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSignalOnNonexistentPIDFallsBackToKillAndErrors(t *testing.T) {
	// PID 1 is typically init/PID namespace root and not owned by the
	// test process; a wildly out-of-range PID is safer to assert against.
	err := Signal(1<<30 - 1)
	require.Error(t, err)
}
