package parser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xfeldman/aegisvm/internal/model"
)

func TestExtractVariables(t *testing.T) {
	content := "\n# Comment line\nguest_os=\"ubuntu\"\ncpu_cores=4\nram=\"4G\"\n\ndisk_img=\"/path/to/disk.qcow2\"\n"
	vars := extractVariables(content)
	require.Equal(t, `"ubuntu"`, vars["guest_os"])
	require.Equal(t, "4", vars["cpu_cores"])
	require.Equal(t, `"4G"`, vars["ram"])
	require.Equal(t, `"/path/to/disk.qcow2"`, vars["disk_img"])
	_, hasComment := vars["# Comment line"]
	require.False(t, hasComment)
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vm.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParseBasicConfig(t *testing.T) {
	path := writeTemp(t, `
guest_os="ubuntu"
cpu_cores=4
ram="4G"
disk_img="/path/to/disk.qcow2"
display_server="spice"
ssh_port=22220
`)
	cfg, err := Parse(path)
	require.NoError(t, err)
	require.Equal(t, "ubuntu", cfg.GuestOS)
	require.Equal(t, uint32(4), cfg.CPUCores)
	require.Equal(t, "4G", cfg.RAM)
	require.Equal(t, "/path/to/disk.qcow2", cfg.DiskImg)
	require.True(t, cfg.HasSSHPort)
	require.Equal(t, uint16(22220), cfg.SSHPort)
	require.Equal(t, model.DisplaySpice, cfg.Display.Kind)
	require.Equal(t, 5930, cfg.Display.Port)
}

func TestParseMinimalConfig(t *testing.T) {
	path := writeTemp(t, "\nguest_os=\"fedora\"\n")
	cfg, err := Parse(path)
	require.NoError(t, err)
	require.Equal(t, "fedora", cfg.GuestOS)
	require.Equal(t, defaultCPUCores, cfg.CPUCores)
	require.Equal(t, defaultRAM, cfg.RAM)
	require.Empty(t, cfg.DiskImg)
}

func TestParseVNCDisplay(t *testing.T) {
	path := writeTemp(t, "\nguest_os=\"debian\"\ndisplay_server=\"vnc\"\n")
	cfg, err := Parse(path)
	require.NoError(t, err)
	require.Equal(t, model.DisplayVNC, cfg.Display.Kind)
	require.Equal(t, 5900, cfg.Display.Port)
}

func TestParseInvalidCPUCoresFallsBackToDefault(t *testing.T) {
	path := writeTemp(t, "\nguest_os=\"arch\"\ncpu_cores=invalid\n")
	cfg, err := Parse(path)
	require.NoError(t, err)
	require.Equal(t, defaultCPUCores, cfg.CPUCores)
}

func TestParseNonexistentFile(t *testing.T) {
	_, err := Parse("/nonexistent/file.conf")
	require.Error(t, err)
}

func TestParseDiskSizeZeroIsPreservedNotUnspecified(t *testing.T) {
	path := writeTemp(t, "\nguest_os=\"ubuntu\"\ndisk_size=\"0\"\n")
	cfg, err := Parse(path)
	require.NoError(t, err)
	require.Equal(t, "0", cfg.DiskSize)
}

func TestRoundTripRecognizedFields(t *testing.T) {
	cfg := model.VMConfig{
		GuestOS:    "ubuntu",
		RAM:        "4G",
		CPUCores:   4,
		DiskImg:    "/data/disk.qcow2",
		Display:    model.VNCDisplay(),
		SSHPort:    2222,
		HasSSHPort: true,
	}
	path := filepath.Join(t.TempDir(), "vm.conf")
	require.NoError(t, Save(path, cfg))

	reparsed, err := Parse(path)
	require.NoError(t, err)
	require.Equal(t, cfg.GuestOS, reparsed.GuestOS)
	require.Equal(t, cfg.RAM, reparsed.RAM)
	require.Equal(t, cfg.CPUCores, reparsed.CPUCores)
	require.Equal(t, cfg.DiskImg, reparsed.DiskImg)
	require.Equal(t, cfg.Display.Kind, reparsed.Display.Kind)
	require.Equal(t, cfg.SSHPort, reparsed.SSHPort)
}
