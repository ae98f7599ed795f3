// Package procsearch finds and signals the emulator process for a VM.
//
// Because the launcher double-forks, the emulator is never a direct
// child of this control plane. Grounded on
// original_source/core/src/services/vm_manager.rs::check_vm_running_externally:
// the primary lookup scans the host process table (via gopsutil, the Go
// analogue of the Rust `sysinfo` crate) for a process whose argv[0]
// contains the emulator prefix and whose argv contains either
// the VMId or "<id>.conf"; a `ps aux` + manual parse fallback covers
// environments (e.g. restricted containers) where gopsutil's /proc
// reads are unreliable.
package procsearch

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	gopsprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/xfeldman/aegisvm/internal/model"
)

// EmulatorPrefix is the executable-name prefix identifying a quickemu
// emulator process.
const EmulatorPrefix = "qemu-system"

// Find returns the PID of the running emulator process for id, or ok=false
// if none is found.
func Find(id model.VMId) (pid int32, ok bool, err error) {
	pid, ok, err = findViaGopsutil(id)
	if err == nil {
		return pid, ok, nil
	}
	// gopsutil's process-table walk failed outright (not just "no match");
	// fall back to shelling out, matching the original's container-environment
	// accommodation.
	return findViaPS(id)
}

func findViaGopsutil(id model.VMId) (int32, bool, error) {
	procs, err := gopsprocess.Processes()
	if err != nil {
		return 0, false, fmt.Errorf("list processes: %w", err)
	}
	for _, p := range procs {
		argv, err := p.CmdlineSlice()
		if err != nil || len(argv) == 0 {
			continue
		}
		if !strings.Contains(argv[0], EmulatorPrefix) {
			continue
		}
		if matchesVM(argv, id) {
			return p.Pid, true, nil
		}
	}
	return 0, false, nil
}

func matchesVM(argv []string, id model.VMId) bool {
	idStr := string(id)
	confName := idStr + ".conf"
	for _, arg := range argv {
		if strings.Contains(arg, idStr) || strings.Contains(arg, confName) {
			return true
		}
	}
	return false
}

func findViaPS(id model.VMId) (int32, bool, error) {
	out, err := exec.Command("ps", "aux").Output()
	if err != nil {
		return 0, false, fmt.Errorf("ps aux fallback: %w", err)
	}
	lines := strings.Split(string(out), "\n")
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 11 {
			continue
		}
		pidField := fields[1]
		cmd := strings.Join(fields[10:], " ")
		if !strings.Contains(cmd, EmulatorPrefix) {
			continue
		}
		if matchesVM(strings.Fields(cmd), id) {
			pid, err := strconv.ParseInt(pidField, 10, 32)
			if err != nil {
				continue
			}
			return int32(pid), true, nil
		}
	}
	return 0, false, nil
}

// Signal sends the OS terminate signal to pid, falling back to shelling
// out to `kill` if the in-process signal delivery fails.
func Signal(pid int32) error {
	p, err := gopsprocess.NewProcess(pid)
	if err == nil {
		if err := p.Terminate(); err == nil {
			return nil
		}
	}
	if err := exec.Command("kill", strconv.FormatInt(int64(pid), 10)).Run(); err != nil {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return nil
}
