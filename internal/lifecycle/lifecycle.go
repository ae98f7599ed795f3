// Package lifecycle starts, stops, and polls the status of VM emulator
// processes, and creates new VMs from templates.
//
// Grounded on original_source/core/src/services/vm_manager.rs for the
// start/stop/status/create-from-template/console-session-opening
// operations, restructured using the teacher's
// internal/lifecycle.Manager/Instance concurrency idiom: a per-instance
// sync.Mutex guards each VM's transient bookkeeping, and a map-level
// sync.Mutex guards the instance map itself. The map-level mutex is held
// only for map access. The per-instance mutex is held for the whole of a
// Start or Stop call, including the process spawn, the startup grace
// wait, the process probe and the signal, so calls for the same VM run
// one after another.
package lifecycle

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/xfeldman/aegisvm/internal/binaries"
	"github.com/xfeldman/aegisvm/internal/discovery"
	"github.com/xfeldman/aegisvm/internal/logstore"
	"github.com/xfeldman/aegisvm/internal/model"
	"github.com/xfeldman/aegisvm/internal/monitor"
	"github.com/xfeldman/aegisvm/internal/procsearch"
	"github.com/xfeldman/aegisvm/internal/vmerr"
)

// startupGrace is how long Start waits for the launcher's wrapper process
// to fork the real emulator before probing the process table.
const startupGrace = 2 * time.Second

// portProbeTimeout bounds a single TCP connect attempt when detecting the
// framebuffer port a running VM actually opened.
const portProbeTimeout = 100 * time.Millisecond

// portProbeRange is how many ports past the configured display port are
// tried when detecting the actual framebuffer port.
const portProbeRange = 10

// TemplateSpec describes a create-from-template request.
type TemplateSpec struct {
	OS       string
	Version  string
	Edition  string // optional
	Name     string
	RAMMB    int
	DiskSize string
	CPUCores int
	OutDir   string
}

// instance holds the per-VM bookkeeping the Manager needs between calls.
// It is never the authoritative source of running status — the process
// probe always is.
type instance struct {
	mu         sync.Mutex
	lastPID    int32
	lastKnown  model.Status
}

// Manager starts, stops, and polls VM emulator processes.
type Manager struct {
	bin  *binaries.Discovery
	mon  *monitor.Monitor
	dis  *discovery.Discovery
	logs *logstore.Store

	mapMu     sync.Mutex
	instances map[model.VMId]*instance
}

// NewManager creates a Manager. bin must already be resolved (see
// internal/binaries.Discover). logs receives the launcher's captured
// stdout/stderr and start/stop/create transition events.
func NewManager(bin *binaries.Discovery, mon *monitor.Monitor, dis *discovery.Discovery, logs *logstore.Store) *Manager {
	return &Manager{
		bin:       bin,
		mon:       mon,
		dis:       dis,
		logs:      logs,
		instances: make(map[model.VMId]*instance),
	}
}

// logEvent appends a lifecycle transition line to the VM's log, a
// no-op if no logstore was configured.
func (m *Manager) logEvent(id model.VMId, source, line string) {
	if m.logs == nil {
		return
	}
	m.logs.GetOrCreate(string(id)).Append("event", line, source)
}

func (m *Manager) entry(id model.VMId) *instance {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		inst = &instance{lastKnown: model.Stopped()}
		m.instances[id] = inst
	}
	return inst
}

// Start spawns the launcher for vm and, best-effort, resolves the
// resulting emulator PID. Start never errors on probe failure: status
// simply remains stopped and reflects reality on the next poll, per
// spec §4.3 step 5.
func (m *Manager) Start(ctx context.Context, vm model.VM) error {
	inst := m.entry(vm.ID)
	inst.mu.Lock()
	defer inst.mu.Unlock()

	cmd := exec.CommandContext(ctx, m.bin.QuickemuPath, "--vm", vm.ConfigPath)
	cmd.Dir = filepath.Dir(vm.ConfigPath)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe for %s: %w", vm.ID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe for %s: %w", vm.ID, err)
	}

	if err := cmd.Start(); err != nil {
		m.dis.SetStatus(vm.ID, model.ErrorStatus(err.Error()))
		m.logEvent(vm.ID, logstore.SourceLifecycle, "start failed: "+err.Error())
		return fmt.Errorf("spawn launcher for %s: %w", vm.ID, err)
	}
	log.Printf("lifecycle: spawned launcher wrapper pid=%d for %s", cmd.Process.Pid, vm.ID)
	m.dis.SetStatus(vm.ID, model.Starting())
	m.logEvent(vm.ID, logstore.SourceLifecycle, "starting")

	if m.logs != nil {
		vl := m.logs.GetOrCreate(string(vm.ID))
		go streamToLog(vl, stdout, "stdout", logstore.SourceLauncher)
		go streamToLog(vl, stderr, "stderr", logstore.SourceLauncher)
	} else {
		go io.Copy(io.Discard, stdout)
		go io.Copy(io.Discard, stderr)
	}

	// The wrapper is not the emulator; reap it asynchronously so it
	// never becomes a zombie, without blocking this call on its exit.
	go func() { _ = cmd.Wait() }()

	select {
	case <-time.After(startupGrace):
	case <-ctx.Done():
		return ctx.Err()
	}

	pid, found, err := procsearch.Find(vm.ID)
	if err != nil || !found {
		// Best-effort: leave status as reported by the next poll.
		m.dis.SetStatus(vm.ID, model.Stopped())
		m.logEvent(vm.ID, logstore.SourceLifecycle, "emulator process not found after start")
		return nil
	}

	inst.lastPID = pid
	inst.lastKnown = model.Running(pid)
	m.mon.Register(vm.ID, pid)
	m.dis.SetStatus(vm.ID, model.Running(pid))
	m.logEvent(vm.ID, logstore.SourceLifecycle, fmt.Sprintf("running, pid=%d", pid))
	return nil
}

// Stop locates the emulator process by the same probe Start uses, sends
// the terminate signal, and unregisters it from the Process Monitor. If
// no matching process is found, Stop returns a wrapped vmerr.ErrNotFound.
func (m *Manager) Stop(ctx context.Context, id model.VMId) error {
	inst := m.entry(id)
	inst.mu.Lock()
	defer inst.mu.Unlock()

	m.dis.SetStatus(id, model.Stopping())
	m.logEvent(id, logstore.SourceLifecycle, "stopping")

	pid, found, err := procsearch.Find(id)
	if err != nil {
		return fmt.Errorf("probe process for %s: %w", id, err)
	}
	if !found {
		m.logEvent(id, logstore.SourceLifecycle, "stop failed: no running process")
		return fmt.Errorf("no running process for %s: %w", id, vmerr.ErrNotFound)
	}

	if err := procsearch.Signal(pid); err != nil {
		m.logEvent(id, logstore.SourceLifecycle, "stop failed: "+err.Error())
		return fmt.Errorf("signal %s (pid %d): %w", id, pid, err)
	}

	m.mon.Unregister(id)
	inst.lastKnown = model.Stopped()
	m.dis.SetStatus(id, model.Stopped())
	m.logEvent(id, logstore.SourceLifecycle, "stopped")
	return nil
}

// Status performs the same probe used by Start/Stop and returns the
// current status. It has no side effects and is safe to call arbitrarily
// often.
func (m *Manager) Status(id model.VMId) model.Status {
	pid, found, err := procsearch.Find(id)
	if err != nil || !found {
		return model.Stopped()
	}
	return model.Running(pid)
}

// CreateFromTemplate spawns the template-creation binary and streams its
// stdout/stderr lines to sink. On exit code 0 and presence of the
// expected config file, it returns the generated config's path.
func (m *Manager) CreateFromTemplate(ctx context.Context, spec TemplateSpec, sink chan<- string) (string, error) {
	defer close(sink)

	if err := os.MkdirAll(spec.OutDir, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	args := []string{spec.OS, spec.Version}
	if spec.Edition != "" {
		args = append(args, spec.Edition)
	}

	cmd := exec.CommandContext(ctx, m.bin.QuickgetPath, args...)
	cmd.Dir = spec.OutDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("spawn template creator: %w", err)
	}

	var vl *logstore.VMLog
	if m.logs != nil {
		vl = m.logs.GetOrCreate(spec.Name)
	}

	var wg sync.WaitGroup
	var errLines []string
	var errMu sync.Mutex
	wg.Add(2)
	go streamLines(&wg, stdout, sink, func(line string) {
		if vl != nil {
			vl.Append("stdout", line, logstore.SourceTemplate)
		}
	})
	go streamLines(&wg, stderr, sink, func(line string) {
		errMu.Lock()
		errLines = append(errLines, line)
		errMu.Unlock()
		if vl != nil {
			vl.Append("stderr", line, logstore.SourceTemplate)
		}
	})
	wg.Wait()

	waitErr := cmd.Wait()

	expected := filepath.Join(spec.OutDir, spec.Name+".conf")
	if waitErr != nil {
		return "", fmt.Errorf("%w: %v: %s", vmerr.ErrCreationFailed, waitErr, joinLines(errLines))
	}
	if _, statErr := os.Stat(expected); statErr != nil {
		return "", fmt.Errorf("%w: expected config %s not produced: %s", vmerr.ErrCreationFailed, expected, joinLines(errLines))
	}
	return expected, nil
}

// streamToLog copies r's lines into vl under the given stream/source
// tags until r is exhausted (EOF on launcher exit).
func streamToLog(vl *logstore.VMLog, r io.Reader, stream, source string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		vl.Append(stream, scanner.Text(), source)
	}
}

func streamLines(wg *sync.WaitGroup, r io.Reader, sink chan<- string, collect func(string)) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		sink <- line
		if collect != nil {
			collect(line)
		}
	}
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "; "
		}
		out += l
	}
	return out
}

// DetectFramebufferPort probes a small range of ports starting at the
// VM's configured display port, returning the first that accepts a TCP
// connection within portProbeTimeout.
func DetectFramebufferPort(basePort int) (int, bool) {
	for port := basePort; port < basePort+portProbeRange; port++ {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		conn, err := net.DialTimeout("tcp", addr, portProbeTimeout)
		if err == nil {
			conn.Close()
			return port, true
		}
	}
	return 0, false
}
