// Package monitor samples per-PID CPU/memory/disk-IO usage and maintains
// bounded history per VM.
//
// Grounded on original_source/core/src/services/process_monitor.rs, with
// the Rust `sysinfo` crate's refresh-then-read contract reimplemented over
// gopsutil/v3/process. CPU percent is normalized to one core = 100%,
// matching sysinfo's convention. Network counters are hardcoded to zero:
// the source documents this as a best-effort limitation of the process
// API used, not a bug (spec §9), and gopsutil offers no portable
// per-process network accounting either.
package monitor

import (
	"fmt"
	"sync"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
	gopscpu "github.com/shirou/gopsutil/v3/cpu"
	gopsmem "github.com/shirou/gopsutil/v3/mem"

	"github.com/xfeldman/aegisvm/internal/model"
)

// Monitor tracks registered VM→PID mappings and their resource usage.
type Monitor struct {
	mu            sync.RWMutex
	pids          map[model.VMId]int32
	histories     map[model.VMId]*model.MetricsHistory
	historyLength int
	cached        map[int32]*gopsprocess.Process
}

// New creates an empty Monitor retaining historyLength samples per VM.
func New(historyLength int) *Monitor {
	if historyLength <= 0 {
		historyLength = 120
	}
	return &Monitor{
		pids:          make(map[model.VMId]int32),
		histories:     make(map[model.VMId]*model.MetricsHistory),
		historyLength: historyLength,
		cached:        make(map[int32]*gopsprocess.Process),
	}
}

// Register associates a VM with its observed emulator PID.
func (m *Monitor) Register(id model.VMId, pid int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pids[id] = pid
	if _, ok := m.histories[id]; !ok {
		m.histories[id] = model.NewMetricsHistory(m.historyLength)
	}
	if p, err := gopsprocess.NewProcess(pid); err == nil {
		m.cached[pid] = p
	}
}

// Unregister drops the VM→PID mapping. Metrics history is retained until
// explicitly cleared.
func (m *Monitor) Unregister(id model.VMId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pid, ok := m.pids[id]; ok {
		delete(m.cached, pid)
	}
	delete(m.pids, id)
}

// Refresh samples every registered PID and appends a sample to its
// history. After Refresh returns, Metrics(id) reflects the latest values.
func (m *Monitor) Refresh() {
	m.mu.Lock()
	snapshot := make(map[model.VMId]*gopsprocess.Process, len(m.pids))
	for id, pid := range m.pids {
		p, ok := m.cached[pid]
		if !ok {
			var err error
			p, err = gopsprocess.NewProcess(pid)
			if err != nil {
				continue
			}
			m.cached[pid] = p
		}
		snapshot[id] = p
	}
	m.mu.Unlock()

	now := time.Now()
	for id, p := range snapshot {
		sample, err := sampleProcess(p)
		if err != nil {
			continue
		}
		sample.Timestamp = now

		m.mu.Lock()
		if hist, ok := m.histories[id]; ok {
			hist.Append(sample)
		}
		m.mu.Unlock()
	}
}

// sampleProcess reads resource usage from an already-resolved process
// handle, reusing the handle Register cached rather than reopening
// /proc for it on every refresh tick.
func sampleProcess(p *gopsprocess.Process) (model.MetricsSample, error) {
	cpuPercent, _ := p.CPUPercent()
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return model.MetricsSample{}, fmt.Errorf("memory info for pid %d: %w", p.Pid, err)
	}
	memPercent, _ := p.MemoryPercent()

	var readBytes, writeBytes uint64
	if io, err := p.IOCounters(); err == nil {
		readBytes = io.ReadBytes
		writeBytes = io.WriteBytes
	}

	return model.MetricsSample{
		CPUPercent:     cpuPercent,
		MemoryBytes:    memInfo.RSS,
		MemoryPercent:  float64(memPercent),
		DiskReadBytes:  readBytes,
		DiskWriteBytes: writeBytes,
		NetRxBytes:     0,
		NetTxBytes:     0,
	}, nil
}

// Metrics returns the latest sample for a VM, if any.
func (m *Monitor) Metrics(id model.VMId) (model.MetricsSample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hist, ok := m.histories[id]
	if !ok {
		return model.MetricsSample{}, false
	}
	return hist.Latest()
}

// History returns the full retained ring for a VM.
func (m *Monitor) History(id model.VMId) []model.MetricsSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hist, ok := m.histories[id]
	if !ok {
		return nil
	}
	return hist.Samples()
}

// MetricsAll returns the latest sample for every currently registered VM.
func (m *Monitor) MetricsAll() map[model.VMId]model.MetricsSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[model.VMId]model.MetricsSample, len(m.pids))
	for id := range m.pids {
		if hist, ok := m.histories[id]; ok {
			if s, ok := hist.Latest(); ok {
				out[id] = s
			}
		}
	}
	return out
}

// CleanupStale removes registrations whose PID no longer exists.
func (m *Monitor) CleanupStale() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, pid := range m.pids {
		if exists, err := gopsprocess.PidExists(pid); err != nil || !exists {
			delete(m.pids, id)
			delete(m.cached, pid)
		}
	}
}

// SystemMetrics returns the whole-host CPU and memory usage percentages,
// a small supplement beyond spec.md grounded on
// process_monitor.rs::get_system_metrics.
func SystemMetrics() (cpuPercent, memPercent float64, err error) {
	percents, err := gopscpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0, 0, fmt.Errorf("system cpu percent: %w", err)
	}
	vm, err := gopsmem.VirtualMemory()
	if err != nil {
		return 0, 0, fmt.Errorf("system memory: %w", err)
	}
	return percents[0], vm.UsedPercent, nil
}
