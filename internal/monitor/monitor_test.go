package monitor

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xfeldman/aegisvm/internal/model"
)

// spawnSleeper starts a short-lived child process to give Refresh a
// real PID to sample.
func spawnSleeper(t *testing.T) *os.Process {
	t.Helper()
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { cmd.Process.Kill(); cmd.Wait() })
	return cmd.Process
}

func TestRegisterAndRefreshPopulatesMetrics(t *testing.T) {
	proc := spawnSleeper(t)
	m := New(120)
	id := model.VMId("vm-a")
	m.Register(id, int32(proc.Pid))

	m.Refresh()

	sample, ok := m.Metrics(id)
	require.True(t, ok)
	require.False(t, sample.Timestamp.IsZero())
}

func TestHistoryAccumulatesAcrossRefreshes(t *testing.T) {
	proc := spawnSleeper(t)
	m := New(120)
	id := model.VMId("vm-b")
	m.Register(id, int32(proc.Pid))

	m.Refresh()
	time.Sleep(10 * time.Millisecond)
	m.Refresh()

	hist := m.History(id)
	require.Len(t, hist, 2)
}

func TestUnregisterDropsPidButKeepsHistory(t *testing.T) {
	proc := spawnSleeper(t)
	m := New(120)
	id := model.VMId("vm-c")
	m.Register(id, int32(proc.Pid))
	m.Refresh()

	m.Unregister(id)

	_, ok := m.Metrics(id)
	require.True(t, ok, "history is retained after unregister")

	m.Refresh()
	hist := m.History(id)
	require.Len(t, hist, 1, "no new samples accumulate once unregistered")
}

func TestMetricsAllOnlyReturnsRegisteredWithSamples(t *testing.T) {
	m := New(120)
	require.Empty(t, m.MetricsAll())

	proc := spawnSleeper(t)
	id := model.VMId("vm-d")
	m.Register(id, int32(proc.Pid))
	m.Refresh()

	all := m.MetricsAll()
	require.Contains(t, all, id)
}

func TestCleanupStaleRemovesDeadPID(t *testing.T) {
	cmd := exec.Command("sleep", "0.01")
	require.NoError(t, cmd.Start())
	pid := int32(cmd.Process.Pid)
	cmd.Wait()

	m := New(120)
	id := model.VMId("vm-e")
	m.Register(id, pid)

	m.CleanupStale()

	m.mu.RLock()
	_, stillTracked := m.pids[id]
	m.mu.RUnlock()
	require.False(t, stillTracked)
}

func TestSystemMetricsReturnsPlausibleValues(t *testing.T) {
	cpu, mem, err := SystemMetrics()
	require.NoError(t, err)
	require.GreaterOrEqual(t, cpu, 0.0)
	require.GreaterOrEqual(t, mem, 0.0)
	require.LessOrEqual(t, mem, 100.0)
}
