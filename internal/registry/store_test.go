package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xfeldman/aegisvm/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "aegisvm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAndQueryMetricsHistory(t *testing.T) {
	db := openTestDB(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		sample := model.MetricsSample{
			Timestamp:   base.Add(time.Duration(i) * time.Second),
			CPUPercent:  float64(i) * 10,
			MemoryBytes: uint64(i) * 1024,
		}
		require.NoError(t, db.RecordSample("vm-1", sample))
	}

	history, err := db.MetricsHistory("vm-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.True(t, history[0].Timestamp.Before(history[1].Timestamp))
	require.Equal(t, 20.0, history[2].CPUPercent)
}

func TestConsoleSessionAudit(t *testing.T) {
	db := openTestDB(t)

	session := model.ConsoleSession{
		ID:        "sess-1",
		VMID:      "vm-1",
		CreatedAt: time.Now(),
		Status:    model.SessionAuthenticating,
	}
	require.NoError(t, db.RecordConsoleSessionOpened(session))
	require.NoError(t, db.RecordConsoleSessionClosed("sess-1", model.SessionDisconnected))
}
