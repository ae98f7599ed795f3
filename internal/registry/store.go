package registry

import (
	"fmt"
	"time"

	"github.com/xfeldman/aegisvm/internal/model"
)

// RecordSample appends one metrics sample for vmID to the historical
// table. Upsert via INSERT...ON CONFLICT DO UPDATE, grounded on the
// teacher's SaveInstance idiom.
func (d *DB) RecordSample(vmID model.VMId, s model.MetricsSample) error {
	_, err := d.db.Exec(`
		INSERT INTO metrics_samples
			(vm_id, sampled_at, cpu_percent, mem_bytes, mem_percent, disk_read, disk_write, net_rx, net_tx)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(vm_id, sampled_at) DO UPDATE SET
			cpu_percent = excluded.cpu_percent,
			mem_bytes   = excluded.mem_bytes,
			mem_percent = excluded.mem_percent,
			disk_read   = excluded.disk_read,
			disk_write  = excluded.disk_write,
			net_rx      = excluded.net_rx,
			net_tx      = excluded.net_tx
	`, string(vmID), s.Timestamp.UTC().Format(time.RFC3339Nano),
		s.CPUPercent, s.MemoryBytes, s.MemoryPercent,
		s.DiskReadBytes, s.DiskWriteBytes, s.NetRxBytes, s.NetTxBytes)
	if err != nil {
		return fmt.Errorf("record metrics sample for %s: %w", vmID, err)
	}
	return nil
}

// MetricsHistory returns up to limit of the most recent samples for
// vmID, oldest first.
func (d *DB) MetricsHistory(vmID model.VMId, limit int) ([]model.MetricsSample, error) {
	rows, err := d.db.Query(`
		SELECT sampled_at, cpu_percent, mem_bytes, mem_percent, disk_read, disk_write, net_rx, net_tx
		FROM metrics_samples
		WHERE vm_id = ?
		ORDER BY sampled_at DESC
		LIMIT ?
	`, string(vmID), limit)
	if err != nil {
		return nil, fmt.Errorf("query metrics history for %s: %w", vmID, err)
	}
	defer rows.Close()

	var out []model.MetricsSample
	for rows.Next() {
		var s model.MetricsSample
		var ts string
		if err := rows.Scan(&ts, &s.CPUPercent, &s.MemoryBytes, &s.MemoryPercent,
			&s.DiskReadBytes, &s.DiskWriteBytes, &s.NetRxBytes, &s.NetTxBytes); err != nil {
			return nil, fmt.Errorf("scan metrics sample: %w", err)
		}
		s.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, s)
	}

	// reverse to oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// RecordConsoleSessionOpened inserts an audit row for a newly created
// console session.
func (d *DB) RecordConsoleSessionOpened(s model.ConsoleSession) error {
	_, err := d.db.Exec(`
		INSERT INTO console_sessions (id, vm_id, protocol, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, s.ID, string(s.VMID), "console", s.Status.String(), s.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record console session %s: %w", s.ID, err)
	}
	return nil
}

// RecordConsoleSessionClosed marks a console session closed with its
// final status.
func (d *DB) RecordConsoleSessionClosed(id string, status model.ConsoleSessionStatus) error {
	_, err := d.db.Exec(`
		UPDATE console_sessions
		SET status = ?, closed_at = ?
		WHERE id = ?
	`, status.String(), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("close console session %s: %w", id, err)
	}
	return nil
}
