package config

import (
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Config holds aegisvmd runtime configuration.
type Config struct {
	// DataDir is the base directory for aegisvm runtime data.
	DataDir string

	// BinDir is the directory containing aegisvm binaries.
	BinDir string

	// SocketPath is the unix socket path for the aegisvmd control API,
	// used when ListenAddr is empty.
	SocketPath string

	// ListenAddr is the TCP address for the Control API, e.g.
	// "127.0.0.1:8872". Empty means use SocketPath instead.
	ListenAddr string

	// ConfigDirs lists the directories Discovery scans and watches for
	// quickemu .conf files.
	ConfigDirs []string

	// DBPath is the path to the SQLite registry database (metrics
	// history and console session audit — never the live-status
	// source of truth; see internal/registry).
	DBPath string

	// LogsDir is the directory for per-VM NDJSON log files.
	LogsDir string

	// QuickemuPath and QuickgetPath override PATH/cache discovery of
	// the launcher binaries. Empty means auto-discover (see
	// internal/binaries).
	QuickemuPath  string
	QuickgetPath  string

	// ProxyMaxSessions caps concurrent Remote-Framebuffer Proxy
	// sessions (0 means unlimited).
	ProxyMaxSessions int

	// ProxyAuthTimeout bounds how long a proxy client has to present
	// its session token after the WebSocket upgrade.
	ProxyAuthTimeout time.Duration

	// ProxySessionExpiry is how long an unclaimed proxy session is kept
	// before the background sweep discards it.
	ProxySessionExpiry time.Duration

	// MetricsHistoryLength is the number of samples retained per VM in
	// the in-memory metrics ring buffer (internal/model.MetricsHistory).
	MetricsHistoryLength int

	// MonitorInterval is how often the Process Monitor refreshes
	// resource samples for all registered VMs.
	MonitorInterval time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	aegisDir := filepath.Join(homeDir, ".aegisvm")
	execDir := executableDir()

	configDir := filepath.Join(homeDir, ".config", "quickemu")

	return &Config{
		DataDir:              filepath.Join(aegisDir, "data"),
		BinDir:               execDir,
		SocketPath:           filepath.Join(aegisDir, "aegisvmd.sock"),
		ListenAddr:           "",
		ConfigDirs:           []string{configDir},
		DBPath:               filepath.Join(aegisDir, "data", "aegisvm.db"),
		LogsDir:              filepath.Join(aegisDir, "data", "logs"),
		ProxyMaxSessions:     32,
		ProxyAuthTimeout:     10 * time.Second,
		ProxySessionExpiry:   30 * time.Second,
		MetricsHistoryLength: 120,
		MonitorInterval:      2 * time.Second,
	}
}

// EnsureDirs creates all required directories.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.DBPath),
		c.LogsDir,
	}
	if c.SocketPath != "" {
		dirs = append(dirs, filepath.Dir(c.SocketPath))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// FindBinary locates a binary by name. Search order:
//  1. PATH (exec.LookPath)
//  2. Sibling directory of the running executable (BinDir)
//  3. Known system paths
//
// Returns the absolute path, or "" if not found. internal/binaries does
// not call this; it runs its own PATH, which, cache-dir and download
// search.
func FindBinary(name string, binDir string) string {
	if p, err := exec.LookPath(name); err == nil {
		return p
	}

	if binDir != "" {
		p := filepath.Join(binDir, name)
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	for _, dir := range []string{"/usr/local/bin", "/usr/bin"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}

// executableDir returns the directory containing the current executable.
func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
