// Package model holds the data types shared across the VM control plane:
// the discovered VM index entry, its parsed config, console sessions, and
// metrics samples.
package model

import "time"

// VMId is an opaque identifier derived from the stem of a config file's
// path. Equality and hashing are plain string identity.
type VMId string

// DisplayKind tags the variant of DisplayMode.
type DisplayKind int

const (
	DisplayNone DisplayKind = iota
	DisplaySpice
	DisplayVNC
	DisplayLocalWindow
)

// DisplayMode is a tagged variant: framebuffer-primary on a port,
// framebuffer-alt on a port, a local window, or none.
type DisplayMode struct {
	Kind DisplayKind
	Port int
}

// DefaultSpiceDisplay is the default framebuffer-primary mode.
func DefaultSpiceDisplay() DisplayMode { return DisplayMode{Kind: DisplaySpice, Port: 5930} }

// VNCDisplay is the framebuffer-alt mode at its default port.
func VNCDisplay() DisplayMode { return DisplayMode{Kind: DisplayVNC, Port: 5900} }

// VMConfig is the declarative description of a VM parsed from its config
// file, plus the raw file text. parser.Save does not write unrecognized
// keys back out; see RawConfig.
type VMConfig struct {
	GuestOS    string
	DiskImg    string
	ISO        string
	RAM        string // human string like "4G"
	CPUCores   uint32
	DiskSize   string
	Display    DisplayMode
	SSHPort    uint16
	HasSSHPort bool
	// RawConfig is the exact file content Parse read it from. Save does
	// not consult it: it always rewrites the canonical known fields,
	// matching parser.rs's own behavior. Kept on the struct so a caller
	// inspecting an unmodified VM can still recover the original text
	// without re-reading the file.
	RawConfig string
}

// StatusKind tags the variant of Status.
type StatusKind int

const (
	StatusStopped StatusKind = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusError
)

func (k StatusKind) String() string {
	switch k {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is the tagged variant stopped/starting/running(pid)/stopping/error(text).
type Status struct {
	Kind  StatusKind
	PID   int32
	Error string
}

func Stopped() Status              { return Status{Kind: StatusStopped} }
func Starting() Status             { return Status{Kind: StatusStarting} }
func Running(pid int32) Status     { return Status{Kind: StatusRunning, PID: pid} }
func Stopping() Status             { return Status{Kind: StatusStopping} }
func ErrorStatus(msg string) Status { return Status{Kind: StatusError, Error: msg} }

// VM is the entity owned exclusively by the Discovery index. Other
// components hold by-value snapshots, never a live reference.
type VM struct {
	ID           VMId
	DisplayName  string
	ConfigPath   string
	Config       VMConfig
	Status       Status
	LastModified time.Time
}

// ConsoleSessionStatus tags the lifecycle of a proxy session.
type ConsoleSessionStatus int

const (
	SessionAuthenticating ConsoleSessionStatus = iota
	SessionConnected
	SessionDisconnected
	SessionError
)

func (s ConsoleSessionStatus) String() string {
	switch s {
	case SessionAuthenticating:
		return "authenticating"
	case SessionConnected:
		return "connected"
	case SessionDisconnected:
		return "disconnected"
	case SessionError:
		return "error"
	default:
		return "unknown"
	}
}

// ConsoleSession is owned by the Proxy.
type ConsoleSession struct {
	ID            string
	VMID          VMId
	TargetPort    int
	FrontendPort  int
	Token         string
	CreatedAt     time.Time
	Status        ConsoleSessionStatus
	ErrorText     string
}

// MetricsSample is one observation of a monitored process's resource usage.
type MetricsSample struct {
	Timestamp      time.Time
	CPUPercent     float64
	MemoryBytes    uint64
	MemoryPercent  float64
	DiskReadBytes  uint64
	DiskWriteBytes uint64
	NetRxBytes     uint64
	NetTxBytes     uint64
}

// MetricsHistory is a bounded ring of samples for one VMId.
type MetricsHistory struct {
	samples []MetricsSample
	max     int
}

// NewMetricsHistory creates a ring with the given maximum length.
func NewMetricsHistory(max int) *MetricsHistory {
	if max <= 0 {
		max = 1
	}
	return &MetricsHistory{max: max}
}

// Append adds a sample, dropping the oldest once the ring is full.
func (h *MetricsHistory) Append(s MetricsSample) {
	h.samples = append(h.samples, s)
	if len(h.samples) > h.max {
		h.samples = h.samples[len(h.samples)-h.max:]
	}
}

// Samples returns the ring's contents, oldest first.
func (h *MetricsHistory) Samples() []MetricsSample {
	out := make([]MetricsSample, len(h.samples))
	copy(out, h.samples)
	return out
}

// Latest returns the most recent sample, if any.
func (h *MetricsHistory) Latest() (MetricsSample, bool) {
	if len(h.samples) == 0 {
		return MetricsSample{}, false
	}
	return h.samples[len(h.samples)-1], true
}
