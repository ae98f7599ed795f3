// Package parser reads and writes the quickemu-style key=value VM
// configuration file format.
//
// Grounded on original_source/core/src/services/parser.rs: a line-oriented
// scanner that ignores comment and blank lines, strips quotes from known
// textual fields, and falls back to documented defaults on any field that
// fails to parse rather than failing the whole read.
package parser

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/xfeldman/aegisvm/internal/model"
)

const (
	defaultRAM      = "2G"
	defaultCPUCores = uint32(2)
)

// Parse reads a quickemu config file at path and returns its parsed form.
// Malformed numeric fields fall back to defaults; the function never
// panics on malformed input. It fails only on a read error.
func Parse(path string) (model.VMConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return model.VMConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseString(string(content)), nil
}

// ParseString parses config content already read into memory.
func ParseString(content string) model.VMConfig {
	cfg := model.VMConfig{
		RAM:       defaultRAM,
		CPUCores:  defaultCPUCores,
		Display:   model.DefaultSpiceDisplay(),
		RawConfig: content,
	}

	vars := extractVariables(content)

	if v, ok := vars["guest_os"]; ok {
		cfg.GuestOS = unquote(v)
	}
	if v, ok := vars["disk_img"]; ok {
		cfg.DiskImg = unquote(v)
	}
	if v, ok := vars["iso"]; ok {
		cfg.ISO = unquote(v)
	}
	if v, ok := vars["ram"]; ok {
		cfg.RAM = unquote(v)
	}
	if v, ok := vars["cpu_cores"]; ok {
		if cores, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.CPUCores = uint32(cores)
		}
	}
	if v, ok := vars["disk_size"]; ok {
		cfg.DiskSize = unquote(v)
	}
	if v, ok := vars["display_server"]; ok {
		switch unquote(v) {
		case "spice":
			cfg.Display = model.DefaultSpiceDisplay()
		case "vnc":
			cfg.Display = model.VNCDisplay()
		}
	}
	if v, ok := vars["ssh_port"]; ok {
		if port, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.SSHPort = uint16(port)
			cfg.HasSSHPort = true
		}
	}

	return cfg
}

// Save writes config in canonical form to path. It does not attempt to
// preserve unknown keys verbatim; callers that need exact round-trip of
// untouched files should avoid re-saving configs they have not modified.
func Save(path string, cfg model.VMConfig) error {
	var lines []string
	lines = append(lines, fmt.Sprintf("guest_os=%q", cfg.GuestOS))
	lines = append(lines, fmt.Sprintf("ram=%q", cfg.RAM))
	lines = append(lines, fmt.Sprintf("cpu_cores=%d", cfg.CPUCores))

	if cfg.DiskImg != "" {
		lines = append(lines, fmt.Sprintf("disk_img=%q", cfg.DiskImg))
	}
	if cfg.ISO != "" {
		lines = append(lines, fmt.Sprintf("iso=%q", cfg.ISO))
	}
	if cfg.DiskSize != "" {
		lines = append(lines, fmt.Sprintf("disk_size=%q", cfg.DiskSize))
	}

	switch cfg.Display.Kind {
	case model.DisplaySpice:
		lines = append(lines, `display_server="spice"`)
	case model.DisplayVNC:
		lines = append(lines, `display_server="vnc"`)
	}

	if cfg.HasSSHPort {
		lines = append(lines, fmt.Sprintf("ssh_port=%d", cfg.SSHPort))
	}

	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

func extractVariables(content string) map[string]string {
	vars := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])
		vars[key] = value
	}
	return vars
}

func unquote(s string) string {
	return strings.Trim(s, `"`)
}
