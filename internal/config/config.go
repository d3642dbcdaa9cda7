// Package config loads the tool-path configuration for a profiling session.
// Two files are read in order, system then local, with the local file
// overriding; a missing file is logged and skipped, a malformed one is fatal.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresailer/Adaptyst/internal/logger"
)

const (
	systemConfigPath = "/etc/adaptyst.conf"
	localConfigName  = ".adaptyst.conf"
)

// Settings are the resolved tool paths a session needs.
type Settings struct {
	PerfPath              string // installation prefix of the patched perf
	CARMToolPath          string
	RooflineBenchmarkPath string

	scriptDir string
}

// Load reads the system and local config files. ADAPTYST_CONFIG and
// ADAPTYST_LOCAL_CONFIG override the file locations; ADAPTYST_SCRIPT_DIR
// overrides the processing-script directory derived from perf_path.
func Load() (*Settings, error) {
	system := systemConfigPath
	if p := os.Getenv("ADAPTYST_CONFIG"); p != "" {
		system = p
	}
	local := ""
	if home, err := os.UserHomeDir(); err == nil {
		local = filepath.Join(home, localConfigName)
	}
	if p := os.Getenv("ADAPTYST_LOCAL_CONFIG"); p != "" {
		local = p
	}

	merged := NewTable()
	for _, path := range []string{system, local} {
		if path == "" {
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			logger.Debug("config file not read", "path", path, "err", err)
			continue
		}
		t, perr := ParseTable(f)
		f.Close()
		if perr != nil {
			return nil, fmt.Errorf("%s: %w", path, perr)
		}
		merged.Merge(t)
	}

	perfPath, ok := merged.Get("perf_path")
	if !ok || perfPath == "" {
		return nil, fmt.Errorf("config: perf_path is not set (looked at %s and %s)", system, local)
	}

	s := &Settings{PerfPath: perfPath}
	s.CARMToolPath, _ = merged.Get("carm_tool_path")
	s.RooflineBenchmarkPath, _ = merged.Get("roofline_benchmark_path")
	if d := os.Getenv("ADAPTYST_SCRIPT_DIR"); d != "" {
		s.scriptDir = d
	}
	return s, nil
}

// PerfBin is the patched perf binary under the configured prefix.
func (s *Settings) PerfBin() string {
	return filepath.Join(s.PerfPath, "bin", "perf")
}

// ScriptDir is the directory holding the trace-processing scripts shipped
// with the patched perf.
func (s *Settings) ScriptDir() string {
	if s.scriptDir != "" {
		return s.scriptDir
	}
	return filepath.Join(s.PerfPath, "libexec", "perf-core", "scripts", "python", "adaptyst", "Trace")
}

// Validate checks that the perf binary is a regular file and the script
// directory a directory, resolving symlinks.
func (s *Settings) Validate() error {
	if err := mustBeRegular(s.PerfBin()); err != nil {
		return err
	}
	return mustBeDir(s.ScriptDir())
}

func mustBeRegular(path string) error {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	fi, err := os.Stat(resolved)
	if err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("config: %s is not a regular file", path)
	}
	return nil
}

func mustBeDir(path string) error {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	fi, err := os.Stat(resolved)
	if err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("config: %s is not a directory", path)
	}
	return nil
}

// UserDir is where adaptyst keeps per-user state (the session registry).
func UserDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".adaptyst"), nil
}
