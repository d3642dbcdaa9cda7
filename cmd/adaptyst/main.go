package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresailer/Adaptyst/internal/config"
	"github.com/andresailer/Adaptyst/internal/filter"
	"github.com/andresailer/Adaptyst/internal/logger"
	"github.com/andresailer/Adaptyst/internal/probe"
	"github.com/andresailer/Adaptyst/internal/session"
	"github.com/andresailer/Adaptyst/internal/store"
)

var version = "dev"

type flags struct {
	freq         uint
	buffer       uint
	offCPUFreq   int
	offCPUBuffer uint
	postProcess  uint
	address      string
	codes        string
	serverBuffer uint
	warmup       uint
	events       []string
	roofline     uint
	filterSpec   string
	mark         bool
	mode         string
	quiet        bool
}

func main() {
	var fl flags

	root := &cobra.Command{
		Use:     "adaptyst [flags] [--] COMMAND...",
		Short:   "adaptyst — performance-analysis orchestrator for the patched perf profiler",
		Long:    "Profiles a command with on-CPU, off-CPU, thread-tree, and hardware-counter probes,\nand consolidates the streams into a per-thread result tree.",
		Version: version,
		Args:    cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			command, err := commandArgv(cmd, args)
			if err != nil {
				return exitWith(session.ExitUsage, err)
			}
			cfg, err := buildConfig(&fl, command)
			if err != nil {
				return exitWith(session.ExitUsage, err)
			}
			if err := logger.Init("info", "", fl.quiet); err != nil {
				return exitWith(session.ExitFailure, err)
			}
			settings, err := config.Load()
			if err != nil {
				return exitWith(session.ExitFailure, err)
			}
			registry := openRegistry()
			if registry != nil {
				defer registry.Close()
			}
			code := session.New(cfg, settings, registry).Run()
			if code != 0 {
				return exitWith(code, nil)
			}
			return nil
		},
	}

	f := root.Flags()
	f.UintVarP(&fl.freq, "freq", "F", 10, "On-CPU sampling frequency in Hz")
	f.UintVarP(&fl.buffer, "buffer", "B", 1, "Event buffer depth (1 = no buffering)")
	f.IntVarP(&fl.offCPUFreq, "off-cpu-freq", "f", 1000, "Off-CPU sampling frequency (0 disables, -1 captures all)")
	f.UintVarP(&fl.offCPUBuffer, "off-cpu-buffer", "b", 0, "Off-CPU event buffer depth (0 = adaptive)")
	f.UintVarP(&fl.postProcess, "post-process", "p", 1, "Post-processing thread count (0 disables CPU isolation)")
	f.StringVarP(&fl.address, "address", "a", "", "Delegate ingest to a remote peer (HOST:PORT)")
	f.StringVarP(&fl.codes, "codes", "c", "", "Source-code destination: bundle, srv, file:<path>, or fd:<n>")
	f.UintVarP(&fl.serverBuffer, "server-buffer", "s", 0, "In-process server buffer size in bytes")
	f.UintVarP(&fl.warmup, "warmup", "w", 1, "Seconds between probe readiness and command start")
	f.StringArrayVarP(&fl.events, "event", "e", nil, "Extra hardware event as EVENT,PERIOD,TITLE (repeatable)")
	f.UintVarP(&fl.roofline, "roofline", "r", 0, "Enable cache-aware roofline analysis with the given sampling period (x86 only)")
	f.StringVarP(&fl.filterSpec, "filter", "i", "", "Stack filter as (deny|allow|python):<path>, '-' reads patterns from stdin")
	f.BoolVarP(&fl.mark, "mark", "k", false, "Mark filtered stacks instead of cutting them (requires --filter)")
	f.StringVarP(&fl.mode, "mode", "m", "user", "Capture mode: kernel, user, or both")
	f.BoolVarP(&fl.quiet, "quiet", "q", false, "Only print errors")

	root.AddCommand(sessionsCmd())

	root.SilenceUsage = true
	root.SilenceErrors = true
	if err := root.Execute(); err != nil {
		if ee, ok := err.(*exitError); ok {
			if ee.err != nil {
				fmt.Fprintf(os.Stderr, "adaptyst: %v\n", ee.err)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "adaptyst: %v\n", err)
		os.Exit(session.ExitUsage)
	}
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit %d", e.code)
}

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

// commandArgv resolves the positional COMMAND: everything after "--" is a
// pre-split argv; a single argument before the dash is split with shell-like
// rules.
func commandArgv(cmd *cobra.Command, args []string) ([]string, error) {
	if at := cmd.ArgsLenAtDash(); at >= 0 {
		if at != 0 {
			return nil, fmt.Errorf("unexpected arguments before --: %v", args[:at])
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("no command to profile")
		}
		return args, nil
	}
	switch len(args) {
	case 0:
		return nil, fmt.Errorf("no command to profile")
	case 1:
		return session.SplitCommand(args[0])
	}
	return nil, fmt.Errorf("give the command as one quoted string or after --")
}

func buildConfig(fl *flags, command []string) (*session.Config, error) {
	mode, err := parseMode(fl.mode)
	if err != nil {
		return nil, err
	}
	codes, err := parseCodes(fl.codes)
	if err != nil {
		return nil, err
	}
	spec, err := loadFilter(fl.filterSpec, fl.mark)
	if err != nil {
		return nil, err
	}

	var extra []probe.ExtraEvent
	for _, e := range fl.events {
		ev, err := probe.ParseExtraEvent(e)
		if err != nil {
			return nil, err
		}
		if probe.IsReservedTitle(ev.Title) {
			return nil, fmt.Errorf("event title %q uses the reserved CARM_ prefix", ev.Title)
		}
		extra = append(extra, ev)
	}

	cfg := &session.Config{
		Freq:         int(fl.freq),
		Buffer:       int(fl.buffer),
		OffCPUFreq:   fl.offCPUFreq,
		OffCPUBuffer: int(fl.offCPUBuffer),
		PostProcess:  int(fl.postProcess),
		Mode:         mode,
		Warmup:       int(fl.warmup),
		Extra:        extra,
		Roofline:     uint64(fl.roofline),
		Filter:       spec,
		ServerBuffer: int(fl.serverBuffer),
		RemoteAddr:   fl.address,
		Codes:        codes,
		Quiet:        fl.quiet,
		Command:      command,
	}
	return cfg, cfg.Validate(runtime.NumCPU())
}

func parseMode(s string) (probe.CaptureMode, error) {
	switch s {
	case "kernel":
		return probe.ModeKernel, nil
	case "user":
		return probe.ModeUser, nil
	case "both":
		return probe.ModeBoth, nil
	}
	return 0, fmt.Errorf("capture mode must be kernel, user, or both")
}

func parseCodes(s string) (session.Codes, error) {
	switch {
	case s == "":
		return session.Codes{Mode: session.CodesNone}, nil
	case s == "bundle":
		return session.Codes{Mode: session.CodesBundle}, nil
	case s == "srv":
		return session.Codes{Mode: session.CodesServer}, nil
	case strings.HasPrefix(s, "file:"):
		path := strings.TrimPrefix(s, "file:")
		if path == "" {
			return session.Codes{}, fmt.Errorf("codes destination file: needs a path")
		}
		return session.Codes{Mode: session.CodesFile, Path: path}, nil
	case strings.HasPrefix(s, "fd:"):
		fd, err := strconv.Atoi(strings.TrimPrefix(s, "fd:"))
		if err != nil || fd < 0 {
			return session.Codes{}, fmt.Errorf("codes destination fd: needs a descriptor number")
		}
		return session.Codes{Mode: session.CodesFd, Fd: fd}, nil
	}
	return session.Codes{}, fmt.Errorf("codes destination must be bundle, srv, file:<path>, or fd:<n>")
}

// loadFilter parses "-i (deny|allow|python):<path>" and loads allow/deny
// patterns eagerly so syntax errors fail before any session state exists.
func loadFilter(spec string, mark bool) (*filter.Spec, error) {
	if spec == "" {
		if mark {
			return nil, fmt.Errorf("marking (-k) requires a filter (-i)")
		}
		return nil, nil
	}
	kind, path, ok := strings.Cut(spec, ":")
	if !ok || path == "" {
		return nil, fmt.Errorf("filter must be (deny|allow|python):<path>")
	}
	switch kind {
	case "python":
		if path == "-" {
			return nil, fmt.Errorf("a python filter cannot be read from stdin")
		}
		return &filter.Spec{Mode: filter.ModeScript, Script: path, Mark: mark}, nil
	case "allow", "deny":
		mode := filter.ModeAllow
		if kind == "deny" {
			mode = filter.ModeDeny
		}
		src := os.Stdin
		if path != "-" {
			f, err := os.Open(path)
			if err != nil {
				return nil, err
			}
			defer f.Close()
			src = f
		}
		pattern, err := filter.Parse(src)
		if err != nil {
			return nil, err
		}
		return &filter.Spec{Mode: mode, Pattern: pattern, Mark: mark}, nil
	}
	return nil, fmt.Errorf("filter type must be deny, allow, or python")
}

// openRegistry opens the per-user session registry; a failure only costs the
// history listing.
func openRegistry() *store.Store {
	dir, err := config.UserDir()
	if err != nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil
	}
	s, err := store.Open(filepath.Join(dir, "sessions.db"))
	if err != nil {
		logger.Debug("session registry unavailable", "err", err)
		return nil
	}
	return s
}
