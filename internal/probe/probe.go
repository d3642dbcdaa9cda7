// Package probe launches the patched sampling tool as child processes and
// describes the event families a session collects.
package probe

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/andresailer/Adaptyst/internal/filter"
	"github.com/andresailer/Adaptyst/internal/transport"
)

// Kind selects a probe's event family.
type Kind int

const (
	// KindTree is the syscall probe reconstructing the process/thread tree.
	KindTree Kind = iota
	// KindWall is the combined on-CPU/off-CPU sampling probe.
	KindWall
	// KindEvent samples one named hardware event with a period.
	KindEvent
)

// CaptureMode restricts which stack frames are captured.
type CaptureMode int

const (
	ModeUser CaptureMode = iota
	ModeKernel
	ModeBoth
)

func (m CaptureMode) String() string {
	switch m {
	case ModeKernel:
		return "kernel"
	case ModeBoth:
		return "both"
	default:
		return "user"
	}
}

// ExtraEvent is one "-e EVENT,PERIOD,TITLE" request or a CARM bundle member.
type ExtraEvent struct {
	Event  string
	Period uint64
	Title  string
}

// Probe describes one sampling child process and its bound data acceptor.
type Probe struct {
	Name string
	Kind Kind

	// KindEvent only
	Event  string
	Period uint64
	Title  string

	// sampling knobs
	Freq          int
	OffCPUFreq    int
	Buffer        int
	OffCPUBuffer  int
	Mode          CaptureMode
	Filter        *filter.Spec
	FilterPath    string // serialized pattern handed to the child
	CommandCPUs   []int // CPUs the profiled command runs on; empty = all

	Acceptor transport.Acceptor
}

// Args computes the child argv for the patched perf installation. The dial
// instructions tell the trace script where to deliver its records.
func (p *Probe) Args(perfBin, scriptDir string) []string {
	args := []string{perfBin, "script"}
	switch p.Kind {
	case KindTree:
		args = append(args, "-s", filepath.Join(scriptDir, "adaptyst_syscall.py"))
	default:
		args = append(args, "-s", filepath.Join(scriptDir, "adaptyst_sample.py"))
	}
	args = append(args, "--",
		"--connect", p.Acceptor.Type(), p.Acceptor.DialInstructions(),
		"--buffer", strconv.Itoa(p.Buffer),
	)
	switch p.Kind {
	case KindTree:
		// tree probe needs no sampling knobs
	case KindWall:
		args = append(args,
			"--stream", "walltime",
			"--freq", strconv.Itoa(p.Freq),
			"--off-cpu-freq", strconv.Itoa(p.OffCPUFreq),
			"--off-cpu-buffer", strconv.Itoa(p.OffCPUBuffer),
			"--mode", p.Mode.String(),
		)
	case KindEvent:
		args = append(args,
			"--stream", p.Title,
			"--event", p.Event,
			"--period", strconv.FormatUint(p.Period, 10),
			"--mode", p.Mode.String(),
		)
	}
	if len(p.CommandCPUs) > 0 {
		args = append(args, "--cpu", cpuList(p.CommandCPUs))
	}
	if p.Filter != nil {
		switch p.Filter.Mode {
		case filter.ModeAllow:
			args = append(args, "--filter", "allow:"+p.FilterPath)
		case filter.ModeDeny:
			args = append(args, "--filter", "deny:"+p.FilterPath)
		case filter.ModeScript:
			args = append(args, "--filter", "python:"+p.Filter.Script)
		}
		if p.Filter.Mark {
			args = append(args, "--mark")
		}
	}
	return args
}

func cpuList(cpus []int) string {
	s := ""
	for i, cpu := range cpus {
		if i > 0 {
			s += ","
		}
		s += strconv.Itoa(cpu)
	}
	return s
}

// Config is the subset of the session configuration the probe set is built
// from.
type Config struct {
	Freq         int
	Buffer       int
	OffCPUFreq   int
	OffCPUBuffer int
	Mode         CaptureMode
	Filter       *filter.Spec
	FilterPath   string
	Extra        []ExtraEvent
	CommandCPUs  []int
}

// Build assembles the session's probe list: always the thread-tree probe and
// the on-CPU/off-CPU probe, then one probe per extra event. Acceptors are
// bound by the caller afterwards.
func Build(cfg Config) []*Probe {
	base := Probe{
		Freq:         cfg.Freq,
		OffCPUFreq:   cfg.OffCPUFreq,
		Buffer:       cfg.Buffer,
		OffCPUBuffer: cfg.OffCPUBuffer,
		Mode:         cfg.Mode,
		Filter:       cfg.Filter,
		FilterPath:   cfg.FilterPath,
		CommandCPUs:  cfg.CommandCPUs,
	}

	tree := base
	tree.Name = "syscall"
	tree.Kind = KindTree

	wall := base
	wall.Name = "walltime"
	wall.Kind = KindWall

	probes := []*Probe{&tree, &wall}
	for _, e := range cfg.Extra {
		p := base
		p.Name = e.Title
		p.Kind = KindEvent
		p.Event = e.Event
		p.Period = e.Period
		p.Title = e.Title
		probes = append(probes, &p)
	}
	return probes
}

// ParseExtraEvent parses the "EVENT,PERIOD,TITLE" flag syntax.
func ParseExtraEvent(s string) (ExtraEvent, error) {
	var e ExtraEvent
	parts := strings.SplitN(s, ",", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return e, fmt.Errorf("probe: extra event %q: want EVENT,PERIOD,TITLE", s)
	}
	period, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil || period < 1 {
		return e, fmt.Errorf("probe: extra event %q: period must be a positive integer", s)
	}
	return ExtraEvent{Event: parts[0], Period: period, Title: parts[2]}, nil
}
