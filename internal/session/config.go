package session

import (
	"github.com/andresailer/Adaptyst/internal/cpuset"
	"github.com/andresailer/Adaptyst/internal/filter"
	"github.com/andresailer/Adaptyst/internal/probe"
)

// CodesMode says where the profiled sources end up.
type CodesMode int

const (
	// CodesNone skips source-code collection.
	CodesNone CodesMode = iota
	// CodesBundle archives the sources next to the local results.
	CodesBundle
	// CodesServer uploads the source manifest to the remote ingest peer.
	CodesServer
	// CodesFile writes the source path list to a file.
	CodesFile
	// CodesFd writes the source path list to an inherited descriptor.
	CodesFd
)

// Codes is the validated source-code destination.
type Codes struct {
	Mode CodesMode
	Path string // CodesFile
	Fd   int    // CodesFd
}

// Config is the validated input of a profiling session.
type Config struct {
	Freq         int // on-CPU sampling frequency, Hz
	Buffer       int // event buffer depth, 1 = unbuffered
	OffCPUFreq   int // 0 disables, -1 captures every region
	OffCPUBuffer int // 0 = adaptive
	PostProcess  int // post-processing threads, 0 = no isolation
	Mode         probe.CaptureMode
	Warmup       int // seconds between probe readiness and command start
	Extra        []probe.ExtraEvent
	Roofline     uint64 // CARM sampling period, 0 = off
	Filter       *filter.Spec
	ServerBuffer int    // in-process server buffer; mutually exclusive with RemoteAddr
	RemoteAddr   string // "host:port" of a remote ingest peer
	Codes        Codes
	Quiet        bool
	OutputDir    string // root for local result directories; "" = cwd
	Command      []string
}

// Validate rejects invalid values and incompatible combinations. hwThreads is
// the machine's hardware thread count.
func (c *Config) Validate(hwThreads int) error {
	if len(c.Command) == 0 {
		return usageErrorf("no command to profile")
	}
	if c.Freq < 1 {
		return usageErrorf("sampling frequency must be at least 1")
	}
	if c.Buffer < 1 {
		return usageErrorf("event buffer depth must be at least 1")
	}
	if c.OffCPUFreq < -1 {
		return usageErrorf("off-CPU frequency must be -1, 0, or positive")
	}
	if c.OffCPUBuffer < 0 {
		return usageErrorf("off-CPU buffer must not be negative")
	}
	if c.Warmup < 1 {
		return usageErrorf("warmup must be at least 1 second")
	}
	if max := cpuset.MaxPostProcess(hwThreads); c.PostProcess < 0 || c.PostProcess > max {
		return usageErrorf("post-processing threads must be between 0 and %d on this machine", max)
	}
	for _, e := range c.Extra {
		if probe.IsReservedTitle(e.Title) {
			return usageErrorf("event title %q uses the reserved CARM_ prefix", e.Title)
		}
	}
	if c.Codes.Mode == CodesServer && c.RemoteAddr == "" {
		return usageErrorf("sending sources to the server requires a remote address (-a)")
	}
	if c.ServerBuffer > 0 && c.RemoteAddr != "" {
		return usageErrorf("server buffer (-s) cannot be combined with a remote address (-a)")
	}
	if c.Filter != nil {
		if c.Filter.Mark && c.Filter.Mode == filter.ModeNone {
			return usageErrorf("marking (-k) requires a filter (-i)")
		}
		if c.Filter.Mode == filter.ModeScript && c.Filter.Script == "-" {
			return usageErrorf("a python filter cannot be read from stdin")
		}
	}
	return nil
}
