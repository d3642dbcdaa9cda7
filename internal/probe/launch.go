package probe

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/andresailer/Adaptyst/internal/cpuset"
	"github.com/andresailer/Adaptyst/internal/logger"
	"github.com/andresailer/Adaptyst/internal/transport"
)

// Process is one running probe child.
type Process struct {
	Name string
	cmd  *exec.Cmd
	log  *os.File
}

// Start launches the probe pinned to the profiler CPU set (empty set
// inherits). stderr and stdout go to logPath for forensics. For pipe
// transports the peer descriptors are inherited as fds 3 and 4.
func (p *Probe) Start(perfBin, scriptDir string, cpus []int, logPath string) (*Process, error) {
	argv := p.Args(perfBin, scriptDir)

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", p.Name, err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if pa, ok := p.Acceptor.(*transport.PipeAcceptor); ok {
		r, w := pa.PeerFiles()
		cmd.ExtraFiles = []*os.File{r, w}
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("probe %s: %w", p.Name, err)
	}
	if pa, ok := p.Acceptor.(*transport.PipeAcceptor); ok {
		pa.CloseChildEnds()
	}
	if err := cpuset.PinPid(cmd.Process.Pid, cpus); err != nil {
		logger.Warn("probe not pinned", "probe", p.Name, "err", err)
	}
	logger.Debug("probe started", "probe", p.Name, "pid", cmd.Process.Pid)
	return &Process{Name: p.Name, cmd: cmd, log: logFile}, nil
}

// Pid reports the child's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Stop asks the child to wind down; the patched tool flushes its stream and
// exits on SIGTERM.
func (p *Process) Stop() {
	p.cmd.Process.Signal(syscall.SIGTERM)
}

// Wait reaps the child and returns its exit code.
func (p *Process) Wait() int {
	err := p.cmd.Wait()
	p.log.Close()
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	logger.Error("probe wait failed", "probe", p.Name, "err", err)
	return -1
}

// Alive reports whether the child has not yet been reaped.
func (p *Process) Alive() bool {
	return p.cmd.ProcessState == nil
}
