// Package session orchestrates one profiling run: it builds the probe set,
// binds the transport, runs the warmup handshake, launches the profiled
// command, and consolidates everything into a single exit status.
package session

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/andresailer/Adaptyst/internal/archive"
	"github.com/andresailer/Adaptyst/internal/config"
	"github.com/andresailer/Adaptyst/internal/cpuset"
	"github.com/andresailer/Adaptyst/internal/ingest"
	"github.com/andresailer/Adaptyst/internal/logger"
	"github.com/andresailer/Adaptyst/internal/probe"
	"github.com/andresailer/Adaptyst/internal/store"
	"github.com/andresailer/Adaptyst/internal/transport"
)

const (
	defaultBufSize = 64 * 1024
	acceptTimeout  = 30 * time.Second
	fileTimeout    = 30 * time.Second
)

// Session is one configured profiling run.
type Session struct {
	Cfg      *Config
	Settings *config.Settings
	Registry *store.Store // optional; failures only logged

	id          string
	workDir     string
	resultDir   string
	rooflineCSV string
	probes      []*probe.Probe
	children    []*probe.Process
	startedAt   time.Time
}

// New prepares a session from validated inputs.
func New(cfg *Config, settings *config.Settings, registry *store.Store) *Session {
	return &Session{Cfg: cfg, Settings: settings, Registry: registry}
}

// Run executes the session and returns its exit code. The profiled command's
// exit code becomes the session's unless a more severe failure preempts it.
func (s *Session) Run() int {
	code, err := s.run()
	if err != nil {
		logger.Error("session failed", "err", err)
		if s.workDir != "" {
			logger.Info("working directory preserved", "dir", s.workDir)
		}
	} else if s.workDir != "" {
		os.RemoveAll(s.workDir)
	}
	s.record(code)
	return code
}

func (s *Session) run() (int, error) {
	hw := runtime.NumCPU()
	if err := s.Cfg.Validate(hw); err != nil {
		return exitCodeOf(err), err
	}
	if err := s.Settings.Validate(); err != nil {
		return ExitFailure, err
	}

	part, err := cpuset.New(hw, s.Cfg.PostProcess)
	if err != nil {
		return ExitHardware, hardwareError(err)
	}
	if part.Isolated() {
		if err := cpuset.PinSelf(part.Profiler); err != nil {
			logger.Warn("profiler not pinned", "err", err)
		}
	}

	s.id = uuid.NewString()
	s.startedAt = time.Now()
	s.workDir, err = os.MkdirTemp("", "adaptyst-")
	if err != nil {
		return ExitFailure, failure(err)
	}

	extra := s.Cfg.Extra
	if s.Cfg.Roofline > 0 {
		carm, err := probe.CARMEvents(s.Cfg.Roofline)
		if err != nil {
			return ExitFailure, failure(err)
		}
		extra = append(append([]probe.ExtraEvent{}, extra...), carm...)
		// the benchmark ships inside the CARM tool installation unless a
		// dedicated path is configured
		benchPath := s.Settings.RooflineBenchmarkPath
		if benchPath == "" && s.Settings.CARMToolPath != "" {
			benchPath = filepath.Join(s.Settings.CARMToolPath, "bin", "carm_roofline")
		}
		s.rooflineCSV, err = probe.RunRooflineBenchmark(benchPath, s.workDir, s.Cfg.PostProcess)
		if err != nil {
			return ExitFailure, failure(err)
		}
	}

	filterPath, err := s.writeFilter()
	if err != nil {
		return ExitFailure, failure(err)
	}

	s.resultDir = resultDirName(s.Cfg.Command[0])
	s.probes = probe.Build(probe.Config{
		Freq:         s.Cfg.Freq,
		Buffer:       s.Cfg.Buffer,
		OffCPUFreq:   s.Cfg.OffCPUFreq,
		OffCPUBuffer: s.Cfg.OffCPUBuffer,
		Mode:         s.Cfg.Mode,
		Filter:       s.Cfg.Filter,
		FilterPath:   filterPath,
		Extra:        extra,
		CommandCPUs:  part.Command,
	})
	defer s.reap()

	if s.Cfg.RemoteAddr != "" {
		return s.runRemote()
	}
	return s.runLocal(part)
}

func exitCodeOf(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitFailure
}

func (s *Session) outputDir() string {
	if s.Cfg.OutputDir != "" {
		return s.Cfg.OutputDir
	}
	return "."
}

// resultDirName names the session's result directory after the launch time
// and the profiled binary.
func resultDirName(command string) string {
	base := filepath.Base(command)
	return time.Now().Format("20060102_150405") + "_" + base + "_" + uuid.NewString()[:8]
}

// writeFilter serializes an allow/deny pattern into the working directory so
// probe children can load it.
func (s *Session) writeFilter() (string, error) {
	f := s.Cfg.Filter
	if f == nil || f.Pattern == nil {
		return "", nil
	}
	path := filepath.Join(s.workDir, "filter.flt")
	if err := os.WriteFile(path, []byte(f.Pattern.String()), 0644); err != nil {
		return "", err
	}
	return path, nil
}

// runLocal binds an in-process ingest server over pipe transports.
func (s *Session) runLocal(part *cpuset.Partition) (int, error) {
	ctrlAcc, err := transport.NewPipeAcceptor()
	if err != nil {
		return ExitFailure, failure(err)
	}
	defer ctrlAcc.Close()

	var dataAccs []transport.Acceptor
	for _, p := range s.probes {
		acc, err := transport.NewPipeAcceptor()
		if err != nil {
			return ExitFailure, failure(err)
		}
		// each probe child inherits its pipe ends as fds 3 and 4
		acc.AssignPeerFds(3, 4)
		p.Acceptor = acc
		dataAccs = append(dataAccs, acc)
		defer acc.Close()
	}

	bufSize := defaultBufSize
	if s.Cfg.ServerBuffer > 0 {
		bufSize = s.Cfg.ServerBuffer
	}

	serverErr := make(chan error, 1)
	go func() {
		ctrl, err := ctrlAcc.Accept(bufSize, acceptTimeout)
		if err != nil {
			serverErr <- err
			return
		}
		client := ingest.NewClient(ctrl, ingest.Options{
			WorkDir:       s.outputDir(),
			Acceptors:     dataAccs,
			BufSize:       bufSize,
			AcceptTimeout: acceptTimeout,
			FileTimeout:   fileTimeout,
		})
		serverErr <- client.Run()
	}()

	r, w := ctrlAcc.PeerFiles()
	ctrl, err := transport.DialPipe(r, w, bufSize)
	if err != nil {
		return ExitFailure, failure(err)
	}
	defer ctrl.Close()

	cmdCode, sessErr := s.drive(ctrl, part)
	if sessErr != nil {
		// unblock the server: kill any probe still streaming and drop the
		// control connection before joining it
		s.reap()
		ctrl.Close()
	}

	if err := <-serverErr; err != nil && sessErr == nil {
		sessErr = failure(err)
	}
	if sessErr != nil {
		return exitCodeOf(sessErr), sessErr
	}

	if err := s.exportRoofline(); err != nil {
		return ExitFailure, failure(err)
	}
	if err := s.collectCodes(); err != nil {
		return ExitFailure, failure(err)
	}
	return cmdCode, nil
}

// exportRoofline copies the benchmark CSV out of the temp dir into the local
// result tree before teardown removes it.
func (s *Session) exportRoofline() error {
	if s.rooflineCSV == "" {
		return nil
	}
	data, err := os.ReadFile(s.rooflineCSV)
	if err != nil {
		return err
	}
	dest := filepath.Join(s.outputDir(), s.resultDir, "processed", "roofline.csv")
	return os.WriteFile(dest, data, 0644)
}

// runRemote delegates ingest to a configured peer.
func (s *Session) runRemote() (int, error) {
	ctrl, err := transport.DialTCP(s.Cfg.RemoteAddr, defaultBufSize)
	if err != nil {
		return ExitFailure, failure(err)
	}
	defer ctrl.Close()

	part := &cpuset.Partition{} // remote probes dial out; no repartition of the peer
	cmdCode, sessErr := s.drive(ctrl, part)
	if sessErr != nil {
		return exitCodeOf(sessErr), sessErr
	}
	return cmdCode, nil
}

// drive runs the peer side of the control protocol: announce the session,
// start the probes, run the warmup handshake, launch the command, and settle
// the teardown phases.
func (s *Session) drive(ctrl transport.Connection, part *cpuset.Partition) (int, error) {
	if err := ctrl.WriteLine(fmt.Sprintf("start %d %s", len(s.probes), s.resultDir)); err != nil {
		return 0, failure(err)
	}
	if err := ctrl.WriteLine(s.Cfg.Command[0]); err != nil {
		return 0, failure(err)
	}

	instLine, err := ctrl.ReadLine()
	if err != nil {
		return 0, failure(err)
	}
	if strings.HasPrefix(instLine, "error_") {
		return 0, failure(fmt.Errorf("ingest peer rejected session: %s", instLine))
	}
	insts := strings.Fields(instLine)
	if len(insts) != len(s.probes)+1 {
		return 0, failure(fmt.Errorf("ingest peer offered %d connections for %d probes", len(insts)-1, len(s.probes)))
	}
	connType := insts[0]

	// Remote sessions dial TCP; the acceptor placeholder carries the
	// instructions into the probe argv.
	if s.Cfg.RemoteAddr != "" {
		for i, p := range s.probes {
			p.Acceptor = remoteTarget{instructions: insts[i+1], kind: connType}
		}
	}

	if err := s.startProbes(part.Profiler); err != nil {
		return 0, failure(err)
	}

	// Barrier: the server releases us only after every probe has dialed in.
	frame, err := ctrl.ReadLineTimeout(acceptTimeout)
	if err != nil {
		return 0, failure(err)
	}
	if frame != "start_profile" {
		return 0, failure(fmt.Errorf("expected start_profile, got %q", frame))
	}

	logger.Info("probes ready, warming up", "seconds", s.Cfg.Warmup)
	time.Sleep(time.Duration(s.Cfg.Warmup) * time.Second)

	epoch, err := monotonicNow()
	if err != nil {
		return 0, failure(err)
	}
	if err := ctrl.WriteLine(fmt.Sprintf("%d", epoch)); err != nil {
		return 0, failure(err)
	}
	frame, err = ctrl.ReadLine()
	if err != nil {
		return 0, failure(err)
	}
	if frame != "tstamp_ack" {
		return 0, failure(fmt.Errorf("expected tstamp_ack, got %q", frame))
	}

	cmdCode, cmdErr := s.runCommand(part.Command)

	// The command is done: ask the probes to flush and close their streams.
	for _, child := range s.children {
		child.Stop()
	}
	toolFailed := false
	for _, child := range s.children {
		if code := child.Wait(); code != 0 {
			logger.Error("probe exited with failure", "probe", child.Name, "code", code)
			toolFailed = true
		}
	}

	if cmdErr != nil {
		return 0, failure(cmdErr)
	}

	if err := s.settle(ctrl); err != nil {
		return 0, err
	}
	if toolFailed {
		return 0, failure(fmt.Errorf("one or more probes failed"))
	}
	return cmdCode, nil
}

// remoteTarget satisfies the acceptor surface probes need for argv
// construction when the real acceptor lives on the remote peer.
type remoteTarget struct {
	kind         string
	instructions string
}

func (r remoteTarget) Type() string             { return r.kind }
func (r remoteTarget) DialInstructions() string { return r.instructions }
func (r remoteTarget) Accept(int, time.Duration) (transport.Connection, error) {
	return nil, fmt.Errorf("remote target does not accept")
}
func (r remoteTarget) Close() error { return nil }

func (s *Session) startProbes(profilerCPUs []int) error {
	for _, p := range s.probes {
		logPath := filepath.Join(s.workDir, "probe_"+p.Name+".log")
		child, err := p.Start(s.Settings.PerfBin(), s.Settings.ScriptDir(), profilerCPUs, logPath)
		if err != nil {
			return err
		}
		s.children = append(s.children, child)
	}
	return nil
}

// runCommand launches the profiled command pinned to the command CPU set and
// waits for it, forwarding interrupt signals.
func (s *Session) runCommand(cpus []int) (int, error) {
	argv := s.Cfg.Command
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("command %s: %w", argv[0], err)
	}
	if err := cpuset.PinPid(cmd.Process.Pid, cpus); err != nil {
		logger.Warn("command not pinned", "err", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigCh:
				cmd.Process.Signal(sig)
			case <-done:
				return
			}
		}
	}()

	err := cmd.Wait()
	close(done)
	if err == nil {
		return 0, nil
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode(), nil
	}
	return 0, err
}

// settle consumes the teardown phases of the control protocol.
func (s *Session) settle(ctrl transport.Connection) error {
	frame, err := ctrl.ReadLine()
	if err != nil {
		return failure(err)
	}
	switch {
	case frame == "profiling_finished":
		return nil
	case frame == "out_files":
		return s.uploadFiles(ctrl)
	case strings.HasPrefix(frame, "error_"):
		return failure(fmt.Errorf("ingest peer failed: %s", frame))
	}
	return failure(fmt.Errorf("unexpected frame %q", frame))
}

// uploadFiles returns the session's local artifacts to the ingest peer:
// probe logs into out/, the roofline CSV into processed/, plus the source
// manifest when sources go to the server.
func (s *Session) uploadFiles(ctrl transport.Connection) error {
	instLine, err := ctrl.ReadLine()
	if err != nil {
		return failure(err)
	}
	kind, inst, ok := strings.Cut(instLine, " ")
	if !ok || kind != "tcp" {
		return failure(fmt.Errorf("unusable file transport %q", instLine))
	}
	addr, err := transport.TCPAddr(inst)
	if err != nil {
		return failure(err)
	}

	send := func(entry, path string) error {
		if err := ctrl.WriteLine(entry); err != nil {
			return err
		}
		conn, err := transport.DialTCP(addr, defaultBufSize)
		if err != nil {
			return err
		}
		if err := conn.SendFile(path); err != nil {
			conn.Close()
			return err
		}
		if err := conn.Close(); err != nil {
			return err
		}
		reply, err := ctrl.ReadLine()
		if err != nil {
			return err
		}
		if reply != "out_file_ok" {
			logger.Warn("upload not accepted", "entry", entry, "reply", reply)
		}
		return nil
	}

	entries, _ := os.ReadDir(s.workDir)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		if err := send("o "+e.Name(), filepath.Join(s.workDir, e.Name())); err != nil {
			return failure(err)
		}
	}
	if s.rooflineCSV != "" {
		if err := send("p roofline.csv", s.rooflineCSV); err != nil {
			return failure(err)
		}
	}
	if s.Cfg.Codes.Mode == CodesServer {
		manifest := filepath.Join(s.workDir, "code_paths.lst")
		if _, err := os.Stat(manifest); err == nil {
			if err := send("p code_paths.lst", manifest); err != nil {
				return failure(err)
			}
		}
	}

	if err := ctrl.WriteLine("<STOP>"); err != nil {
		return failure(err)
	}
	frame, err := ctrl.ReadLine()
	if err != nil {
		return failure(err)
	}
	if frame != "finished" {
		return failure(fmt.Errorf("expected finished, got %q", frame))
	}
	return nil
}

// collectCodes handles local source-code destinations once the probes have
// written their manifest.
func (s *Session) collectCodes() error {
	if s.Cfg.Codes.Mode == CodesNone || s.Cfg.Codes.Mode == CodesServer {
		return nil
	}
	manifest := filepath.Join(s.workDir, "code_paths.lst")
	data, err := os.ReadFile(manifest)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("no source manifest produced by the probes")
			return nil
		}
		return err
	}

	switch s.Cfg.Codes.Mode {
	case CodesBundle:
		paths := map[string]struct{}{}
		for _, line := range strings.Split(string(data), "\n") {
			if line == "" {
				continue
			}
			paths[line] = struct{}{}
		}
		dest := filepath.Join(s.outputDir(), s.resultDir, "processed", "src.zip")
		return archive.ZipArchiver{}.Archive(paths, dest)
	case CodesFile:
		return os.WriteFile(s.Cfg.Codes.Path, data, 0644)
	case CodesFd:
		f := os.NewFile(uintptr(s.Cfg.Codes.Fd), "codes")
		if f == nil {
			return fmt.Errorf("descriptor %d is not open", s.Cfg.Codes.Fd)
		}
		defer f.Close()
		_, err := f.Write(data)
		return err
	}
	return nil
}

// reap terminates any probe child still running after teardown.
func (s *Session) reap() {
	var wg sync.WaitGroup
	for _, child := range s.children {
		if !child.Alive() {
			continue
		}
		logger.Warn("terminating lingering probe", "probe", child.Name, "pid", child.Pid())
		child.Stop()
		wg.Add(1)
		go func(c *probe.Process) {
			defer wg.Done()
			c.Wait()
		}(child)
	}
	wg.Wait()
}

// record stamps the run into the session registry.
func (s *Session) record(code int) {
	if s.Registry == nil || s.id == "" {
		return
	}
	if err := s.Registry.Begin(&store.Session{
		ID:        s.id,
		Command:   strings.Join(s.Cfg.Command, " "),
		ResultDir: s.resultDir,
		Probes:    len(s.probes),
		StartedAt: s.startedAt,
	}); err != nil {
		logger.Debug("session not registered", "err", err)
		return
	}
	if err := s.Registry.Finish(s.id, code, time.Now()); err != nil {
		logger.Debug("session outcome not recorded", "err", err)
	}
}
