package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andresailer/Adaptyst/internal/archive"
	"github.com/andresailer/Adaptyst/internal/logger"
	"github.com/andresailer/Adaptyst/internal/transport"
)

// Control frames originated by the server.
const (
	frameStartProfile      = "start_profile"
	frameTstampAck         = "tstamp_ack"
	frameOutFiles          = "out_files"
	frameOutFileOK         = "out_file_ok"
	frameProfilingFinished = "profiling_finished"
	frameFinished          = "finished"

	frameErrWrongCommand   = "error_wrong_command"
	frameErrResultDir      = "error_result_dir"
	frameErrTstamp         = "error_tstamp"
	frameErrWrongFileFmt   = "error_wrong_file_format"
	frameErrOutFile        = "error_out_file"
	frameErrOutFileTimeout = "error_out_file_timeout"
)

// codePathsName is the in-band source-manifest upload; its payload is a list
// of paths on the sender's filesystem, not file content.
const codePathsName = "code_paths.lst"

// Options configure one ingest client.
type Options struct {
	// WorkDir is the working directory the result directory is created in.
	WorkDir string
	// Acceptors are pre-bound data acceptors, one per expected probe. When
	// nil, NewDataAcceptor is called once per announced probe instead.
	Acceptors []transport.Acceptor
	// NewDataAcceptor binds a fresh data acceptor (remote sessions, where the
	// probe count is only known from the start frame).
	NewDataAcceptor func() (transport.Acceptor, error)
	// FileAcceptor, when set, enables the file-upload phase.
	FileAcceptor transport.Acceptor
	// Archiver builds processed/src.zip from an uploaded source manifest.
	Archiver archive.SourceArchiver
	// BufSize is the per-connection receive buffer depth in bytes.
	BufSize int
	// AcceptTimeout bounds each data-connection accept.
	AcceptTimeout time.Duration
	// FileTimeout bounds every read during the file-upload phase.
	FileTimeout time.Duration
}

// Client coordinates one profiling session on the server side: it owns the
// control connection, spawns one subclient per probe, runs the readiness
// barrier, merges results, and writes the session output.
type Client struct {
	ctrl transport.Connection
	opts Options

	mu       sync.Mutex
	cond     *sync.Cond
	accepted int
	aborted  int // subclients that failed before connecting

	expected     int
	processedDir string
	outDir       string
	epoch        uint64

	// ProfiledFilename is the command name announced by the peer.
	ProfiledFilename string
}

func NewClient(ctrl transport.Connection, opts Options) *Client {
	c := &Client{ctrl: ctrl, opts: opts}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// notify is the readiness signal each subclient fires after accepting its
// data connection.
func (c *Client) notify() {
	c.mu.Lock()
	c.accepted++
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Client) abort() {
	c.mu.Lock()
	c.aborted++
	c.cond.Broadcast()
	c.mu.Unlock()
}

// awaitBarrier blocks until every subclient has a connection, or reports
// failure if any of them died before connecting.
func (c *Client) awaitBarrier() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.accepted+c.aborted < c.expected {
		c.cond.Wait()
	}
	if c.aborted > 0 {
		return fmt.Errorf("ingest: %d of %d probes never connected", c.aborted, c.expected)
	}
	return nil
}

func (c *Client) fail(frame string, cause error) error {
	if err := c.ctrl.WriteLine(frame); err != nil {
		logger.Debug("error frame not delivered", "frame", frame, "err", err)
	}
	c.ctrl.Close()
	return cause
}

// Run drives the control connection through a full session. On return the
// control connection is closed.
func (c *Client) Run() error {
	defer c.ctrl.Close()

	// AwaitStart
	line, err := c.ctrl.ReadLine()
	if err != nil {
		return err
	}
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "start" {
		return c.fail(frameErrWrongCommand, protocolErrorf("expected start frame, got %q", line))
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n < 1 {
		return c.fail(frameErrWrongCommand, protocolErrorf("bad probe count %q", fields[1]))
	}
	c.expected = n

	resultDir := fields[2]
	if resultDir != filepath.Base(resultDir) || resultDir == "." || resultDir == ".." {
		return c.fail(frameErrResultDir, protocolErrorf("bad result directory %q", resultDir))
	}
	c.processedDir = filepath.Join(c.opts.WorkDir, resultDir, "processed")
	c.outDir = filepath.Join(c.opts.WorkDir, resultDir, "out")
	for _, dir := range []string{c.processedDir, c.outDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return c.fail(frameErrResultDir, fmt.Errorf("ingest: %w", err))
		}
	}

	// AwaitStartProfile
	if c.ProfiledFilename, err = c.ctrl.ReadLine(); err != nil {
		return err
	}

	acceptors, err := c.dataAcceptors()
	if err != nil {
		return err
	}

	// Spawn subclients and publish their dial instructions.
	instructions := []string{acceptors[0].Type()}
	for _, acc := range acceptors {
		instructions = append(instructions, acc.DialInstructions())
	}
	if err := c.ctrl.WriteLine(strings.Join(instructions, " ")); err != nil {
		return err
	}

	type outcome struct {
		result map[string]any
		err    error
	}
	outcomes := make([]outcome, n)
	var wg sync.WaitGroup
	for i, acc := range acceptors {
		sub := NewSubclient(acc, c.opts.BufSize, c.opts.AcceptTimeout, c.notify, c.abort)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := sub.Run()
			outcomes[i] = outcome{result, err}
		}(i)
	}

	if err := c.awaitBarrier(); err != nil {
		wg.Wait()
		return err
	}

	if err := c.ctrl.WriteLine(frameStartProfile); err != nil {
		wg.Wait()
		return err
	}

	// AwaitTimestamp
	line, err = c.ctrl.ReadLine()
	if err != nil {
		wg.Wait()
		return err
	}
	epoch, err := strconv.ParseUint(line, 10, 64)
	if err != nil {
		ferr := c.fail(frameErrTstamp, protocolErrorf("bad session epoch %q", line))
		wg.Wait()
		return ferr
	}
	c.epoch = epoch
	if err := c.ctrl.WriteLine(frameTstampAck); err != nil {
		wg.Wait()
		return err
	}

	// Collecting: the probes stream until their connections close.
	wg.Wait()

	var firstErr error
	m := newMerged()
	for i, o := range outcomes {
		if o.err != nil {
			logger.Error("subclient failed", "index", i, "err", o.err)
			if firstErr == nil {
				firstErr = o.err
			}
			continue
		}
		if err := m.addResult(o.result); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	m.rebase(c.epoch)

	if err := c.writeOutput(m); err != nil && firstErr == nil {
		firstErr = err
	}

	// AwaitFiles (or straight to Done)
	if c.opts.FileAcceptor == nil {
		if err := c.ctrl.WriteLine(frameProfilingFinished); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}
	if err := c.runFilePhase(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (c *Client) dataAcceptors() ([]transport.Acceptor, error) {
	if c.opts.Acceptors != nil {
		if len(c.opts.Acceptors) != c.expected {
			return nil, c.fail(frameErrWrongCommand,
				protocolErrorf("peer announced %d probes, %d acceptors bound", c.expected, len(c.opts.Acceptors)))
		}
		return c.opts.Acceptors, nil
	}
	acceptors := make([]transport.Acceptor, 0, c.expected)
	for i := 0; i < c.expected; i++ {
		acc, err := c.opts.NewDataAcceptor()
		if err != nil {
			for _, a := range acceptors {
				a.Close()
			}
			return nil, err
		}
		acceptors = append(acceptors, acc)
	}
	return acceptors, nil
}

// writeOutput persists metadata.json and one <pid_tid>.json per thread, in
// parallel. Every document is a single line terminated by a newline.
func (c *Client) writeOutput(m *merged) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.finalOutput)+1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- writeJSONLine(filepath.Join(c.processedDir, "metadata.json"), &m.meta)
	}()
	for pidTid, fields := range m.finalOutput {
		wg.Add(1)
		go func(pidTid string, fields map[string]any) {
			defer wg.Done()
			errCh <- writeJSONLine(filepath.Join(c.processedDir, pidTid+".json"), fields)
		}(pidTid, fields)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func writeJSONLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ingest: encode %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// runFilePhase accepts auxiliary file uploads until the peer sends the stop
// token. Per-file failures answer with an error frame and keep the phase
// alive.
func (c *Client) runFilePhase() error {
	fa := c.opts.FileAcceptor
	if err := c.ctrl.WriteLine(frameOutFiles); err != nil {
		return err
	}
	if err := c.ctrl.WriteLine(fa.Type() + " " + fa.DialInstructions()); err != nil {
		return err
	}
	for {
		line, err := c.ctrl.ReadLine()
		if err != nil {
			return err
		}
		if line == stopToken {
			break
		}
		dir, name, ok := parseFileEntry(line)
		if !ok {
			if err := c.ctrl.WriteLine(frameErrWrongFileFmt); err != nil {
				return err
			}
			continue
		}
		dest := c.outDir
		if dir == 'p' {
			dest = c.processedDir
		}
		if err := c.ctrl.WriteLine(c.receiveFile(dest, name)); err != nil {
			return err
		}
	}
	return c.ctrl.WriteLine(frameFinished)
}

// parseFileEntry validates "o <name>" / "p <name>": one destination byte, one
// space, then a bare file name.
func parseFileEntry(line string) (dir byte, name string, ok bool) {
	if len(line) < 3 || (line[0] != 'o' && line[0] != 'p') || line[1] != ' ' {
		return 0, "", false
	}
	name = line[2:]
	if name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return 0, "", false
	}
	return line[0], name, true
}

// receiveFile accepts one data connection and stores its payload, returning
// the reply frame for the peer.
func (c *Client) receiveFile(destDir, name string) string {
	conn, err := c.opts.FileAcceptor.Accept(c.opts.BufSize, c.opts.FileTimeout)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return frameErrOutFileTimeout
		}
		logger.Error("file connection not accepted", "name", name, "err", err)
		return frameErrOutFile
	}
	defer conn.Close()

	if name == codePathsName {
		return c.receiveCodePaths(conn)
	}

	out, err := os.OpenFile(filepath.Join(destDir, name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		logger.Error("output file not created", "name", name, "err", err)
		return frameErrOutFile
	}
	defer out.Close()

	buf := make([]byte, transport.FileBufferSize)
	for {
		n, err := conn.ReadBytes(buf, c.opts.FileTimeout)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				logger.Error("output file write failed", "name", name, "err", werr)
				return frameErrOutFile
			}
		}
		if errors.Is(err, io.EOF) {
			return frameOutFileOK
		}
		if errors.Is(err, transport.ErrTimeout) {
			return frameErrOutFileTimeout
		}
		if err != nil {
			logger.Error("output file receive failed", "name", name, "err", err)
			return frameErrOutFile
		}
	}
}

// receiveCodePaths reads the source manifest as newline-framed paths,
// canonicalizes them into a set, and hands the set to the archiver.
func (c *Client) receiveCodePaths(conn transport.Connection) string {
	paths := map[string]struct{}{}
	for {
		line, err := conn.ReadLineTimeout(c.opts.FileTimeout)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, transport.ErrTimeout) {
			return frameErrOutFileTimeout
		}
		if err != nil {
			logger.Error("source manifest receive failed", "err", err)
			return frameErrOutFile
		}
		if line == "" {
			continue
		}
		paths[canonicalize(line)] = struct{}{}
	}
	if c.opts.Archiver == nil {
		logger.Warn("source manifest received but no archiver configured")
		return frameOutFileOK
	}
	if err := c.opts.Archiver.Archive(paths, filepath.Join(c.processedDir, "src.zip")); err != nil {
		logger.Error("source archive failed", "err", err)
		return frameErrOutFile
	}
	return frameOutFileOK
}

func canonicalize(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
