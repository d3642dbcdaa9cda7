package transport

import (
	"fmt"
	"os"
	"time"
)

// pipeDuplex joins the two halves of a pipe pair into one stream.
type pipeDuplex struct {
	r, w *os.File
}

func (p *pipeDuplex) Read(b []byte) (int, error)        { return p.r.Read(b) }
func (p *pipeDuplex) Write(b []byte) (int, error)       { return p.w.Write(b) }
func (p *pipeDuplex) SetReadDeadline(t time.Time) error { return p.r.SetReadDeadline(t) }

func (p *pipeDuplex) Close() error {
	err := p.r.Close()
	if werr := p.w.Close(); err == nil {
		err = werr
	}
	return err
}

// PipeAcceptor owns one pipe pair. The peer side is inherited by a child
// process (or dialed in-process); a connection is established once the peer
// writes the literal "connect" token.
type PipeAcceptor struct {
	parentR, parentW *os.File
	childR, childW   *os.File
	childRFd         int
	childWFd         int
	accepted         bool
}

// NewPipeAcceptor allocates both directions of a pipe connection. The dial
// instructions initially name the raw descriptor numbers, which is what an
// in-process peer uses; AssignPeerFds fixes them up for a child whose
// descriptors are renumbered on exec.
func NewPipeAcceptor() (*PipeAcceptor, error) {
	fromPeerR, fromPeerW, err := os.Pipe()
	if err != nil {
		return nil, &ConnError{Op: "pipe", Err: err}
	}
	toPeerR, toPeerW, err := os.Pipe()
	if err != nil {
		fromPeerR.Close()
		fromPeerW.Close()
		return nil, &ConnError{Op: "pipe", Err: err}
	}
	return &PipeAcceptor{
		parentR:  fromPeerR,
		parentW:  toPeerW,
		childR:   toPeerR,
		childW:   fromPeerW,
		childRFd: int(toPeerR.Fd()),
		childWFd: int(fromPeerW.Fd()),
	}, nil
}

func (a *PipeAcceptor) Type() string { return "pipe" }

func (a *PipeAcceptor) DialInstructions() string {
	return fmt.Sprintf("%d_%d", a.childRFd, a.childWFd)
}

// PeerFiles exposes the child-side descriptors for exec.Cmd.ExtraFiles.
func (a *PipeAcceptor) PeerFiles() (r, w *os.File) { return a.childR, a.childW }

// AssignPeerFds records the descriptor numbers the peer will see after exec.
func (a *PipeAcceptor) AssignPeerFds(rfd, wfd int) {
	a.childRFd = rfd
	a.childWFd = wfd
}

// CloseChildEnds releases the peer-side descriptors once the child holds them.
func (a *PipeAcceptor) CloseChildEnds() {
	a.childR.Close()
	a.childW.Close()
}

// Accept waits for the connect handshake. A pipe acceptor carries exactly one
// connection.
func (a *PipeAcceptor) Accept(bufSize int, timeout time.Duration) (Connection, error) {
	if a.accepted {
		return nil, &ConnError{Op: "accept", Err: fmt.Errorf("pipe already accepted")}
	}
	c := newConn(&pipeDuplex{r: a.parentR, w: a.parentW}, bufSize)
	line, err := c.readLine(timeout)
	if err != nil {
		return nil, err
	}
	if line != "connect" {
		return nil, ErrBadHandshake
	}
	a.accepted = true
	return c, nil
}

// Close releases the parent-side descriptors. Harmless after Accept: the
// returned connection owns the same files, and closing them unblocks any
// pending reader.
func (a *PipeAcceptor) Close() error {
	err := a.parentR.Close()
	if werr := a.parentW.Close(); err == nil {
		err = werr
	}
	return err
}

// DialPipe connects the peer end of a pipe acceptor, performing the connect
// handshake. r and w are the descriptors named by the acceptor's dial
// instructions.
func DialPipe(r, w *os.File, bufSize int) (Connection, error) {
	c := newConn(&pipeDuplex{r: r, w: w}, bufSize)
	if err := c.WriteLine("connect"); err != nil {
		return nil, err
	}
	return c, nil
}
