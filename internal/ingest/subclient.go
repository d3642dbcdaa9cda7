package ingest

import (
	"errors"
	"io"
	"time"

	"github.com/andresailer/Adaptyst/internal/transport"
)

// stopToken ends a data stream in-band; closing the connection does the same.
const stopToken = "<STOP>"

// Subclient receives one probe's data connection. It signals the readiness
// barrier once the probe has dialed in, then consumes records until the
// stream ends and yields the probe's per-thread result.
type Subclient struct {
	acceptor      transport.Acceptor
	bufSize       int
	acceptTimeout time.Duration
	ready         func()
	aborted       func()
}

// NewSubclient builds a subclient over one bound data acceptor. ready is the
// readiness signal into the owning ingest client; aborted fires instead if
// the probe never produces a usable connection, so the barrier cannot hang.
func NewSubclient(acc transport.Acceptor, bufSize int, acceptTimeout time.Duration, ready, aborted func()) *Subclient {
	return &Subclient{
		acceptor:      acc,
		bufSize:       bufSize,
		acceptTimeout: acceptTimeout,
		ready:         ready,
		aborted:       aborted,
	}
}

// Run blocks until the probe connects, streams its records, and returns the
// accumulated result on clean EOF or stop token. I/O failures surface as
// transport errors, malformed records as ProtocolError. Siblings are not
// affected either way.
func (s *Subclient) Run() (map[string]any, error) {
	conn, err := s.acceptor.Accept(s.bufSize, s.acceptTimeout)
	if err != nil {
		s.aborted()
		return nil, err
	}
	defer conn.Close()
	s.ready()

	header, err := conn.ReadLine()
	if err != nil {
		return nil, err
	}
	parser, err := parserForHeader(header)
	if err != nil {
		return nil, err
	}

	for {
		line, err := conn.ReadLine()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if line == stopToken {
			break
		}
		if err := parser.Parse(line); err != nil {
			return nil, err
		}
	}
	return parser.Result(), nil
}
