// Package transport provides the framed byte-stream connections used between
// the profiling session, its probes, and the ingest server. Frames are
// newline-terminated byte strings with no escaping; callers guarantee that a
// frame contains no embedded newline.
package transport

import (
	"time"
)

// FileBufferSize is the chunk size for raw file transfers.
const FileBufferSize = 64 * 1024

// Connection is one message-oriented duplex stream. ReadLine returns one frame
// without its terminator; extra frames received in the same read are queued in
// FIFO order, and a partial frame is retained until the rest of it arrives.
type Connection interface {
	ReadLine() (string, error)
	ReadLineTimeout(timeout time.Duration) (string, error)
	ReadBytes(p []byte, timeout time.Duration) (int, error)
	WriteLine(s string) error
	WriteBytes(p []byte) error
	SendFile(path string) error
	Close() error
}

// Acceptor yields Connections of a single variant and publishes the dial
// instructions a peer needs to connect back.
type Acceptor interface {
	Type() string
	DialInstructions() string
	Accept(bufSize int, timeout time.Duration) (Connection, error)
	Close() error
}
