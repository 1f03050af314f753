package transport

import (
	"fmt"

	"github.com/nczempin/httpd-go-epoll/errors"
)

// Socket is one accepted, non-blocking stream connection.
type Socket interface {
	// Fd returns the descriptor the poller watches.
	Fd() int

	// Read receives whatever is available without blocking.
	// Returns 0 and a nil error when nothing is available right now, and a
	// ConnectionClosed transport error once the peer has closed the stream.
	Read(buf []byte) (int, error)

	// Write performs a single non-blocking write attempt and returns the
	// number of bytes the kernel accepted, which may be short.
	Write(buf []byte) (int, error)

	// Close closes the socket. Closing an already closed socket is a no-op.
	Close() error
}

// Engine turns accepted descriptors into Sockets. All sockets of one server
// share the engine, and the engine outlives them.
type Engine interface {
	Wrap(fd int) Socket
	Close() error
}

// EngineKind selects the I/O path used for socket reads and writes.
// Readiness is always reported by epoll.
type EngineKind string

const (
	EngineSyscall EngineKind = "syscall"
	EngineIOUring EngineKind = "iouring"
	EngineGoUring EngineKind = "gouring"
)

// NewEngine creates the engine of the given kind.
func NewEngine(kind EngineKind) (Engine, error) {
	switch kind {
	case "", EngineSyscall:
		return SyscallEngine{}, nil
	case EngineIOUring:
		return NewUringEngine()
	case EngineGoUring:
		return NewUringEngineV2()
	default:
		return nil, errors.NewInvalidArgumentError(fmt.Sprintf("unknown io engine %q", kind))
	}
}
