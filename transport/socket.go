package transport

import (
	stderrors "errors"

	"golang.org/x/sys/unix"

	"github.com/nczempin/httpd-go-epoll/errors"
)

// SyscallEngine wraps descriptors in sockets that use plain read(2)/write(2).
type SyscallEngine struct{}

func (SyscallEngine) Wrap(fd int) Socket {
	return &SyscallSocket{fd: fd}
}

func (SyscallEngine) Close() error {
	return nil
}

// SyscallSocket implements Socket with non-blocking syscalls
type SyscallSocket struct {
	fd     int
	closed bool
}

// NewSyscallSocket wraps an already non-blocking descriptor
func NewSyscallSocket(fd int) *SyscallSocket {
	return &SyscallSocket{fd: fd}
}

func (s *SyscallSocket) Fd() int {
	return s.fd
}

// Read receives available data from the socket
func (s *SyscallSocket) Read(buf []byte) (int, error) {
	if s.closed {
		return 0, errors.NewTransportError(
			errors.TransportErrorConnectionClosed,
			"connection closed",
			nil,
		)
	}

	for {
		n, err := unix.Read(s.fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, classifyReadError(err)
		}

		if n == 0 && len(buf) > 0 {
			return 0, errors.NewTransportError(
				errors.TransportErrorConnectionClosed,
				"connection closed by peer",
				nil,
			)
		}

		return n, nil
	}
}

// Write makes one write attempt
func (s *SyscallSocket) Write(buf []byte) (int, error) {
	if s.closed {
		return 0, errors.NewTransportError(
			errors.TransportErrorConnectionClosed,
			"connection closed",
			nil,
		)
	}

	for {
		n, err := unix.Write(s.fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, classifyWriteError(err)
		}
		return n, nil
	}
}

// Close closes the socket
func (s *SyscallSocket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if err := unix.Close(s.fd); err != nil {
		return errors.NewTransportError(
			errors.TransportErrorSocketCloseFailure,
			"failed to close socket",
			err,
		)
	}
	return nil
}

// classifyReadError maps a failed read to a transport error. EAGAIN is not
// an error for a drained non-blocking socket and yields nil.
func classifyReadError(err error) error {
	if stderrors.Is(err, unix.EAGAIN) {
		return nil
	}
	if stderrors.Is(err, unix.ECONNRESET) {
		return errors.NewTransportError(errors.TransportErrorConnectionClosed, "connection reset by peer", err)
	}
	return errors.NewTransportError(errors.TransportErrorSocketReadFailure, "read failed", err)
}

// classifyWriteError maps a failed write to a transport error. EAGAIN means
// the kernel accepted nothing and yields nil.
func classifyWriteError(err error) error {
	if stderrors.Is(err, unix.EAGAIN) {
		return nil
	}
	if stderrors.Is(err, unix.EPIPE) || stderrors.Is(err, unix.ECONNRESET) {
		return errors.NewTransportError(errors.TransportErrorConnectionClosed, "connection closed during write", err)
	}
	return errors.NewTransportError(errors.TransportErrorSocketWriteFailure, "write failed", err)
}
