package transport

import (
	"syscall"

	"github.com/godzie44/go-uring/uring"
	"golang.org/x/sys/unix"

	"github.com/nczempin/httpd-go-epoll/errors"
)

// UringEngineV2 owns a godzie44/go-uring ring. The ring is not safe for
// concurrent use; every socket it wraps must be driven from the same
// goroutine, which the reactor guarantees.
type UringEngineV2 struct {
	ring *uring.Ring
}

// NewUringEngineV2 creates an engine backed by godzie44/go-uring
func NewUringEngineV2() (*UringEngineV2, error) {
	// Create io_uring instance with queue depth of 32
	ring, err := uring.New(uringQueueDepth)
	if err != nil {
		return nil, errors.NewTransportError(
			errors.TransportErrorIoUringInit,
			"failed to initialize io_uring",
			err,
		)
	}
	return &UringEngineV2{ring: ring}, nil
}

func (e *UringEngineV2) Wrap(fd int) Socket {
	return &UringSocketV2{ring: e.ring, fd: fd}
}

// Close releases the ring
func (e *UringEngineV2) Close() error {
	if e.ring == nil {
		return nil
	}
	err := e.ring.Close()
	e.ring = nil
	return err
}

// UringSocketV2 implements Socket with read/write operations on a go-uring ring
type UringSocketV2 struct {
	ring   *uring.Ring
	fd     int
	closed bool
}

func (s *UringSocketV2) Fd() int {
	return s.fd
}

// Read receives available data using io_uring. MSG_DONTWAIT makes the
// kernel complete with EAGAIN on a drained socket instead of parking the op.
func (s *UringSocketV2) Read(buf []byte) (int, error) {
	if s.closed {
		return 0, errors.NewTransportError(
			errors.TransportErrorConnectionClosed,
			"connection closed",
			nil,
		)
	}

	res, err := s.complete(func() error {
		return s.ring.QueueSQE(uring.Recv(uintptr(s.fd), buf, unix.MSG_DONTWAIT), 0, 0)
	})
	if err != nil {
		return 0, err
	}

	if res < 0 {
		return 0, classifyReadError(syscall.Errno(-res))
	}

	if res == 0 && len(buf) > 0 {
		return 0, errors.NewTransportError(
			errors.TransportErrorConnectionClosed,
			"connection closed by peer",
			nil,
		)
	}

	return res, nil
}

// Write makes one write attempt using io_uring
func (s *UringSocketV2) Write(buf []byte) (int, error) {
	if s.closed {
		return 0, errors.NewTransportError(
			errors.TransportErrorConnectionClosed,
			"connection closed",
			nil,
		)
	}

	res, err := s.complete(func() error {
		return s.ring.QueueSQE(uring.Send(uintptr(s.fd), buf, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL), 0, 0)
	})
	if err != nil {
		return 0, err
	}

	if res < 0 {
		return 0, classifyWriteError(syscall.Errno(-res))
	}

	return res, nil
}

// complete queues one operation, submits it and waits for its completion
// event. The raw result is returned so negative errno values can be
// classified by the caller.
func (s *UringSocketV2) complete(queue func() error) (int, error) {
	if err := queue(); err != nil {
		return 0, errors.NewTransportError(
			errors.TransportErrorIoUringSubmit,
			"failed to queue request",
			err,
		)
	}

	if _, err := s.ring.Submit(); err != nil {
		return 0, errors.NewTransportError(
			errors.TransportErrorIoUringSubmit,
			"failed to submit request",
			err,
		)
	}

	cqe, err := s.ring.WaitCQEvents(1)
	if err != nil {
		return 0, errors.NewTransportError(
			errors.TransportErrorIoUringSubmit,
			"failed to wait for completion",
			err,
		)
	}

	res := int(cqe.Res)
	s.ring.SeenCQE(cqe)
	return res, nil
}

// Close closes the socket
func (s *UringSocketV2) Close() error {
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
