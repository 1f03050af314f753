package transport

import (
	"syscall"

	"github.com/iceber/iouring-go"
	"golang.org/x/sys/unix"

	"github.com/nczempin/httpd-go-epoll/errors"
)

const uringQueueDepth = 32

// UringEngine owns one io_uring instance shared by every socket it wraps
type UringEngine struct {
	iour *iouring.IOURing
}

// NewUringEngine creates an engine backed by iceber/iouring-go
func NewUringEngine() (*UringEngine, error) {
	iour, err := iouring.New(uringQueueDepth)
	if err != nil {
		return nil, errors.NewTransportError(
			errors.TransportErrorIoUringInit,
			"failed to initialize io_uring",
			err,
		)
	}
	return &UringEngine{iour: iour}, nil
}

func (e *UringEngine) Wrap(fd int) Socket {
	return &UringSocket{
		iour: e.iour,
		fd:   fd,
		ch:   make(chan iouring.Result, 1),
	}
}

// Close releases the io_uring instance
func (e *UringEngine) Close() error {
	if e.iour == nil {
		return nil
	}
	err := e.iour.Close()
	e.iour = nil
	return err
}

// UringSocket implements Socket by submitting MSG_DONTWAIT recv/send
// requests to a shared io_uring
type UringSocket struct {
	iour   *iouring.IOURing
	fd     int
	ch     chan iouring.Result
	closed bool
}

func (s *UringSocket) Fd() int {
	return s.fd
}

// Read receives available data using io_uring
func (s *UringSocket) Read(buf []byte) (int, error) {
	if s.closed {
		return 0, errors.NewTransportError(
			errors.TransportErrorConnectionClosed,
			"connection closed",
			nil,
		)
	}

	res, err := s.submit(iouring.Recv(s.fd, buf, unix.MSG_DONTWAIT))
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

// Write makes one send attempt using io_uring
func (s *UringSocket) Write(buf []byte) (int, error) {
	if s.closed {
		return 0, errors.NewTransportError(
			errors.TransportErrorConnectionClosed,
			"connection closed",
			nil,
		)
	}

	res, err := s.submit(iouring.Send(s.fd, buf, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL))
	if err != nil {
		return 0, err
	}

	if res < 0 {
		return 0, classifyWriteError(syscall.Errno(-res))
	}

	return res, nil
}

// submit queues one request and waits for its completion. The raw result
// is returned so negative errno values can be classified by the caller.
func (s *UringSocket) submit(prepReq iouring.PrepRequest) (int, error) {
	req, err := s.iour.SubmitRequest(prepReq, s.ch)
	if err != nil {
		return 0, errors.NewTransportError(
			errors.TransportErrorIoUringSubmit,
			"failed to submit request",
			err,
		)
	}

	<-s.ch
	res, err := req.GetRes()
	if err != nil {
		return 0, errors.NewTransportError(
			errors.TransportErrorIoUringSubmit,
			"request did not complete",
			err,
		)
	}
	return res, nil
}

// Close closes the socket
func (s *UringSocket) Close() error {
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
