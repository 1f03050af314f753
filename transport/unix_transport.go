package transport

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/nczempin/httpd-go-epoll/errors"
)

// listenUnix binds a non-blocking Unix domain socket at path
func listenUnix(path string, backlog int) (*Listener, error) {
	if path == "" {
		return nil, errors.NewInvalidArgumentError("unix socket path is empty")
	}

	// A stale socket file from a previous run makes bind fail with EADDRINUSE
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		os.Remove(path)
	}

	// Create Unix domain socket
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.NewTransportError(
			errors.TransportErrorSocketCreateFailure,
			"failed to create socket",
			err,
		)
	}

	// Prepare Unix socket address
	sa := &unix.SockaddrUnix{Name: path}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errors.NewTransportError(
			errors.TransportErrorSocketBindFailure,
			"failed to bind unix socket",
			err,
		)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, errors.NewTransportError(
			errors.TransportErrorSocketBindFailure,
			"failed to listen on unix socket",
			err,
		)
	}

	return &Listener{network: "unix", fd: fd, path: path}, nil
}
