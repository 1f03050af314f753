package transport

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/nczempin/httpd-go-epoll/errors"
)

// Listener is a non-blocking listening socket
type Listener struct {
	network string
	fd      int
	path    string // unix socket path, removed on Close
	closed  bool
}

// Listen creates a non-blocking listening socket. For "tcp" the address and
// port are bound; for "unix" the address is the socket path and port is
// ignored.
func Listen(network, address string, port int, backlog int) (*Listener, error) {
	switch network {
	case "", "tcp":
		return listenTCP(address, port, backlog)
	case "unix":
		return listenUnix(address, backlog)
	default:
		return nil, errors.NewInvalidArgumentError(fmt.Sprintf("unsupported network %q", network))
	}
}

func (l *Listener) Fd() int {
	return l.fd
}

func (l *Listener) Network() string {
	return l.network
}

// Accept takes one pending connection off the queue. The returned descriptor
// is already non-blocking. ok is false when no connection is pending.
func (l *Listener) Accept() (fd int, ok bool, err error) {
	for {
		nfd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EINTR, unix.ECONNABORTED:
				continue
			case unix.EAGAIN:
				return -1, false, nil
			}
			return -1, false, errors.NewTransportError(
				errors.TransportErrorSocketAcceptFailure,
				"failed to accept connection",
				err,
			)
		}

		if l.network == "tcp" {
			// Set TCP_NODELAY
			if err := unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
				unix.Close(nfd)
				return -1, false, errors.NewTransportError(
					errors.TransportErrorSocketCreateFailure,
					"failed to set TCP_NODELAY",
					err,
				)
			}
		}
		return nfd, true, nil
	}
}

// Addr returns the bound local address
func (l *Listener) Addr() net.Addr {
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return nil
	}
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3]), Port: v.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port}
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: v.Name, Net: "unix"}
	default:
		return nil
	}
}

// Close closes the listening socket
func (l *Listener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true

	err := unix.Close(l.fd)
	if l.path != "" {
		os.Remove(l.path)
	}
	if err != nil {
		return errors.NewTransportError(
			errors.TransportErrorSocketCloseFailure,
			"failed to close listening socket",
			err,
		)
	}
	return nil
}
