package transport

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/nczempin/httpd-go-epoll/errors"
)

// listenTCP binds a non-blocking TCP socket to address:port
func listenTCP(address string, port int, backlog int) (*Listener, error) {
	if port < 0 || port > 65535 {
		return nil, errors.NewInvalidArgumentError(fmt.Sprintf("invalid port %d", port))
	}

	// Resolve the address
	addr := net.JoinHostPort(address, strconv.Itoa(port))
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, errors.NewTransportError(
			errors.TransportErrorDnsFailure,
			fmt.Sprintf("failed to resolve %s", addr),
			err,
		)
	}

	// Convert to unix.Sockaddr
	domain := unix.AF_INET
	var sa unix.Sockaddr
	if tcpAddr.IP == nil {
		sa = &unix.SockaddrInet4{Port: tcpAddr.Port}
	} else if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		sa4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		domain = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: tcpAddr.Port}
		copy(sa6.Addr[:], tcpAddr.IP.To16())
		sa = sa6
	}

	// Create socket
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.NewTransportError(
			errors.TransportErrorSocketCreateFailure,
			"failed to create socket",
			err,
		)
	}

	// Allow quick restarts on the same port
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, errors.NewTransportError(
			errors.TransportErrorSocketCreateFailure,
			"failed to set SO_REUSEADDR",
			err,
		)
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errors.NewTransportError(
			errors.TransportErrorSocketBindFailure,
			fmt.Sprintf("failed to bind %s", addr),
			err,
		)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, errors.NewTransportError(
			errors.TransportErrorSocketBindFailure,
			fmt.Sprintf("failed to listen on %s", addr),
			err,
		)
	}

	return &Listener{network: "tcp", fd: fd}, nil
}
