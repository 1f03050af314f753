package transport

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	httperrors "github.com/nczempin/httpd-go-epoll/errors"
)

func setupTcpListener(t *testing.T) (*Listener, *Poller, func()) {
	t.Helper()

	ln, err := Listen("tcp", "127.0.0.1", 0, 16)
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	poller, err := NewPoller(16)
	if err != nil {
		ln.Close()
		t.Fatalf("Failed to create poller: %v", err)
	}

	if err := poller.Add(ln.Fd(), InterestRead); err != nil {
		poller.Close()
		ln.Close()
		t.Fatalf("Failed to register listener: %v", err)
	}

	cleanup := func() {
		poller.Close()
		ln.Close()
	}
	return ln, poller, cleanup
}

// waitFor polls until fd reports readiness matching want
func waitFor(t *testing.T, poller *Poller, fd int, want func(Event) bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		events, _, err := poller.Wait(100 * time.Millisecond)
		if err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
		for _, ev := range events {
			if ev.Fd == fd && want(ev) {
				return
			}
		}
	}
	t.Fatalf("Timed out waiting for fd %d", fd)
}

func acceptOne(t *testing.T, ln *Listener, poller *Poller) int {
	t.Helper()

	waitFor(t, poller, ln.Fd(), func(ev Event) bool { return ev.Readable })
	fd, ok, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected a pending connection")
	}
	return fd
}

func TestListener_TcpAddr(t *testing.T) {
	ln, _, cleanup := setupTcpListener(t)
	defer cleanup()

	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("Expected *net.TCPAddr, got %T", ln.Addr())
	}
	if addr.Port == 0 {
		t.Error("Expected an ephemeral port to be assigned")
	}
	if !addr.IP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Errorf("Expected 127.0.0.1, got %v", addr.IP)
	}
}

func TestListener_AcceptWithoutPending(t *testing.T) {
	ln, _, cleanup := setupTcpListener(t)
	defer cleanup()

	fd, ok, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if ok || fd != -1 {
		t.Errorf("Expected no pending connection, got fd=%d ok=%v", fd, ok)
	}
}

func TestListener_InvalidArguments(t *testing.T) {
	if _, err := Listen("udp", "127.0.0.1", 0, 16); err == nil {
		t.Error("Expected error for unsupported network")
	}
	if _, err := Listen("tcp", "127.0.0.1", 70000, 16); err == nil {
		t.Error("Expected error for invalid port")
	}
	if _, err := Listen("unix", "", 0, 16); err == nil {
		t.Error("Expected error for empty unix path")
	}
}

func TestSyscallSocket_ReadWrite(t *testing.T) {
	ln, poller, cleanup := setupTcpListener(t)
	defer cleanup()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	sock := NewSyscallSocket(acceptOne(t, ln, poller))
	defer sock.Close()

	// Nothing sent yet: read must not block
	buf := make([]byte, 64)
	n, err := sock.Read(buf)
	if err != nil || n != 0 {
		t.Fatalf("Expected 0, nil on empty socket, got %d, %v", n, err)
	}

	if err := poller.Add(sock.Fd(), InterestRead); err != nil {
		t.Fatalf("Failed to register socket: %v", err)
	}
	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("Client write failed: %v", err)
	}
	waitFor(t, poller, sock.Fd(), func(ev Event) bool { return ev.Readable })

	n, err = sock.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Errorf("Expected %q, got %q", "ping", string(buf[:n]))
	}

	if err := poller.Modify(sock.Fd(), InterestWrite); err != nil {
		t.Fatalf("Modify failed: %v", err)
	}
	waitFor(t, poller, sock.Fd(), func(ev Event) bool { return ev.Writable })

	n, err = sock.Write([]byte("pong"))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != 4 {
		t.Errorf("Expected to write 4 bytes, wrote %d", n)
	}

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, 4)
	if _, err := client.Read(got); err != nil {
		t.Fatalf("Client read failed: %v", err)
	}
	if string(got) != "pong" {
		t.Errorf("Expected %q, got %q", "pong", string(got))
	}
}

func TestSyscallSocket_PeerClose(t *testing.T) {
	ln, poller, cleanup := setupTcpListener(t)
	defer cleanup()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	sock := NewSyscallSocket(acceptOne(t, ln, poller))
	defer sock.Close()

	if err := poller.Add(sock.Fd(), InterestRead); err != nil {
		t.Fatalf("Failed to register socket: %v", err)
	}
	client.Close()
	waitFor(t, poller, sock.Fd(), func(ev Event) bool { return ev.Readable })

	_, err = sock.Read(make([]byte, 16))
	if err == nil {
		t.Fatal("Expected error on peer close")
	}
	if !httperrors.IsTransport(err, httperrors.TransportErrorConnectionClosed) {
		t.Errorf("Expected ConnectionClosed, got %v", err)
	}
}

func TestSyscallSocket_CloseIdempotent(t *testing.T) {
	ln, poller, cleanup := setupTcpListener(t)
	defer cleanup()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	sock := NewSyscallSocket(acceptOne(t, ln, poller))
	if err := sock.Close(); err != nil {
		t.Fatalf("First close failed: %v", err)
	}
	if err := sock.Close(); err != nil {
		t.Errorf("Second close should be a no-op, got %v", err)
	}

	if _, err := sock.Write([]byte("x")); !httperrors.IsTransport(err, httperrors.TransportErrorConnectionClosed) {
		t.Errorf("Expected ConnectionClosed after close, got %v", err)
	}
}

func TestPoller_WaitTimeout(t *testing.T) {
	poller, err := NewPoller(4)
	if err != nil {
		t.Fatalf("Failed to create poller: %v", err)
	}
	defer poller.Close()

	start := time.Now()
	events, woken, err := poller.Wait(30 * time.Millisecond)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if len(events) != 0 || woken {
		t.Errorf("Expected no events, got %v (woken=%v)", events, woken)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("Expected Wait to block for the timeout, returned after %v", elapsed)
	}
}

func TestPoller_Wake(t *testing.T) {
	poller, err := NewPoller(4)
	if err != nil {
		t.Fatalf("Failed to create poller: %v", err)
	}
	defer poller.Close()

	done := make(chan bool, 1)
	go func() {
		_, woken, err := poller.Wait(-1)
		done <- woken && err == nil
	}()

	time.Sleep(20 * time.Millisecond)
	if err := poller.Wake(); err != nil {
		t.Fatalf("Wake failed: %v", err)
	}

	select {
	case ok := <-done:
		if !ok {
			t.Error("Expected Wait to report woken without error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait was not interrupted by Wake")
	}
}

func TestPoller_RemoveUnregistered(t *testing.T) {
	poller, err := NewPoller(4)
	if err != nil {
		t.Fatalf("Failed to create poller: %v", err)
	}
	defer poller.Close()

	if err := poller.Remove(12345); err != nil {
		t.Errorf("Removing an unknown fd should be a no-op, got %v", err)
	}
	if err := poller.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := poller.Close(); err != nil {
		t.Errorf("Second close should be a no-op, got %v", err)
	}
}

func TestUnixListener_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "httpd.sock")

	ln, err := Listen("unix", path, 0, 16)
	if err != nil {
		t.Fatalf("Failed to listen on unix socket: %v", err)
	}
	defer ln.Close()

	poller, err := NewPoller(16)
	if err != nil {
		t.Fatalf("Failed to create poller: %v", err)
	}
	defer poller.Close()
	if err := poller.Add(ln.Fd(), InterestRead); err != nil {
		t.Fatalf("Failed to register listener: %v", err)
	}

	if addr, ok := ln.Addr().(*net.UnixAddr); !ok || addr.Name != path {
		t.Errorf("Expected unix address %q, got %v", path, ln.Addr())
	}

	client, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	sock := NewSyscallSocket(acceptOne(t, ln, poller))
	defer sock.Close()

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("Client write failed: %v", err)
	}
	if err := poller.Add(sock.Fd(), InterestRead); err != nil {
		t.Fatalf("Failed to register socket: %v", err)
	}
	waitFor(t, poller, sock.Fd(), func(ev Event) bool { return ev.Readable })

	buf := make([]byte, 16)
	n, err := sock.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("Expected %q, got %q", "hello", string(buf[:n]))
	}
}

func TestNewEngine_Unknown(t *testing.T) {
	if _, err := NewEngine("bogus"); err == nil {
		t.Error("Expected error for unknown engine")
	}

	engine, err := NewEngine(EngineSyscall)
	if err != nil {
		t.Fatalf("Expected syscall engine, got error %v", err)
	}
	defer engine.Close()
	if _, ok := engine.Wrap(3).(*SyscallSocket); !ok {
		t.Errorf("Expected *SyscallSocket, got %T", engine.Wrap(3))
	}
}
