package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/nczempin/httpd-go-epoll/errors"
	"github.com/nczempin/httpd-go-epoll/protocol"
	"github.com/nczempin/httpd-go-epoll/transport"
)

// outcome is what handling one readiness event did to its connection
type outcome int

const (
	// outcomeReading: the request is incomplete, keep waiting for reads
	outcomeReading outcome = iota
	// outcomeResponding: a response is pending, waiting for write readiness
	outcomeResponding
	// outcomeDone: the response was written and the connection released
	outcomeDone
	// outcomeAborted: the connection was dropped without a response
	outcomeAborted
	// outcomeIgnored: the event did not apply to the connection's state
	outcomeIgnored
)

func (o outcome) String() string {
	switch o {
	case outcomeReading:
		return "reading"
	case outcomeResponding:
		return "responding"
	case outcomeDone:
		return "done"
	case outcomeAborted:
		return "aborted"
	case outcomeIgnored:
		return "ignored"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Server is a single-threaded HTTP/1.1 server. One reactor goroutine owns
// the listening socket, the poller and every connection; handlers run on it
// synchronously. Each connection serves exactly one request.
type Server struct {
	address string
	port    int
	cfg     config
	log     *slog.Logger
	tel     *telemetry

	listeners *listenerTable

	mu      sync.Mutex
	ln      *transport.Listener
	poller  *transport.Poller
	engine  transport.Engine
	running bool
	stopped bool
	done    chan struct{}

	// owned by the reactor goroutine
	conns        map[int]*protocol.Connection
	acceptPaused bool
	acceptDelay  time.Duration
	acceptResume time.Time
}

const maxAcceptDelay = time.Second

// New creates a server for address and port. With WithNetwork("unix") the
// address is a socket path and port is ignored. Nothing is bound until
// Listen or Start.
func New(address string, port int, opts ...Option) *Server {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{
		address:   address,
		port:      port,
		cfg:       cfg,
		log:       cfg.logger,
		listeners: newListenerTable(),
		done:      make(chan struct{}),
		conns:     make(map[int]*protocol.Connection),
	}

	tel, err := newTelemetry(&s.cfg)
	if err != nil {
		s.log.Warn("metrics disabled", "error", err)
		tel = noopTelemetry(&s.cfg)
	}
	s.tel = tel
	return s
}

// AddListener registers h for an exact path and method. It may be called at
// any time, including while the server is running.
func (s *Server) AddListener(path string, method protocol.Method, h Handler) {
	s.listeners.add(path, method, h)
}

// RemoveListener unregisters the handler for path and method and reports
// whether one was registered.
func (s *Server) RemoveListener(path string, method protocol.Method) bool {
	return s.listeners.remove(path, method)
}

// Listeners returns the number of registered handlers
func (s *Server) Listeners() int {
	return s.listeners.size()
}

// Listen binds the listening socket. Start calls it when needed; calling it
// first lets a caller learn the bound address of port 0.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenLocked()
}

func (s *Server) listenLocked() error {
	if s.stopped {
		return errors.NewLoopError(errors.LoopErrorListen, "server stopped", nil)
	}
	if s.ln != nil {
		return nil
	}

	ln, err := transport.Listen(s.cfg.network, s.address, s.port, s.cfg.backlog)
	if err != nil {
		return errors.NewLoopError(errors.LoopErrorListen, "failed to listen", err)
	}
	s.ln = ln
	s.log.Info("listening", "network", ln.Network(), "addr", ln.Addr())
	return nil
}

// Addr returns the bound address, or nil before Listen
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start runs the reactor until Stop is called, ctx is done, or the poller
// fails. Only setup and poller failures are returned as errors; Start on a
// stopped server returns nil at once.
func (s *Server) Start(ctx context.Context) error {
	started, err := s.setup()
	if err != nil || !started {
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.done:
		}
	}()

	// epoll and io_uring state stay on one thread
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	err = s.loop()
	s.teardown()
	if err != nil {
		s.log.Error("reactor failed", "error", err)
	}
	return err
}

func (s *Server) setup() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false, nil
	}
	if s.running {
		return false, errors.NewInvalidArgumentError("server already running")
	}
	if err := s.listenLocked(); err != nil {
		return false, err
	}

	engine, err := transport.NewEngine(s.cfg.engine)
	if err != nil {
		return false, err
	}

	poller, err := transport.NewPoller(s.cfg.eventBatch)
	if err != nil {
		engine.Close()
		return false, err
	}
	if err := poller.Add(s.ln.Fd(), transport.InterestRead); err != nil {
		poller.Close()
		engine.Close()
		return false, err
	}

	s.engine = engine
	s.poller = poller
	s.running = true
	s.log.Debug("reactor started", "engine", string(s.cfg.engine))
	return true, nil
}

func (s *Server) loop() error {
	lfd := s.ln.Fd()
	for {
		events, woken, err := s.poller.Wait(s.waitTimeout())
		if err != nil {
			return err
		}
		if woken && s.isStopped() {
			return nil
		}
		if s.acceptPaused && !time.Now().Before(s.acceptResume) {
			s.resumeAccept()
		}

		for _, ev := range events {
			if ev.Fd == lfd {
				s.acceptAll()
				continue
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// waitTimeout bounds the poller wait while accepting is paused
func (s *Server) waitTimeout() time.Duration {
	if !s.acceptPaused {
		return -1
	}
	return max(time.Until(s.acceptResume), 0)
}

// acceptAll drains the accept queue
func (s *Server) acceptAll() {
	for {
		fd, ok, err := s.ln.Accept()
		if err != nil {
			s.pauseAccept(err)
			return
		}
		if !ok {
			return
		}
		s.acceptDelay = 0

		sock := s.engine.Wrap(fd)
		if err := s.poller.Add(fd, transport.InterestRead); err != nil {
			s.log.Warn("failed to register connection", "fd", fd, "error", err)
			sock.Close()
			continue
		}

		s.conns[fd] = protocol.NewConnection(sock, s.cfg.readBufferSize, s.cfg.maxBodyBytes)
		s.tel.connAccepted(context.Background())
		s.log.Debug("accepted", "fd", fd, "active", len(s.conns))
	}
}

// pauseAccept takes the listener out of the poller after a failed accept.
// The listener is level-triggered, so an error that persists (EMFILE,
// ENFILE) would otherwise wake the loop forever. Accepting resumes after a
// doubling delay or as soon as a connection is released.
func (s *Server) pauseAccept(err error) {
	if s.acceptDelay == 0 {
		s.acceptDelay = 5 * time.Millisecond
	} else {
		s.acceptDelay = min(2*s.acceptDelay, maxAcceptDelay)
	}
	if err := s.poller.Remove(s.ln.Fd()); err != nil {
		s.log.Warn("failed to pause accepting", "error", err)
	}
	s.acceptPaused = true
	s.acceptResume = time.Now().Add(s.acceptDelay)
	s.log.Warn("accept failed; retrying", "error", err, "delay", s.acceptDelay)
}

func (s *Server) resumeAccept() {
	if err := s.poller.Add(s.ln.Fd(), transport.InterestRead); err != nil {
		s.log.Warn("failed to resume accepting", "error", err)
		s.acceptResume = time.Now().Add(s.acceptDelay)
		return
	}
	s.acceptPaused = false
}

// handleEvent advances one connection. Whatever happens stays scoped to that
// connection.
func (s *Server) handleEvent(ev transport.Event) outcome {
	conn, ok := s.conns[ev.Fd]
	if !ok {
		s.poller.Remove(ev.Fd)
		return outcomeIgnored
	}

	switch conn.State() {
	case protocol.StateReadingHeaders, protocol.StateReadingBody:
		if !ev.Readable {
			return outcomeIgnored
		}
		return s.onReadable(conn)
	case protocol.StateReadyToWrite:
		if !ev.Writable {
			return outcomeIgnored
		}
		return s.onWritable(conn)
	case protocol.StateClosed:
		s.release(conn)
		return outcomeAborted
	default:
		panic(fmt.Sprintf("unknown connection state %v", conn.State()))
	}
}

func (s *Server) onReadable(conn *protocol.Connection) outcome {
	err := conn.ReadStep()
	switch {
	case err == nil && conn.State() == protocol.StateReadyToWrite:
		return s.respond(conn, s.dispatch(conn.Request()))

	case err == nil:
		return outcomeReading

	case errors.IsProtocol(err):
		status := errors.StatusCode(err)
		s.log.Info("rejected request", "fd", conn.Fd(), "status", status, "error", err)
		s.tel.protocolError(context.Background(), status)
		return s.respond(conn, protocol.NewResponse(status))

	default:
		s.log.Debug("connection aborted", "fd", conn.Fd(), "error", err)
		s.abort(conn)
		return outcomeAborted
	}
}

// dispatch invokes the handler registered for the request. A missing
// handler yields 404; a panic or a nil response yields 500.
func (s *Server) dispatch(req *protocol.Request) (resp *protocol.Response) {
	ctx, span := s.tel.startDispatch(req)
	defer func() {
		if r := recover(); r != nil {
			s.log.ErrorContext(ctx, "handler panicked",
				"method", req.Method().String(), "path", req.Path(), "panic", r)
			resp = protocol.NewResponse(protocol.StatusInternalServerError)
		}
		s.tel.finishDispatch(ctx, span, req.Method(), resp.StatusCode)
	}()

	h, ok := s.listeners.lookup(req.Path(), req.Method())
	if !ok {
		return protocol.NewResponse(protocol.StatusNotFound)
	}

	resp = h(req.WithContext(ctx))
	if resp == nil {
		s.log.ErrorContext(ctx, "handler returned no response",
			"method", req.Method().String(), "path", req.Path())
		return protocol.NewResponse(protocol.StatusInternalServerError)
	}
	return resp
}

func (s *Server) respond(conn *protocol.Connection, resp *protocol.Response) outcome {
	if err := s.poller.Modify(conn.Fd(), transport.InterestWrite); err != nil {
		s.log.Warn("failed to switch to write interest", "fd", conn.Fd(), "error", err)
		s.abort(conn)
		return outcomeAborted
	}
	conn.SetResponse(resp)
	return outcomeResponding
}

func (s *Server) onWritable(conn *protocol.Connection) outcome {
	fd := conn.Fd()
	s.poller.Remove(fd)

	written, total, err := conn.WriteStep()
	s.forget(fd)
	if err != nil {
		s.log.Debug("write failed", "fd", fd, "error", err)
		s.tel.connAborted(context.Background())
		return outcomeAborted
	}
	if written < total {
		s.log.Warn("response truncated", "fd", fd, "written", written, "total", total)
		s.tel.writeTruncated(context.Background())
	}
	s.log.Debug("closed", "fd", fd, "active", len(s.conns))
	return outcomeDone
}

func (s *Server) abort(conn *protocol.Connection) {
	s.release(conn)
	s.tel.connAborted(context.Background())
}

// release deregisters, closes and forgets a connection. Safe to repeat.
func (s *Server) release(conn *protocol.Connection) {
	fd := conn.Fd()
	s.poller.Remove(fd)
	if err := conn.Close(); err != nil {
		s.log.Debug("close failed", "fd", fd, "error", err)
	}
	s.forget(fd)
}

func (s *Server) forget(fd int) {
	if _, ok := s.conns[fd]; ok {
		delete(s.conns, fd)
		s.tel.connReleased(context.Background())
		if s.acceptPaused {
			s.resumeAccept()
		}
	}
}

func (s *Server) teardown() {
	for _, conn := range s.conns {
		s.release(conn)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.acceptPaused {
		s.poller.Remove(s.ln.Fd())
	}
	if err := s.ln.Close(); err != nil {
		s.log.Warn("failed to close listener", "error", err)
	}
	if err := s.poller.Close(); err != nil {
		s.log.Warn("failed to close poller", "error", err)
	}
	if err := s.engine.Close(); err != nil {
		s.log.Warn("failed to close io engine", "error", err)
	}

	s.stopped = true
	s.running = false
	close(s.done)
	s.log.Info("stopped")
}

// Stop shuts the server down and waits for the reactor to exit. It may be
// called from any goroutine except from inside a handler, any number of
// times.
func (s *Server) Stop() error {
	s.mu.Lock()
	first := !s.stopped
	s.stopped = true

	if !s.running {
		// never started, or already torn down
		defer s.mu.Unlock()
		if first && s.ln != nil && s.poller == nil {
			return s.ln.Close()
		}
		return nil
	}

	// teardown closes the poller under mu, so it is still open here
	var err error
	if first {
		s.log.Info("stopping")
		err = s.poller.Wake()
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	<-s.done
	return nil
}
