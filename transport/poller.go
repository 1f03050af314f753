package transport

import (
	"encoding/binary"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nczempin/httpd-go-epoll/errors"
)

// Interest is the readiness a descriptor is registered for
type Interest uint32

const (
	InterestRead  Interest = unix.EPOLLIN | unix.EPOLLRDHUP
	InterestWrite Interest = unix.EPOLLOUT
)

// Event reports readiness of one registered descriptor
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	Hangup   bool
}

// Poller is a level-triggered epoll instance with an eventfd used to wake a
// blocked Wait from another goroutine.
type Poller struct {
	epfd   int
	wakefd int

	raw   []unix.EpollEvent
	ready []Event

	closeOnce sync.Once
	closeErr  error
}

// NewPoller creates an epoll instance reporting at most batch events per Wait
func NewPoller(batch int) (*Poller, error) {
	if batch <= 0 {
		batch = 128
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.NewLoopError(errors.LoopErrorPollerCreate, "epoll_create1 failed", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, errors.NewLoopError(errors.LoopErrorPollerCreate, "eventfd failed", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, errors.NewLoopError(errors.LoopErrorPollerControl, "epoll_ctl add eventfd failed", err)
	}

	return &Poller{
		epfd:   epfd,
		wakefd: wakefd,
		raw:    make([]unix.EpollEvent, batch),
		ready:  make([]Event, 0, batch),
	}, nil
}

// Add registers fd for the given interest
func (p *Poller) Add(fd int, in Interest) error {
	return p.control(unix.EPOLL_CTL_ADD, fd, in)
}

// Modify replaces the interest of a registered fd
func (p *Poller) Modify(fd int, in Interest) error {
	return p.control(unix.EPOLL_CTL_MOD, fd, in)
}

// Remove deregisters fd. Removing an fd that is not registered is a no-op.
func (p *Poller) Remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == nil || err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return errors.NewLoopError(errors.LoopErrorPollerControl, "epoll_ctl del failed", err)
}

func (p *Poller) control(op int, fd int, in Interest) error {
	ev := unix.EpollEvent{Events: uint32(in), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return errors.NewLoopError(errors.LoopErrorPollerControl, "epoll_ctl failed", err)
	}
	return nil
}

// Wait blocks until at least one descriptor is ready, Wake is called or
// timeout elapses. A negative timeout waits forever. woken reports a pending
// Wake. The returned slice is reused by the next call.
func (p *Poller) Wait(timeout time.Duration) (events []Event, woken bool, err error) {
	msec := -1
	if timeout >= 0 {
		// round up so a sub-millisecond timeout does not spin
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	n, err := unix.EpollWait(p.epfd, p.raw, msec)
	if err != nil {
		if err == unix.EINTR {
			return nil, false, nil
		}
		return nil, false, errors.NewLoopError(errors.LoopErrorPollerWait, "epoll_wait failed", err)
	}

	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		raw := p.raw[i]
		fd := int(raw.Fd)
		if fd == p.wakefd {
			p.drainWake()
			woken = true
			continue
		}

		hup := raw.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0
		p.ready = append(p.ready, Event{
			Fd:       fd,
			Readable: raw.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 || hup,
			Writable: raw.Events&unix.EPOLLOUT != 0 || hup,
			Hangup:   hup,
		})
	}
	return p.ready, woken, nil
}

// Wake interrupts a blocked Wait. Safe to call from any goroutine.
func (p *Poller) Wake() error {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, err := unix.Write(p.wakefd, one[:])
	if err != nil && err != unix.EAGAIN {
		return errors.NewLoopError(errors.LoopErrorPollerControl, "eventfd write failed", err)
	}
	return nil
}

func (p *Poller) drainWake() {
	var buf [8]byte
	unix.Read(p.wakefd, buf[:])
}

// Close releases the epoll instance and the eventfd
func (p *Poller) Close() error {
	p.closeOnce.Do(func() {
		werr := unix.Close(p.wakefd)
		eerr := unix.Close(p.epfd)
		if eerr != nil {
			p.closeErr = errors.NewLoopError(errors.LoopErrorPollerControl, "failed to close epoll", eerr)
		} else if werr != nil {
			p.closeErr = errors.NewLoopError(errors.LoopErrorPollerControl, "failed to close eventfd", werr)
		}
	})
	return p.closeErr
}
