// Package eventloop drives the single-threaded, nonblocking readiness
// loop: one epoll instance multiplexing the listening socket and every
// accepted connection. Nothing here spawns a goroutine per connection —
// the data structures the dispatcher touches assume single-threaded
// access, so all I/O and command execution for every connection happens
// on this one loop.
package eventloop

import (
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/tilinna/clock"
	"golang.org/x/sys/unix"

	"github.com/holisticode/kvstore/conn"
)

var (
	activeConnections = metrics.GetOrRegisterGauge("eventloop/connections", nil)
	acceptedTotal     = metrics.GetOrRegisterCounter("eventloop/accepted", nil)
)

// pollTimeout bounds how long EpollWait blocks per iteration, so the
// loop periodically gets control back to run cleanup and to notice a
// closed stop channel even with no I/O activity.
const pollTimeout = 1000 // milliseconds

// Loop owns the epoll instance, the listening socket, and every live
// connection.
type Loop struct {
	epfd       int
	listenFD   int
	conns      map[int]*conn.Conn
	dispatcher conn.Dispatcher
	logger     log.Logger
	clock      clock.Clock
}

// New creates a loop around an already-bound, already-listening,
// nonblocking listenFD.
func New(listenFD int, dispatcher conn.Dispatcher) (*Loop, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	l := &Loop{
		epfd:       epfd,
		listenFD:   listenFD,
		conns:      make(map[int]*conn.Conn),
		dispatcher: dispatcher,
		logger:     log.New("module", "eventloop"),
		clock:      clock.Realtime(),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, listenFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(listenFD),
	}); err != nil {
		unix.Close(epfd)
		return nil, err
	}
	return l, nil
}

// Run services readiness events until stop is closed.
func (l *Loop) Run(stop <-chan struct{}) error {
	events := make([]unix.EpollEvent, 128)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, err := unix.EpollWait(l.epfd, events, pollTimeout)
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return err
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			if fd == l.listenFD {
				l.acceptAll()
				continue
			}
			c, ok := l.conns[fd]
			if !ok {
				continue
			}
			if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				c.State = conn.StateEnd
			} else if ev.Events&unix.EPOLLIN != 0 {
				c.OnReadable(l.dispatcher)
			} else if ev.Events&unix.EPOLLOUT != 0 {
				c.OnWritable()
			}
			l.sync(c)
		}

		l.cleanup()
	}
}

// acceptAll accepts every pending connection on the listener until
// EAGAIN, registering each with epoll.
func (l *Loop) acceptAll() {
	for {
		fd, _, err := unix.Accept4(l.listenFD, unix.SOCK_NONBLOCK)
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return
		}
		if err != nil {
			l.logger.Error("accept failed", "err", err)
			return
		}

		c := conn.New(fd)
		l.conns[fd] = c
		activeConnections.Inc(1)
		acceptedTotal.Inc(1)
		if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
			Events: unix.EPOLLIN,
			Fd:     int32(fd),
		}); err != nil {
			l.logger.Error("epoll_ctl add failed", "err", err)
			c.State = conn.StateEnd
			l.sync(c)
		}
	}
}

// sync updates a connection's epoll interest to match its current state.
// A connection in StateEnd is left untouched for cleanup to close.
func (l *Loop) sync(c *conn.Conn) {
	if c.State == conn.StateEnd {
		return
	}
	var events uint32 = unix.EPOLLIN
	if c.State == conn.StateWrite {
		events = unix.EPOLLOUT
	}
	unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, c.FD, &unix.EpollEvent{
		Events: events,
		Fd:     int32(c.FD),
	})
}

// cleanup closes and forgets every connection that reached StateEnd.
func (l *Loop) cleanup() {
	for fd, c := range l.conns {
		if c.State != conn.StateEnd {
			continue
		}
		unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		c.Close()
		delete(l.conns, fd)
		activeConnections.Dec(1)
		l.logger.Trace("connection closed", "fd", fd, "at", l.clock.Now())
	}
}

// SetClock overrides the clock used for cleanup log timestamps, so tests
// can drive it deterministically instead of depending on the wall clock.
func (l *Loop) SetClock(c clock.Clock) {
	l.clock = c
}

// Close releases the epoll instance and every live connection.
func (l *Loop) Close() error {
	for fd, c := range l.conns {
		c.Close()
		delete(l.conns, fd)
	}
	return unix.Close(l.epfd)
}
