// Package conn implements the per-connection state machine the event
// loop drives: buffered nonblocking reads that accumulate complete
// request frames, dispatch, and buffered nonblocking writes of the
// reply. Only one request is ever in flight on a connection at a time.
package conn

import (
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/pborman/uuid"
	"golang.org/x/sys/unix"

	"github.com/holisticode/kvstore/protocol"
)

var protocolErrors = metrics.GetOrRegisterCounter("conn/protocol_errors", nil)

// State is one of the three states a Conn can be in.
type State int

const (
	// StateRead: the connection is waiting for a complete request frame.
	StateRead State = iota
	// StateWrite: a reply is buffered and partially or not yet sent.
	StateWrite
	// StateEnd: the connection is to be closed and released at the next
	// event loop iteration.
	StateEnd
)

const bufCap = 4 + protocol.MaxMessageSize

// Dispatcher executes one parsed request and returns its reply.
type Dispatcher interface {
	Dispatch(args [][]byte) protocol.Value
}

// Conn is one client connection's buffering and state.
type Conn struct {
	FD    int
	State State
	ID    string

	rbuf    [bufCap]byte
	rbufLen int

	wbuf     []byte
	wbufSent int

	logger log.Logger
}

// New wraps fd (already accepted and set nonblocking) in a fresh Conn.
func New(fd int) *Conn {
	id := uuid.New()
	return &Conn{
		FD:     fd,
		State:  StateRead,
		ID:     id,
		logger: log.New("module", "conn", "id", id, "fd", fd),
	}
}

// OnReadable is called by the event loop when fd is readable. It fills
// the read buffer and drains as many complete requests as it can (via
// dispatcher), flushing each reply as soon as it is queued. It leaves the
// connection in StateWrite if a reply could not be sent in full, or
// StateEnd on error/close.
func (c *Conn) OnReadable(dispatcher Dispatcher) {
	for {
		if c.rbufLen == bufCap {
			// Buffer is full: drain what is already buffered first. If no
			// complete frame could be drained from it, there is nothing
			// to do until the peer reads the pending reply.
			for c.tryOneRequest(dispatcher) {
			}
			if c.State != StateRead || c.rbufLen == bufCap {
				return
			}
		}
		n, err := unix.Read(c.FD, c.rbuf[c.rbufLen:])
		if err == syscall.EINTR {
			continue
		}
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return
		}
		if err != nil {
			c.logger.Error("read failed", "err", err)
			c.State = StateEnd
			return
		}
		if n == 0 {
			c.logger.Trace("peer closed connection")
			c.State = StateEnd
			return
		}
		c.rbufLen += n

		for c.tryOneRequest(dispatcher) {
		}
		if c.State != StateRead {
			return
		}
	}
}

// tryOneRequest drains a single complete frame from the read buffer, if
// one is present, dispatches it, and queues the reply. It returns true
// if it made progress and the caller should try again (there may be
// another complete frame already buffered).
func (c *Conn) tryOneRequest(dispatcher Dispatcher) bool {
	if c.rbufLen < 4 {
		return false
	}
	total, _ := protocol.FrameLen(c.rbuf[:4])
	if total > protocol.MaxMessageSize {
		c.logger.Error("message too large", "declared", total)
		protocolErrors.Inc(1)
		c.State = StateEnd
		return false
	}
	if int(4+total) > c.rbufLen {
		return false // incomplete frame, need more data
	}

	args, err := protocol.ParseRequest(c.rbuf[4 : 4+total])
	if err != nil {
		c.logger.Debug("malformed request", "err", err)
		protocolErrors.Inc(1)
		c.State = StateEnd
		return false
	}

	reply := dispatcher.Dispatch(args)
	c.wbuf = protocol.EncodeReply(reply)
	c.wbufSent = 0

	remain := c.rbufLen - int(4+total)
	if remain > 0 {
		copy(c.rbuf[:remain], c.rbuf[4+total:c.rbufLen])
	}
	c.rbufLen = remain

	c.State = StateWrite
	c.OnWritable()
	return c.State == StateRead
}

// OnWritable is called by the event loop when fd is writable. It flushes
// the queued reply, returning to StateRead once fully sent.
func (c *Conn) OnWritable() {
	for {
		remain := len(c.wbuf) - c.wbufSent
		if remain == 0 {
			c.State = StateRead
			c.wbuf = nil
			c.wbufSent = 0
			return
		}
		n, err := unix.Write(c.FD, c.wbuf[c.wbufSent:])
		if err == syscall.EINTR {
			continue
		}
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return
		}
		if err != nil {
			c.logger.Error("write failed", "err", err)
			c.State = StateEnd
			return
		}
		c.wbufSent += n
	}
}

// Close releases the underlying file descriptor.
func (c *Conn) Close() error {
	return unix.Close(c.FD)
}
