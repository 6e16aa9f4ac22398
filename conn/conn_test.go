package conn

import (
	"encoding/binary"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/holisticode/kvstore/protocol"
)

type echoDispatcher struct{}

func (echoDispatcher) Dispatch(args [][]byte) protocol.Value {
	if len(args) == 0 {
		return protocol.Nil()
	}
	return protocol.Str(string(args[0]))
}

// socketpair returns two connected, blocking AF_UNIX stream fds.
func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	return fds[0], fds[1]
}

func newTestConn(fd int) *Conn {
	c := New(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		panic(err)
	}
	return c
}

func putU32(buf []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(buf[off:off+4], v)
}

// TestTryOneRequestOversizeClosesConnection exercises spec scenario G: a
// declared total_len beyond MaxMessageSize closes the connection instead
// of waiting for more data that would never complete a valid frame.
func TestTryOneRequestOversizeClosesConnection(t *testing.T) {
	a, b := socketpair(t)
	defer unix.Close(b)
	c := newTestConn(a)
	defer c.Close()

	putU32(c.rbuf[:], 0, protocol.MaxMessageSize+1)
	c.rbufLen = 4

	progressed := c.tryOneRequest(echoDispatcher{})

	if progressed {
		t.Fatalf("tryOneRequest on an oversize frame reported progress")
	}
	if c.State != StateEnd {
		t.Fatalf("State = %v, want StateEnd", c.State)
	}
}

// TestTryOneRequestMalformedClosesConnection covers a frame whose declared
// total_len is within bounds and fully buffered, but whose argument vector
// doesn't parse (declared argument length overruns the frame).
func TestTryOneRequestMalformedClosesConnection(t *testing.T) {
	a, b := socketpair(t)
	defer unix.Close(b)
	c := newTestConn(a)
	defer c.Close()

	// Body: nargs=1, then a declared argument length of 100 with no bytes
	// backing it. total_len covers exactly the nargs+arglen header (8
	// bytes), so the frame is complete but ParseRequest must reject it.
	body := make([]byte, 8)
	putU32(body, 0, 1)   // nargs
	putU32(body, 4, 100) // bogus argument length
	putU32(c.rbuf[:], 0, uint32(len(body)))
	copy(c.rbuf[4:], body)
	c.rbufLen = 4 + len(body)

	progressed := c.tryOneRequest(echoDispatcher{})

	if progressed {
		t.Fatalf("tryOneRequest on a malformed frame reported progress")
	}
	if c.State != StateEnd {
		t.Fatalf("State = %v, want StateEnd", c.State)
	}
}

// TestTryOneRequestIncompleteFrameWaits confirms a declared total_len that
// hasn't fully arrived yet leaves the connection reading, not erroring.
func TestTryOneRequestIncompleteFrameWaits(t *testing.T) {
	a, b := socketpair(t)
	defer unix.Close(b)
	c := newTestConn(a)
	defer c.Close()

	putU32(c.rbuf[:], 0, 20) // declares 20 bytes of body
	c.rbufLen = 4 + 3        // only 3 have arrived

	progressed := c.tryOneRequest(echoDispatcher{})

	if progressed {
		t.Fatalf("tryOneRequest reported progress on an incomplete frame")
	}
	if c.State != StateRead {
		t.Fatalf("State = %v, want StateRead", c.State)
	}
}

// TestOnReadablePartialReads drives OnReadable with a request frame split
// across two writes from the peer, verifying the connection accumulates
// the partial frame across calls instead of dispatching prematurely.
func TestOnReadablePartialReads(t *testing.T) {
	a, b := socketpair(t)
	defer unix.Close(b)
	c := newTestConn(a)
	defer c.Close()

	frame, err := protocol.EncodeRequest("ping")
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	split := len(frame) - 2

	if _, err := unix.Write(b, frame[:split]); err != nil {
		t.Fatalf("write first half: %v", err)
	}
	c.OnReadable(echoDispatcher{})
	if c.State != StateRead {
		t.Fatalf("State after partial frame = %v, want StateRead", c.State)
	}
	if c.rbufLen != split {
		t.Fatalf("rbufLen = %d, want %d", c.rbufLen, split)
	}

	if _, err := unix.Write(b, frame[split:]); err != nil {
		t.Fatalf("write remainder: %v", err)
	}
	c.OnReadable(echoDispatcher{})

	reply := make([]byte, 4+len("ping")+1+4)
	readDeadline(t, b)
	n, err := unix.Read(b, reply)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	v, _, err := protocol.DecodeValue(reply[4:n])
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	if v.Tag() != protocol.TagStr || v.AsStr() != "ping" {
		t.Fatalf("reply = %+v, want Str(ping)", v)
	}
}

// TestOnWritablePartialWrites forces a write the kernel can't accept in a
// single syscall by shrinking the socket's send buffer and not draining
// the peer, then confirms OnWritable makes bounded progress per call
// instead of blocking or erroring.
func TestOnWritablePartialWrites(t *testing.T) {
	a, b := socketpair(t)
	defer unix.Close(b)
	c := newTestConn(a)
	defer c.Close()

	if err := unix.SetsockoptInt(a, unix.SOL_SOCKET, unix.SO_SNDBUF, 1024); err != nil {
		t.Fatalf("SetsockoptInt SNDBUF: %v", err)
	}

	c.wbuf = make([]byte, protocol.MaxMessageSize)
	c.wbufSent = 0
	c.State = StateWrite

	c.OnWritable()

	if c.State != StateWrite {
		t.Fatalf("State after a partial write = %v, want StateWrite", c.State)
	}
	if c.wbufSent == 0 {
		t.Fatalf("wbufSent = 0, want some bytes accepted by the kernel")
	}
	if c.wbufSent >= len(c.wbuf) {
		t.Fatalf("wbufSent = %d covers the whole buffer in one call, test didn't force backpressure", c.wbufSent)
	}

	drainAll(t, b)

	for c.State == StateWrite {
		drainAll(t, b)
		c.OnWritable()
	}
	if c.State != StateRead {
		t.Fatalf("State after drain = %v, want StateRead", c.State)
	}
}

func readDeadline(t *testing.T, fd int) {
	t.Helper()
	tv := unix.NsecToTimeval(time.Second.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		t.Fatalf("SetsockoptTimeval: %v", err)
	}
}

// drainAll reads and discards whatever is currently queued on fd, without
// blocking once it would have to wait for more.
func drainAll(t *testing.T, fd int) {
	t.Helper()
	if err := unix.SetNonblock(fd, true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	buf := make([]byte, 4096)
	for {
		_, err := unix.Read(fd, buf)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if err != nil {
			return
		}
	}
}
