package eventloop

import (
	"net"
	"strconv"
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

func TestLoopAcceptsAndEchoes(t *testing.T) {
	fd, err := Listen("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		t.Fatalf("Getsockname: %v", err)
	}
	port := sa.(*unix.SockaddrInet4).Port

	loop, err := New(fd, echoDispatcher{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer loop.Close()

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- loop.Run(stop) }()
	defer func() {
		close(stop)
		<-done
	}()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	frame, err := protocol.EncodeRequest("ping")
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if _, err := c.Write(frame); err != nil {
		t.Fatalf("Write: %v", err)
	}

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	header := make([]byte, 4)
	if _, err := readFull(c, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	n, _ := protocol.FrameLen(header)
	payload := make([]byte, n)
	if _, err := readFull(c, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	v, _, err := protocol.DecodeValue(payload)
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	if v.Tag() != protocol.TagStr || v.AsStr() != "ping" {
		t.Fatalf("reply = %+v, want Str(ping)", v)
	}
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
