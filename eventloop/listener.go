package eventloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Listen creates a nonblocking IPv4 TCP listening socket bound to
// addr:port, with SO_REUSEADDR set, ready to be handed to New.
func Listen(addr string, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("eventloop: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("eventloop: setsockopt: %w", err)
	}

	var sa unix.SockaddrInet4
	sa.Port = port
	sa.Addr = parseIPv4(addr)
	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("eventloop: bind: %w", err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("eventloop: listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("eventloop: set nonblocking: %w", err)
	}
	return fd, nil
}

func parseIPv4(addr string) [4]byte {
	var out [4]byte
	if addr == "" || addr == "0.0.0.0" {
		return out
	}
	var a, b, c, d int
	n, err := fmt.Sscanf(addr, "%d.%d.%d.%d", &a, &b, &c, &d)
	if err != nil || n != 4 {
		return out
	}
	out[0], out[1], out[2], out[3] = byte(a), byte(b), byte(c), byte(d)
	return out
}
