package wire

import (
	"io"

	"golang.org/x/sys/unix"
)

// FDConn adapts a raw, already-non-blocking socket file descriptor to
// RawConn. internal/bus accepts connections with unix.Accept4 and
// unix.SOCK_NONBLOCK and hands the resulting fd straight to
// NewCBORCodec via this wrapper, keeping the fd available for
// epoll_ctl registration without going through *os.File or *net.Conn
// (both of which hide the fd behind the runtime's own poller).
type FDConn struct {
	FD int
}

func (c FDConn) Read(b []byte) (int, error) {
	n, err := unix.Read(c.FD, b)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (c FDConn) Write(b []byte) (int, error) {
	return unix.Write(c.FD, b)
}

func (c FDConn) Close() error {
	return unix.Close(c.FD)
}
