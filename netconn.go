package tcpsnitch

import (
	"net"
	"strconv"

	"github.com/higebu/netfd"
)

// WrapConn adopts an existing net.Conn into the event-recording machinery,
// the way runZeroInc-sockstats/wrap.go's WrapConn and
// runZeroInc-conniver/pkg/exporter's net.Conn-keyed collector adopt a
// connection for stats gathering — except here the fd is recovered via
// github.com/higebu/netfd instead of a SyscallConn().Control closure, so
// the same Connection/event machinery Socket uses can be reused without
// duplicating it for pre-existing connections (e.g. those opened by
// net.Dial or handed out by net.Listener.Accept).
func WrapConn(c net.Conn) net.Conn {
	fd := netfd.GetFdFromConn(c)
	if fd < 0 {
		return c
	}
	registerConnection(fd)
	w := &wrappedConn{Conn: c, fd: fd}
	if tc, ok := c.(*net.TCPConn); ok {
		if raddr, ok := tc.RemoteAddr().(*net.TCPAddr); ok {
			cc := captureConfigFromCfg()
			withFD(fd, func(conn *Connection) {
				conn.PeerAddr = &AddressInfo{
					Raw:  raddr.String(),
					IP:   raddr.IP.String(),
					Port: strconv.Itoa(raddr.Port),
				}
				// net.Dial/Accept already bound the socket through the
				// kernel before handing it back, so there is nothing to
				// force-bind here (and no wrapped Bind entry point to
				// re-enter) — just record what the kernel picked.
				if laddr, ok := tc.LocalAddr().(*net.TCPAddr); ok {
					conn.Bound = true
					conn.BoundAddr = &AddressInfo{
						Raw:  laddr.String(),
						IP:   laddr.IP.String(),
						Port: strconv.Itoa(laddr.Port),
					}
				}
				maybeStartCapture(conn, cc)
			})
		}
	}
	return w
}

// WrapListener adopts an existing net.Listener, wrapping every connection
// it Accepts so accepted sockets are instrumented exactly like ones
// opened directly through Socket.
func WrapListener(l net.Listener) net.Listener {
	return &wrappedListener{Listener: l}
}

type wrappedListener struct {
	net.Listener
}

func (l *wrappedListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return WrapConn(c), nil
}

// wrappedConn intercepts Read/Write/Close the way conniver's wrap.Conn
// does, recording a DataXferPayload event per call instead of the
// teacher's cumulative byte counters, since every transfer here is
// already a first-class Event in the connection's timeline.
type wrappedConn struct {
	net.Conn
	fd int
}

func (w *wrappedConn) Read(b []byte) (int, error) {
	n, err := w.Conn.Read(b)
	withFD(w.fd, func(c *Connection) {
		recordRead(c, recorderConfigFromCfg(), int64(n), readErr(err), n)
	})
	return n, err
}

func (w *wrappedConn) Write(b []byte) (int, error) {
	n, err := w.Conn.Write(b)
	withFD(w.fd, func(c *Connection) {
		recordWrite(c, recorderConfigFromCfg(), int64(n), err, n)
	})
	return n, err
}

func (w *wrappedConn) Close() error {
	err := w.Conn.Close()
	c := table.remove(w.fd)
	if c != nil {
		recordClose(c, recorderConfigFromCfg(), 0, err, false)
		metricsRemove(c)
		if c.CaptureHandle != nil {
			c.CaptureHandle.Stop(2 * c.RTT)
			c.CaptureHandle = nil
		}
	}
	return err
}

// readErr suppresses io.EOF from the recorded error string: a clean EOF is
// the normal way a peer signals end-of-stream, not a failed read, and
// spec.md §4.4 only wants genuine syscall failures reflected in
// success/error_str.
func readErr(err error) error {
	if err != nil && err.Error() == "EOF" {
		return nil
	}
	return err
}

func withFD(fd int, fn func(c *Connection)) {
	c := table.getAndLock(fd)
	if c == nil {
		return
	}
	defer table.unlock(fd)
	fn(c)
}
