package tcpsnitch

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/lamelshaikh/tcpsnitch/pkg/capture"
)

// Socket is the explicit wrapped-entry-point surface described in
// SPEC_FULL.md §0: Go binaries are statically linked, so there is no
// dlsym/LD_PRELOAD symbol-replacement point to hook into. Socket's methods
// are the direct idiomatic substitute — a caller constructs one instead of
// calling socket(2)/bind(2)/... directly, and every method below records
// an event the same way the host C library's interposed wrappers would.
type Socket struct {
	fd int
}

// NewSocket opens a socket the way unix.Socket does, registers a
// Connection for it, and records the socket event.
func NewSocket(domain, typ, protocol int) (*Socket, error) {
	cloexec := typ&unix.SOCK_CLOEXEC != 0
	nonblock := typ&unix.SOCK_NONBLOCK != 0

	fd, err := unix.Socket(domain, typ, protocol)
	ret := int64(fd)
	if err != nil {
		ret = -1
	}

	if err := Init(); err != nil {
		log.WithError(err).Warn("tcpsnitch: Init failed, continuing uninstrumented")
	}

	if err == nil {
		registerConnection(fd)
	}

	if c := table.getAndLock(fd); c != nil {
		recordSocket(c, recorderConfigFromCfg(), ret, err, domain, typ, protocol, cloexec, nonblock)
		table.unlock(fd)
	}

	if err != nil {
		return nil, err
	}
	return &Socket{fd: fd}, nil
}

// WrapFD adopts an already-open fd (e.g. one returned by accept(2) through
// a net.Listener elsewhere) into the same instrumentation, registering a
// fresh Connection for it. Per spec.md §4.2's
// "stale descriptor reuse" precondition, an existing live Connection for
// fd is first force-closed with a synthetic close event before the new
// one takes its place.
func WrapFD(fd int) *Socket {
	if table.isPresent(fd) {
		closeStale(fd)
	}
	registerConnection(fd)
	return &Socket{fd: fd}
}

func (s *Socket) FD() int { return s.fd }

// registerConnection creates and inserts a fresh Connection for fd. If the
// slot is already occupied (stale descriptor reuse, spec.md §4.2), the
// occupant is synthesized-closed first.
func registerConnection(fd int) {
	if table.isPresent(fd) {
		closeStale(fd)
	}
	id := nextConnID()
	xid := newXID()
	dir := connDir(id)
	if err := os.MkdirAll(dir, 0777); err != nil {
		log.WithError(err).WithField("connection", id).Error("tcpsnitch: create connection directory")
	}
	conn := newConnection(id, fd, dir, xid)
	if !table.put(fd, conn) {
		// Lost a race with another registerConnection for the same fd;
		// the other writer wins, ours is simply discarded.
		return
	}
	metricsAdd(conn)
}

// closeStale synthesizes a close event (detected=true) for whatever
// Connection currently occupies fd, per spec.md §4.2: the kernel silently
// recycles descriptors, so the library treats any put into an occupied
// slot as proof the old descriptor was implicitly closed.
func closeStale(fd int) {
	c := table.remove(fd)
	if c == nil {
		return
	}
	// c is no longer reachable from the table, so no other goroutine can
	// be operating on it concurrently.
	recordClose(c, recorderConfigFromCfg(), 0, nil, true)
	metricsRemove(c)
	if c.CaptureHandle != nil {
		c.CaptureHandle.Stop(2 * c.RTT)
		c.CaptureHandle = nil
	}
}

func (s *Socket) withConn(fn func(c *Connection)) {
	c := table.getAndLock(s.fd)
	if c == nil {
		return
	}
	defer table.unlock(s.fd)
	fn(c)
}

// Bind wraps bind(2), binding to sa as given and recording a bind event
// with force_bind=false. The force-bind port scan (spec.md §4.6) is
// ForceBind, not this method.
func (s *Socket) Bind(sa unix.Sockaddr) error {
	addr := sockaddrToAddressInfo(sa)
	err := unix.Bind(s.fd, sa)
	ret := int64(0)
	if err != nil {
		ret = -1
	}

	s.withConn(func(c *Connection) {
		if err == nil {
			c.Bound = true
			c.BoundAddr = &addr
		}
		recordBind(c, recorderConfigFromCfg(), ret, err, addr, false)
	})
	return err
}

// ForceBind implements spec.md §4.6's force-bind path: the port scan calls
// unix.Bind directly with no slot lock held (per spec.md §5), and the slot
// lock is taken only afterwards to flag ForceBind on the record.
func (s *Socket) ForceBind(sockaddrForPort func(port int) unix.Sockaddr) (int, error) {
	port, err := capture.ForceBind(func(port int) error {
		return unix.Bind(s.fd, sockaddrForPort(port))
	})
	if err != nil {
		return 0, err
	}
	s.withConn(func(c *Connection) {
		c.ForceBind = true
	})
	return port, nil
}

// Connect wraps connect(2). Per spec.md §4.6, a successful connect is the
// canonical "peer address established" event: if capture_enabled, it may
// force-bind the socket first (a TCP socket cannot be bound after
// connect(2) succeeds, so this must run before the real syscall) and then
// starts a capture session once the peer address is on record.
func (s *Socket) Connect(sa unix.Sockaddr) error {
	addr := sockaddrToAddressInfo(sa)

	cc := captureConfigFromCfg()
	if cc.Enabled {
		s.maybeForceBindForCapture()
	}

	err := unix.Connect(s.fd, sa)
	ret := int64(0)
	if err != nil {
		ret = -1
	}

	s.withConn(func(c *Connection) {
		if err == nil {
			c.PeerAddr = &addr
			maybeStartCapture(c, cc)
		}
		recordConnect(c, recorderConfigFromCfg(), ret, err, addr)
	})
	return err
}

// Shutdown wraps shutdown(2). how is one of unix.SHUT_RD, unix.SHUT_WR,
// unix.SHUT_RDWR.
func (s *Socket) Shutdown(how int) error {
	err := unix.Shutdown(s.fd, how)
	ret := int64(0)
	if err != nil {
		ret = -1
	}
	s.withConn(func(c *Connection) {
		recordShutdown(c, recorderConfigFromCfg(), ret, err, how)
	})
	return err
}

// Listen wraps listen(2).
func (s *Socket) Listen(backlog int) error {
	err := unix.Listen(s.fd, backlog)
	ret := int64(0)
	if err != nil {
		ret = -1
	}
	s.withConn(func(c *Connection) {
		recordListen(c, recorderConfigFromCfg(), ret, err, backlog)
	})
	return err
}

// SetsockoptInt wraps setsockopt(2) for the common integer-valued option
// case, per spec.md §4.4's setsockopt variant.
func (s *Socket) SetsockoptInt(level, optname, value int) error {
	err := unix.SetsockoptInt(s.fd, level, optname, value)
	ret := int64(0)
	if err != nil {
		ret = -1
	}
	s.withConn(func(c *Connection) {
		recordSetsockopt(c, recorderConfigFromCfg(), ret, err, level, optname, protoName(level), optName(level, optname))
	})
	return err
}

// Send wraps send(2).
func (s *Socket) Send(buf []byte, flags int) (int, error) {
	err := unix.Send(s.fd, buf, flags)
	n := len(buf)
	if err != nil {
		n = 0
	}
	s.withConn(func(c *Connection) {
		recordSend(c, recorderConfigFromCfg(), int64(n), err, n, decodeXferFlags(flags))
	})
	return n, err
}

// Recv wraps recv(2) (via unix.Recvfrom with a nil-peer result discarded).
func (s *Socket) Recv(buf []byte, flags int) (int, error) {
	n, _, err := unix.Recvfrom(s.fd, buf, flags)
	s.withConn(func(c *Connection) {
		recordRecv(c, recorderConfigFromCfg(), int64(n), err, n, decodeXferFlags(flags))
	})
	return n, err
}

// Write wraps write(2).
func (s *Socket) Write(buf []byte) (int, error) {
	n, err := unix.Write(s.fd, buf)
	s.withConn(func(c *Connection) {
		recordWrite(c, recorderConfigFromCfg(), int64(n), err, n)
	})
	return n, err
}

// Read wraps read(2).
func (s *Socket) Read(buf []byte) (int, error) {
	n, err := unix.Read(s.fd, buf)
	s.withConn(func(c *Connection) {
		recordRead(c, recorderConfigFromCfg(), int64(n), err, n)
	})
	return n, err
}

// SendTo wraps sendto(2). Like Connect, a successful sendto to a
// not-yet-connected UDP socket establishes its peer address, so it is the
// other capture-trigger site spec.md §4.6 names.
func (s *Socket) SendTo(buf []byte, flags int, to unix.Sockaddr) error {
	cc := captureConfigFromCfg()
	if cc.Enabled {
		s.maybeForceBindForCapture()
	}

	err := unix.Sendto(s.fd, buf, flags, to)
	n := len(buf)
	if err != nil {
		n = 0
	}
	addr := sockaddrToAddressInfo(to)
	s.withConn(func(c *Connection) {
		if err == nil && c.PeerAddr == nil {
			c.PeerAddr = &addr
			maybeStartCapture(c, cc)
		}
		recordSendto(c, recorderConfigFromCfg(), int64(n), err, n, decodeXferFlags(flags), addr)
	})
	return err
}

// RecvFrom wraps recvfrom(2). The peer address here only becomes known
// once the datagram has arrived, so the force-bind happens up front (it
// does not depend on the peer) and the capture trigger fires after.
func (s *Socket) RecvFrom(buf []byte, flags int) (int, unix.Sockaddr, error) {
	cc := captureConfigFromCfg()
	if cc.Enabled {
		s.maybeForceBindForCapture()
	}

	n, from, err := unix.Recvfrom(s.fd, buf, flags)
	var addr AddressInfo
	if from != nil {
		addr = sockaddrToAddressInfo(from)
	}
	s.withConn(func(c *Connection) {
		if err == nil && from != nil && c.PeerAddr == nil {
			a := addr
			c.PeerAddr = &a
			maybeStartCapture(c, cc)
		}
		recordRecvfrom(c, recorderConfigFromCfg(), int64(n), err, n, decodeXferFlags(flags), addr)
	})
	return n, from, err
}

// SendMsg wraps sendmsg(2). iovecSizes and hasControl describe the message
// structure for the event payload; oob carries any control-message bytes
// exactly as unix.SendmsgN expects.
func (s *Socket) SendMsg(p []byte, oob []byte, to unix.Sockaddr, flags int, iovecSizes []int) (int, error) {
	n, err := unix.SendmsgN(s.fd, p, oob, to, flags)
	var addr *AddressInfo
	if to != nil {
		a := sockaddrToAddressInfo(to)
		addr = &a
	}
	s.withConn(func(c *Connection) {
		recordSendmsg(c, recorderConfigFromCfg(), int64(n), err, addr, len(oob) > 0, iovecSizes, n)
	})
	return n, err
}

// RecvMsg wraps recvmsg(2).
func (s *Socket) RecvMsg(p []byte, oob []byte, flags int) (n, oobn int, recvflags int, from unix.Sockaddr, err error) {
	n, oobn, recvflags, from, err = unix.Recvmsg(s.fd, p, oob, flags)
	var addr *AddressInfo
	if from != nil {
		a := sockaddrToAddressInfo(from)
		addr = &a
	}
	s.withConn(func(c *Connection) {
		recordRecvmsg(c, recorderConfigFromCfg(), int64(n), err, addr, oobn > 0, []int{len(p)}, n)
	})
	return
}

// Writev wraps writev(2) via a direct syscall.Syscall, the same raw
// syscall-by-number idiom pkg/tcpinfo.GetTCPInfo uses for getsockopt(2).
func (s *Socket) Writev(bufs [][]byte) (int, error) {
	iovs := buildIovecs(bufs)
	sizes := iovecSizes(bufs)
	n, _, errno := syscall.Syscall(syscall.SYS_WRITEV, uintptr(s.fd), uintptr(unsafe.Pointer(&iovs[0])), uintptr(len(iovs)))
	var err error
	if errno != 0 {
		err = errno
	}
	s.withConn(func(c *Connection) {
		recordWritev(c, recorderConfigFromCfg(), int64(n), err, sizes, int(n))
	})
	if err != nil {
		return int(n), err
	}
	return int(n), nil
}

// Readv wraps readv(2), mirroring Writev.
func (s *Socket) Readv(bufs [][]byte) (int, error) {
	iovs := buildIovecs(bufs)
	sizes := iovecSizes(bufs)
	n, _, errno := syscall.Syscall(syscall.SYS_READV, uintptr(s.fd), uintptr(unsafe.Pointer(&iovs[0])), uintptr(len(iovs)))
	var err error
	if errno != 0 {
		err = errno
	}
	s.withConn(func(c *Connection) {
		recordReadv(c, recorderConfigFromCfg(), int64(n), err, sizes, int(n))
	})
	if err != nil {
		return int(n), err
	}
	return int(n), nil
}

// Close wraps close(2). Per spec.md §4.7, this is an explicit destruction
// path distinct from the atexit sweep's synthetic one (detected=false
// here).
func (s *Socket) Close() error {
	c := table.remove(s.fd)
	err := unix.Close(s.fd)
	ret := int64(0)
	if err != nil {
		ret = -1
	}
	if c != nil {
		recordClose(c, recorderConfigFromCfg(), ret, err, false)
		metricsRemove(c)
		if c.CaptureHandle != nil {
			c.CaptureHandle.Stop(2 * c.RTT)
			c.CaptureHandle = nil
		}
	}
	return err
}

func buildIovecs(bufs [][]byte) []unix.Iovec {
	iovs := make([]unix.Iovec, len(bufs))
	for i, b := range bufs {
		if len(b) == 0 {
			iovs[i].SetLen(0)
			continue
		}
		iovs[i].Base = &b[0]
		iovs[i].SetLen(len(b))
	}
	return iovs
}

func iovecSizes(bufs [][]byte) []int {
	sizes := make([]int, len(bufs))
	for i, b := range bufs {
		sizes[i] = len(b)
	}
	return sizes
}

func decodeXferFlags(flags int) DataXferFlags {
	return DataXferFlags{
		Dontwait: flags&unix.MSG_DONTWAIT != 0,
		Nosignal: flags&unix.MSG_NOSIGNAL != 0,
		Oob:      flags&unix.MSG_OOB != 0,
		Peek:     flags&unix.MSG_PEEK != 0,
		Waitall:  flags&unix.MSG_WAITALL != 0,
		Trunc:    flags&unix.MSG_TRUNC != 0,
	}
}

// sockaddrToAddressInfo decodes a unix.Sockaddr into the payload-neutral
// AddressInfo shared by every address-carrying event, per spec.md §3.
func sockaddrToAddressInfo(sa unix.Sockaddr) AddressInfo {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(a.Addr[:]).String()
		return AddressInfo{
			Raw:  fmt.Sprintf("%s:%d", ip, a.Port),
			IP:   ip,
			Port: strconv.Itoa(a.Port),
		}
	case *unix.SockaddrInet6:
		ip := net.IP(a.Addr[:]).String()
		return AddressInfo{
			Raw:  fmt.Sprintf("[%s]:%d", ip, a.Port),
			IP:   ip,
			Port: strconv.Itoa(a.Port),
		}
	case *unix.SockaddrUnix:
		return AddressInfo{Raw: a.Name, Host: a.Name}
	default:
		return AddressInfo{Raw: fmt.Sprintf("%v", sa)}
	}
}

// protoName/optName give setsockopt payloads a human label where the
// level/optname combination is well known; spec.md §4.4 leaves these as
// best-effort decoration, not a lookup table that must be exhaustive.
func protoName(level int) string {
	switch level {
	case unix.SOL_SOCKET:
		return "SOL_SOCKET"
	case unix.IPPROTO_TCP:
		return "IPPROTO_TCP"
	case unix.IPPROTO_IP:
		return "IPPROTO_IP"
	default:
		return ""
	}
}

func optName(level, optname int) string {
	if level == unix.IPPROTO_TCP && optname == unix.TCP_NODELAY {
		return "TCP_NODELAY"
	}
	if level == unix.SOL_SOCKET {
		switch optname {
		case unix.SO_REUSEADDR:
			return "SO_REUSEADDR"
		case unix.SO_KEEPALIVE:
			return "SO_KEEPALIVE"
		case unix.SO_RCVBUF:
			return "SO_RCVBUF"
		case unix.SO_SNDBUF:
			return "SO_SNDBUF"
		}
	}
	return ""
}
