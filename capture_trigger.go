package tcpsnitch

import (
	"fmt"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/lamelshaikh/tcpsnitch/pkg/capture"
)

// captureConfig is the subset of pkg/config.Config the capture trigger
// needs, passed explicitly the same way recorderConfig narrows
// pkg/config.Config for factory.go.
type captureConfig struct {
	Enabled bool
	Device  string
}

func captureConfigFromCfg() captureConfig {
	return captureConfig{Enabled: cfg.CaptureEnabled, Device: cfg.CaptureDevice}
}

// maybeForceBindForCapture implements spec.md §4.6 step (a): a socket that
// is about to establish a peer address but was never bound by the host
// gets force-bound into the capture port range first, so the resulting BPF
// filter can pin down the local port too. It follows Socket.ForceBind's
// locking discipline: the slot lock is released for the scan (ForceBind
// itself calls back into unix.Bind, a wrapped entry point's underlying
// syscall) and only re-acquired afterward to record the outcome.
func (s *Socket) maybeForceBindForCapture() {
	var bound bool
	s.withConn(func(c *Connection) { bound = c.Bound })
	if bound {
		return
	}

	v6 := false
	if sa, err := unix.Getsockname(s.fd); err == nil {
		_, v6 = sa.(*unix.SockaddrInet6)
	}

	port, err := s.ForceBind(func(port int) unix.Sockaddr {
		return wildcardSockaddr(v6, port)
	})
	if err != nil {
		// spec.md §8: force-bind exhausts [32768,60999] -> capture is
		// skipped, the connection is otherwise unaffected.
		return
	}

	addr := wildcardAddressInfo(v6, port)
	s.withConn(func(c *Connection) {
		c.Bound = true
		c.BoundAddr = &addr
		c.append(EventBind, 0, nil, BindPayload{Addr: addr, ForceBind: true})
	})
}

// maybeStartCapture implements spec.md §4.6's trigger proper: on the first
// event that establishes a peer address for an active socket, with
// capture_enabled, build the BPF filter from the connection's (possibly
// just force-bound) addresses and start a capture session.
func maybeStartCapture(c *Connection, cc captureConfig) {
	if !cc.Enabled || c.CaptureHandle != nil || c.PeerAddr == nil || c.PeerAddr.Port == "" {
		return
	}
	peerPort, err := strconv.Atoi(c.PeerAddr.Port)
	if err != nil {
		return
	}
	localPort := 0
	if c.BoundAddr != nil {
		localPort, _ = strconv.Atoi(c.BoundAddr.Port)
	}

	session, err := capture.Start(capture.Params{
		Device:    cc.Device,
		Directory: c.Directory,
		PeerIP:    c.PeerAddr.IP,
		PeerPort:  peerPort,
		Bound:     c.Bound,
		LocalPort: localPort,
	})
	if err != nil {
		flushLog.WithError(err).WithField("connection", c.ID).Warn("capture start failed")
		return
	}
	c.CaptureHandle = session
}

func wildcardSockaddr(v6 bool, port int) unix.Sockaddr {
	if v6 {
		return &unix.SockaddrInet6{Port: port}
	}
	return &unix.SockaddrInet4{Port: port}
}

func wildcardAddressInfo(v6 bool, port int) AddressInfo {
	if v6 {
		return AddressInfo{Raw: fmt.Sprintf("[::]:%d", port), IP: "::", Port: strconv.Itoa(port)}
	}
	return AddressInfo{Raw: fmt.Sprintf("0.0.0.0:%d", port), IP: "0.0.0.0", Port: strconv.Itoa(port)}
}
