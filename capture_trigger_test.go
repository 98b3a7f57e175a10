package tcpsnitch

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func withCaptureEnabled(t *testing.T) {
	t.Helper()
	old, hadOld := os.LookupEnv("TCPSNITCH_CAPTURE_ENABLED")
	os.Setenv("TCPSNITCH_CAPTURE_ENABLED", "true")
	t.Cleanup(func() {
		if hadOld {
			os.Setenv("TCPSNITCH_CAPTURE_ENABLED", old)
		} else {
			os.Unsetenv("TCPSNITCH_CAPTURE_ENABLED")
		}
	})
}

// TestConnectForceBindsWhenCaptureEnabledAndUnbound drives a real loopback
// connect with capture_enabled=true on a client socket the host never
// bound itself. Per spec.md §8 scenario 5, this must force-bind the
// socket before connect(2) (a bind event with force_bind=true, a local
// port in [32768,60999]) regardless of whether a capture device is
// actually available in this environment to open.
func TestConnectForceBindsWhenCaptureEnabledAndUnbound(t *testing.T) {
	Reset()
	defer Reset()
	withTempLogDir(t)
	withCaptureEnabled(t)
	if err := Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	listener, err := NewSocket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("NewSocket (listener): %v", err)
	}
	defer listener.Close()
	if err := listener.Bind(&unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: 0}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	sa, err := unix.Getsockname(listener.FD())
	if err != nil {
		t.Fatalf("Getsockname: %v", err)
	}
	port := sa.(*unix.SockaddrInet4).Port
	if err := listener.Listen(1); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	client, err := NewSocket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("NewSocket (client): %v", err)
	}
	defer client.Close()

	if err := client.Connect(&unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: port}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	acceptedFD, _, err := unix.Accept(listener.FD())
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer unix.Close(acceptedFD)

	conn := table.getAndLock(client.FD())
	defer table.unlock(client.FD())
	if conn == nil {
		t.Fatalf("client connection missing from the descriptor table")
	}
	if !conn.Bound || !conn.ForceBind {
		t.Fatalf("unbound client Connect under capture_enabled should force-bind, got Bound=%v ForceBind=%v", conn.Bound, conn.ForceBind)
	}
	if conn.BoundAddr == nil {
		t.Fatalf("force-bound connection should carry a BoundAddr")
	}
	if conn.PeerAddr == nil {
		t.Fatalf("connection should carry the peer address recorded by Connect")
	}

	var sawForceBindEvent bool
	for n := conn.head; n != nil; n = n.next {
		if n.ev.Type == EventBind {
			if p, ok := n.ev.Payload.(BindPayload); ok && p.ForceBind {
				sawForceBindEvent = true
			}
		}
	}
	if !sawForceBindEvent {
		t.Fatalf("expected a bind event with force_bind=true in the connection's event log")
	}
}

// TestConnectSkipsForceBindWhenAlreadyBound checks that a host-bound
// socket is left alone: force-bind only applies to sockets the host never
// bound itself.
func TestConnectSkipsForceBindWhenAlreadyBound(t *testing.T) {
	Reset()
	defer Reset()
	withTempLogDir(t)
	withCaptureEnabled(t)
	if err := Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	listener, err := NewSocket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("NewSocket (listener): %v", err)
	}
	defer listener.Close()
	if err := listener.Bind(&unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: 0}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	sa, err := unix.Getsockname(listener.FD())
	if err != nil {
		t.Fatalf("Getsockname: %v", err)
	}
	port := sa.(*unix.SockaddrInet4).Port
	if err := listener.Listen(1); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	client, err := NewSocket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("NewSocket (client): %v", err)
	}
	defer client.Close()
	if err := client.Bind(&unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: 0}); err != nil {
		t.Fatalf("client Bind: %v", err)
	}

	if err := client.Connect(&unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: port}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	acceptedFD, _, err := unix.Accept(listener.FD())
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer unix.Close(acceptedFD)

	conn := table.getAndLock(client.FD())
	defer table.unlock(client.FD())
	if conn.ForceBind {
		t.Fatalf("a host-bound socket should never be force-bound")
	}
}

func TestMaybeStartCaptureSkipsWhenDisabled(t *testing.T) {
	c := newConnection(1, -1, t.TempDir(), "xid")
	c.PeerAddr = &AddressInfo{IP: "10.0.0.1", Port: "443"}
	maybeStartCapture(c, captureConfig{Enabled: false})
	if c.CaptureHandle != nil {
		t.Fatalf("maybeStartCapture should be a no-op when capture is disabled")
	}
}

func TestMaybeStartCaptureSkipsWithoutPeerAddr(t *testing.T) {
	c := newConnection(1, -1, t.TempDir(), "xid")
	maybeStartCapture(c, captureConfig{Enabled: true})
	if c.CaptureHandle != nil {
		t.Fatalf("maybeStartCapture should be a no-op before a peer address is known")
	}
}
