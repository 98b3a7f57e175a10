package capture

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func TestBuildFilter(t *testing.T) {
	tests := []struct {
		name string
		p    Params
		want string
	}{
		{
			name: "unbound",
			p:    Params{PeerIP: "10.0.0.1", PeerPort: 443},
			want: "host 10.0.0.1 and port 443",
		},
		{
			name: "bound appends local port",
			p:    Params{PeerIP: "10.0.0.1", PeerPort: 443, Bound: true, LocalPort: 50000},
			want: "host 10.0.0.1 and port 443 and port 50000",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildFilter(tt.p); got != tt.want {
				t.Errorf("BuildFilter() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestForceBindSucceedsOnFirstFreePort(t *testing.T) {
	var tried []int
	port, err := ForceBind(func(port int) error {
		tried = append(tried, port)
		return nil
	})
	if err != nil {
		t.Fatalf("ForceBind: %v", err)
	}
	if len(tried) != 1 {
		t.Fatalf("ForceBind should stop at the first successful bind, tried %d ports", len(tried))
	}
	if port < LowPort || port > HighPort {
		t.Fatalf("port %d out of range [%d,%d]", port, LowPort, HighPort)
	}
}

func TestForceBindRetriesOnAddrInUse(t *testing.T) {
	attempts := 0
	port, err := ForceBind(func(port int) error {
		attempts++
		if attempts < 3 {
			return unix.EADDRINUSE
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ForceBind: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("ForceBind made %d attempts, want 3", attempts)
	}
	if port < LowPort || port > HighPort {
		t.Fatalf("port %d out of range [%d,%d]", port, LowPort, HighPort)
	}
}

func TestForceBindPropagatesNonAddrInUseError(t *testing.T) {
	boom := errors.New("permission denied")
	_, err := ForceBind(func(port int) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("ForceBind err = %v, want %v", err, boom)
	}
}

func TestForceBindExhaustsRangeAndFails(t *testing.T) {
	_, err := ForceBind(func(port int) error {
		return unix.EADDRINUSE
	})
	if err == nil {
		t.Fatalf("ForceBind should fail once every port in range is in use")
	}
}
