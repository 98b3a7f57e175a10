package tcpsnitch

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

func TestMetricsAddRemoveAreNoOpsBeforeEnableMetrics(t *testing.T) {
	Reset()
	defer Reset()

	c := newConnection(1, -1, t.TempDir(), "xid-noop")
	// Neither call should panic even though no collector was ever
	// registered; metricsAdd/metricsRemove must be safe no-ops until a
	// host opts in via EnableMetrics.
	metricsAdd(c)
	metricsRemove(c)
}

func TestEnableMetricsTracksConnectionLifecycle(t *testing.T) {
	Reset()
	defer Reset()

	reg := prometheus.NewRegistry()
	if err := EnableMetrics(reg, "tcpsnitch_test", []string{"peer"}, nil); err != nil {
		t.Fatalf("EnableMetrics: %v", err)
	}

	// A real (unconnected) TCP socket answers getsockopt(TCP_INFO), so the
	// first Gather below has metrics to report for this entry.
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socket: %v", err)
	}
	defer unix.Close(fd)

	c := newConnection(1, fd, t.TempDir(), "xid-live")
	c.PeerAddr = &AddressInfo{Raw: "10.0.0.1:443"}
	metricsAdd(c)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected at least one metric family to be registered")
	}

	metricsRemove(c)
	// After metricsRemove the collector no longer holds the entry, so a
	// second Gather collects nothing for it and should not error.
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather after Remove: %v", err)
	}
}

func TestEnableMetricsRejectsDoubleRegistration(t *testing.T) {
	Reset()
	defer Reset()

	reg := prometheus.NewRegistry()
	if err := EnableMetrics(reg, "tcpsnitch_dup", []string{"peer"}, nil); err != nil {
		t.Fatalf("first EnableMetrics: %v", err)
	}
	if err := EnableMetrics(reg, "tcpsnitch_dup", []string{"peer"}, nil); err == nil {
		t.Fatalf("registering the same collector twice against the same registry should fail")
	}
}
