package exporter

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewTCPInfoCollectorDescribesMetrics(t *testing.T) {
	c := NewTCPInfoCollector("tcpsnitch", []string{"peer"}, nil, func(error) {})

	descs := make(chan *prometheus.Desc, 64)
	go func() {
		c.Describe(descs)
		close(descs)
	}()

	count := 0
	for range descs {
		count++
	}
	if count == 0 {
		t.Fatalf("Describe produced no descriptors")
	}
}

func TestCollectorEvictsEntryWhenQueryFails(t *testing.T) {
	var loggedErrs []error
	c := NewTCPInfoCollector("tcpsnitch", []string{"peer"}, nil, func(err error) {
		loggedErrs = append(loggedErrs, err)
	})

	c.Add("xid-1", -1, []string{"10.0.0.1:443"})

	metrics := make(chan prometheus.Metric, 64)
	go func() {
		c.Collect(metrics)
		close(metrics)
	}()
	for range metrics {
	}

	// fd -1 is never a valid socket, so the getsockopt(TCP_INFO) call
	// inside Collect must fail, be reported through the error callback,
	// and cause the entry to self-evict.
	if len(loggedErrs) == 0 {
		t.Fatalf("Collect should report the tcp_info query failure for an invalid fd")
	}

	metrics2 := make(chan prometheus.Metric, 64)
	go func() {
		c.Collect(metrics2)
		close(metrics2)
	}()
	n := 0
	for range metrics2 {
		n++
	}
	if n != 0 {
		t.Fatalf("Collect emitted %d metrics for an evicted entry, want 0", n)
	}

	c.Remove("xid-1")
}

func TestCollectorRemoveUnknownXIDIsNoOp(t *testing.T) {
	c := NewTCPInfoCollector("tcpsnitch", nil, nil, func(error) {})
	c.Remove("does-not-exist")
}
