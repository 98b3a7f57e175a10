package tcpsnitch

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lamelshaikh/tcpsnitch/pkg/exporter"
)

// metricsMu guards metricsCollector, which stays nil until a host opts in
// via EnableMetrics. Every registration/removal hook below is a no-op
// while it is nil, so metrics collection costs nothing for hosts that
// never call EnableMetrics.
var (
	metricsMu        sync.Mutex
	metricsCollector *exporter.TCPInfoCollector
)

// EnableMetrics builds the pkg/exporter collector described in
// SPEC_FULL.md's DOMAIN STACK section, registers it against reg, and
// arranges for every connection this package opens or adopts from here on
// to be tracked by it. Connections already open at call time are not
// retroactively added, matching the teacher's own collector lifecycle
// (runZeroInc-conniver/pkg/exporter was likewise wired up once, at
// startup, ahead of any connection it was meant to observe).
func EnableMetrics(reg prometheus.Registerer, prefix string, connectionLabels []string, constLabels prometheus.Labels) error {
	collector := exporter.NewTCPInfoCollector(prefix, connectionLabels, constLabels, func(err error) {
		log.WithError(err).Warn("tcpsnitch: metrics collection error")
	})
	if err := reg.Register(collector); err != nil {
		return err
	}
	metricsMu.Lock()
	metricsCollector = collector
	metricsMu.Unlock()
	return nil
}

func metricsAdd(c *Connection) {
	metricsMu.Lock()
	collector := metricsCollector
	metricsMu.Unlock()
	if collector == nil {
		return
	}
	peer := ""
	if c.PeerAddr != nil {
		peer = c.PeerAddr.Raw
	}
	collector.Add(c.XID, c.FD, []string{peer})
}

func metricsRemove(c *Connection) {
	metricsMu.Lock()
	collector := metricsCollector
	metricsMu.Unlock()
	if collector == nil {
		return
	}
	collector.Remove(c.XID)
}
