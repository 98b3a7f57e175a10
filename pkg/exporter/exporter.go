/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

package exporter

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lamelshaikh/tcpsnitch/pkg/tcpinfo"
)

type info struct {
	description *prometheus.Desc
	supplier    func(tcpInfo *tcpinfo.TCPInfo, labelValues []string) prometheus.Metric
}

type connEntry struct {
	fd     int
	labels []string
}

// TCPInfoCollector is keyed by xid correlation token rather than net.Conn:
// the descriptor table is the source of truth for live fds, and exporter
// stays decoupled from it to avoid an import cycle back into the root
// package.
type TCPInfoCollector struct {
	conns  map[string]connEntry
	mu     sync.Mutex
	logger func(error)
	infos  []info
}

func (t *TCPInfoCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, info := range t.infos {
		descs <- info.description
	}
}

func (t *TCPInfoCollector) Collect(metrics chan<- prometheus.Metric) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for xid, entry := range t.conns {
		tcpInfo, err := tcpinfo.GetTCPInfo(entry.fd)
		if err != nil {
			t.logger(fmt.Errorf("error getting connection tcpinfo (removing conn %s): %w", xid, err))
			delete(t.conns, xid)
			continue
		}

		labelValues := append([]string{xid}, entry.labels...)
		for _, info := range t.infos {
			metrics <- info.supplier(tcpInfo, labelValues)
		}
	}
}

// Add registers fd for periodic tcp_info collection under the xid
// correlation token, with labels in the order NewTCPInfoCollector's
// connectionLabels were declared.
func (t *TCPInfoCollector) Add(xid string, fd int, labels []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.conns[xid] = connEntry{fd: fd, labels: labels}
}

func (t *TCPInfoCollector) Remove(xid string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.conns, xid)
}

// makeDescriptions covers every tcp_info field GetTCPInfo unpacks, mirroring
// the M-Lab project's tcp-info field documentation
// (https://www.measurementlab.net/tests/tcp-info/).
func makeDescriptions(prefix string, variableLabels []string, constLabels prometheus.Labels) map[string]*prometheus.Desc {
	return map[string]*prometheus.Desc{
		"state":                     prometheus.NewDesc(fmt.Sprintf("%s_state", prefix), "Connection state, see include/net/tcp_states.h.", variableLabels, constLabels),
		"ca_state":                  prometheus.NewDesc(fmt.Sprintf("%s_ca_state", prefix), "Loss recovery state machine, see include/net/tcp.h.", variableLabels, constLabels),
		"retransmits":               prometheus.NewDesc(fmt.Sprintf("%s_retransmits", prefix), "Number of timeouts (RTO based retransmissions) at this sequence (reset to zero on forward progress).", variableLabels, constLabels),
		"probes":                    prometheus.NewDesc(fmt.Sprintf("%s_probes", prefix), "Consecutive zero window probes that have gone unanswered.", variableLabels, constLabels),
		"backoff":                   prometheus.NewDesc(fmt.Sprintf("%s_backoff", prefix), "Exponential timeout backoff counter. Increment on RTO, reset on successful RTT measurements.", variableLabels, constLabels),
		"options":                   prometheus.NewDesc(fmt.Sprintf("%s_options", prefix), "Bit encoded SYN options and other negotiations: TIMESTAMPS 0x1; SACK 0x2; WSCALE 0x4; ECN 0x8.", variableLabels, constLabels),
		"snd_wscale":                prometheus.NewDesc(fmt.Sprintf("%s_snd_wscale", prefix), "Window scaling of send-half of connection (bit shift).", variableLabels, constLabels),
		"rcv_wscale":                prometheus.NewDesc(fmt.Sprintf("%s_rcv_wscale", prefix), "Window scaling of receive-half of connection (bit shift).", variableLabels, constLabels),
		"delivery_rate_app_limited": prometheus.NewDesc(fmt.Sprintf("%s_delivery_rate_app_limited", prefix), "Flag indicating that rate measurements reflect non-network bottlenecks (1.0 = true, 0.0 = false).", variableLabels, constLabels),
		"fastopen_client_fail":      prometheus.NewDesc(fmt.Sprintf("%s_fastopen_client_fail", prefix), "The reason why TCP fastopen failed. 0x0: unspecified; 0x1: no cookie sent; 0x2: SYN-ACK did not ack SYN data; 0x3: SYN-ACK did not ack SYN data after timeout.", variableLabels, constLabels),
		"rto":                       prometheus.NewDesc(fmt.Sprintf("%s_rto", prefix), "Retransmission Timeout. Quantized to system jiffies.", variableLabels, constLabels),
		"ato":                       prometheus.NewDesc(fmt.Sprintf("%s_ato", prefix), "Delayed ACK Timeout. Quantized to system jiffies.", variableLabels, constLabels),
		"snd_mss":                   prometheus.NewDesc(fmt.Sprintf("%s_snd_mss", prefix), "Current Maximum Segment Size.", variableLabels, constLabels),
		"rcv_mss":                   prometheus.NewDesc(fmt.Sprintf("%s_rcv_mss", prefix), "Maximum observed segment size from the remote host.", variableLabels, constLabels),
		"unacked":                   prometheus.NewDesc(fmt.Sprintf("%s_unacked", prefix), "Number of segments between snd.nxt and snd.una.", variableLabels, constLabels),
		"sacked":                    prometheus.NewDesc(fmt.Sprintf("%s_sacked", prefix), "Scoreboard segments marked SACKED by sack blocks.", variableLabels, constLabels),
		"lost":                      prometheus.NewDesc(fmt.Sprintf("%s_lost", prefix), "Scoreboard segments marked lost by loss detection heuristics.", variableLabels, constLabels),
		"retrans":                   prometheus.NewDesc(fmt.Sprintf("%s_retrans", prefix), "Scoreboard segments marked retransmitted.", variableLabels, constLabels),
		"fackets":                   prometheus.NewDesc(fmt.Sprintf("%s_fackets", prefix), "Forward Acknowledgment (FACK) counter.", variableLabels, constLabels),
		"last_data_sent":            prometheus.NewDesc(fmt.Sprintf("%s_last_data_sent", prefix), "Time since last data segment was sent. Quantized to jiffies.", variableLabels, constLabels),
		"last_ack_sent":             prometheus.NewDesc(fmt.Sprintf("%s_last_ack_sent", prefix), "Time since last ACK was sent.", variableLabels, constLabels),
		"last_data_recv":            prometheus.NewDesc(fmt.Sprintf("%s_last_data_recv", prefix), "Time since last data segment was received. Quantized to jiffies.", variableLabels, constLabels),
		"last_ack_recv":             prometheus.NewDesc(fmt.Sprintf("%s_last_ack_recv", prefix), "Time since last ACK was received. Quantized to jiffies.", variableLabels, constLabels),
		"pmtu":                      prometheus.NewDesc(fmt.Sprintf("%s_pmtu", prefix), "Maximum IP Transmission Unit for this path.", variableLabels, constLabels),
		"rcv_ssthresh":              prometheus.NewDesc(fmt.Sprintf("%s_rcv_ssthresh", prefix), "Current Window Clamp.", variableLabels, constLabels),
		"rtt":                       prometheus.NewDesc(fmt.Sprintf("%s_rtt", prefix), "Smoothed Round Trip Time (RTT).", variableLabels, constLabels),
		"rttvar":                    prometheus.NewDesc(fmt.Sprintf("%s_rttvar", prefix), "RTT variance.", variableLabels, constLabels),
		"snd_ssthresh":              prometheus.NewDesc(fmt.Sprintf("%s_snd_ssthresh", prefix), "Slow Start Threshold.", variableLabels, constLabels),
		"snd_cwnd":                  prometheus.NewDesc(fmt.Sprintf("%s_snd_cwnd", prefix), "Congestion Window.", variableLabels, constLabels),
		"advmss":                    prometheus.NewDesc(fmt.Sprintf("%s_advmss", prefix), "Advertised maximum segment size.", variableLabels, constLabels),
		"reordering":                prometheus.NewDesc(fmt.Sprintf("%s_reordering", prefix), "Maximum observed reordering distance.", variableLabels, constLabels),
		"rcv_rtt":                   prometheus.NewDesc(fmt.Sprintf("%s_rcv_rtt", prefix), "Receiver side RTT estimate.", variableLabels, constLabels),
		"rcv_space":                 prometheus.NewDesc(fmt.Sprintf("%s_rcv_space", prefix), "Space reserved for the receive queue.", variableLabels, constLabels),
		"total_retrans":             prometheus.NewDesc(fmt.Sprintf("%s_total_retrans", prefix), "Total number of segments containing retransmitted data.", variableLabels, constLabels),
		"pacing_rate":               prometheus.NewDesc(fmt.Sprintf("%s_pacing_rate", prefix), "Current pacing rate.", variableLabels, constLabels),
		"max_pacing_rate":           prometheus.NewDesc(fmt.Sprintf("%s_max_pacing_rate", prefix), "Settable pacing rate clamp (SO_MAX_PACING_RATE).", variableLabels, constLabels),
		"bytes_acked":               prometheus.NewDesc(fmt.Sprintf("%s_bytes_acked", prefix), "The number of data bytes for which cumulative acknowledgments have been received | RFC4898 tcpEStatsAppHCThruOctetsAcked.", variableLabels, constLabels),
		"bytes_received":            prometheus.NewDesc(fmt.Sprintf("%s_bytes_received", prefix), "The number of data bytes for which cumulative acknowledgments have been sent | RFC4898 tcpEStatsAppHCThruOctetsReceived.", variableLabels, constLabels),
		"segs_out":                  prometheus.NewDesc(fmt.Sprintf("%s_segs_out", prefix), "Segments transmitted, including pure ACKs | RFC4898 tcpEStatsPerfSegsOut.", variableLabels, constLabels),
		"segs_in":                   prometheus.NewDesc(fmt.Sprintf("%s_segs_in", prefix), "Segments received, including pure ACKs | RFC4898 tcpEStatsPerfSegsIn.", variableLabels, constLabels),
		"notsent_bytes":             prometheus.NewDesc(fmt.Sprintf("%s_notsent_bytes", prefix), "Bytes queued in the send buffer that have not been sent.", variableLabels, constLabels),
		"min_rtt":                   prometheus.NewDesc(fmt.Sprintf("%s_min_rtt", prefix), "Minimum RTT observed.", variableLabels, constLabels),
		"data_segs_in":              prometheus.NewDesc(fmt.Sprintf("%s_data_segs_in", prefix), "Input segments carrying data (len>0) | RFC4898 tcpEStatsPerfDataSegsIn.", variableLabels, constLabels),
		"data_segs_out":             prometheus.NewDesc(fmt.Sprintf("%s_data_segs_out", prefix), "Transmitted segments carrying data (len>0) | RFC4898 tcpEStatsPerfDataSegsOut.", variableLabels, constLabels),
		"delivery_rate":             prometheus.NewDesc(fmt.Sprintf("%s_delivery_rate", prefix), "Observed maximum delivery rate.", variableLabels, constLabels),
		"busy_time":                 prometheus.NewDesc(fmt.Sprintf("%s_busy_time", prefix), "Time in usecs with outstanding (unacknowledged) data.", variableLabels, constLabels),
		"rwnd_limited":              prometheus.NewDesc(fmt.Sprintf("%s_rwnd_limited", prefix), "Time in usecs spent limited by/waiting for the receiver window.", variableLabels, constLabels),
		"sndbuf_limited":            prometheus.NewDesc(fmt.Sprintf("%s_sndbuf_limited", prefix), "Time in usecs spent limited by/waiting for sender buffer space.", variableLabels, constLabels),
		"delivered":                 prometheus.NewDesc(fmt.Sprintf("%s_delivered", prefix), "Data segments delivered to the receiver, including retransmits.", variableLabels, constLabels),
		"delivered_ce":              prometheus.NewDesc(fmt.Sprintf("%s_delivered_ce", prefix), "ECE-marked data segments delivered to the receiver, including retransmits.", variableLabels, constLabels),
		"bytes_sent":                prometheus.NewDesc(fmt.Sprintf("%s_bytes_sent", prefix), "Payload bytes sent (excludes headers, includes retransmissions) | RFC4898 tcpEStatsPerfHCDataOctetsOut.", variableLabels, constLabels),
		"bytes_retrans":             prometheus.NewDesc(fmt.Sprintf("%s_bytes_retrans", prefix), "Bytes retransmitted | RFC4898 tcpEStatsPerfOctetsRetrans.", variableLabels, constLabels),
		"dsack_dups":                prometheus.NewDesc(fmt.Sprintf("%s_dsack_dups", prefix), "Duplicate segments reported by DSACK | RFC4898 tcpEStatsStackDSACKDups.", variableLabels, constLabels),
		"reord_seen":                prometheus.NewDesc(fmt.Sprintf("%s_reord_seen", prefix), "Out-of-order ACKs received, estimating reordering on the return path.", variableLabels, constLabels),
		"rcv_ooopack":               prometheus.NewDesc(fmt.Sprintf("%s_rcv_ooopack", prefix), "Out-of-order packets received.", variableLabels, constLabels),
		"snd_wnd":                   prometheus.NewDesc(fmt.Sprintf("%s_snd_wnd", prefix), "Peer's advertised receive window after scaling (bytes).", variableLabels, constLabels),
	}
}

// NewTCPInfoCollector builds a collector. connectionLabels declares the
// variable label names exposed for every connection, beyond the
// always-present "xid" correlation label; values are supplied per
// connection via Add.
func NewTCPInfoCollector(
	prefix string,
	connectionLabels []string,
	constLabels prometheus.Labels,
	errorLoggingCallback func(error),
) *TCPInfoCollector {
	labels := append([]string{"xid"}, connectionLabels...)
	desc := makeDescriptions(prefix, labels, constLabels)

	gauge := func(key string, value func(*tcpinfo.TCPInfo) float64) info {
		return info{description: desc[key], supplier: func(tcpInfo *tcpinfo.TCPInfo, labelValues []string) prometheus.Metric {
			return prometheus.MustNewConstMetric(desc[key], prometheus.GaugeValue, value(tcpInfo), labelValues...)
		}}
	}
	counter := func(key string, value func(*tcpinfo.TCPInfo) float64) info {
		return info{description: desc[key], supplier: func(tcpInfo *tcpinfo.TCPInfo, labelValues []string) prometheus.Metric {
			return prometheus.MustNewConstMetric(desc[key], prometheus.CounterValue, value(tcpInfo), labelValues...)
		}}
	}

	infos := []info{
		gauge("state", func(t *tcpinfo.TCPInfo) float64 { return float64(t.State) }),
		gauge("ca_state", func(t *tcpinfo.TCPInfo) float64 { return float64(t.CAState) }),
		gauge("retransmits", func(t *tcpinfo.TCPInfo) float64 { return float64(t.Retransmits) }),
		gauge("probes", func(t *tcpinfo.TCPInfo) float64 { return float64(t.Probes) }),
		gauge("backoff", func(t *tcpinfo.TCPInfo) float64 { return float64(t.Backoff) }),
		gauge("options", func(t *tcpinfo.TCPInfo) float64 { return float64(t.Options) }),
		gauge("snd_wscale", func(t *tcpinfo.TCPInfo) float64 { return float64(t.SndWScale) }),
		gauge("rcv_wscale", func(t *tcpinfo.TCPInfo) float64 { return float64(t.RcvWScale) }),
		gauge("delivery_rate_app_limited", func(t *tcpinfo.TCPInfo) float64 {
			if t.DeliveryRateAppLimited {
				return 1.0
			}
			return 0.0
		}),
		gauge("rto", func(t *tcpinfo.TCPInfo) float64 { return float64(t.RTO) }),
		gauge("ato", func(t *tcpinfo.TCPInfo) float64 { return float64(t.ATO) }),
		gauge("snd_mss", func(t *tcpinfo.TCPInfo) float64 { return float64(t.SndMSS) }),
		gauge("rcv_mss", func(t *tcpinfo.TCPInfo) float64 { return float64(t.RcvMSS) }),
		gauge("unacked", func(t *tcpinfo.TCPInfo) float64 { return float64(t.UnAcked) }),
		gauge("sacked", func(t *tcpinfo.TCPInfo) float64 { return float64(t.Sacked) }),
		gauge("lost", func(t *tcpinfo.TCPInfo) float64 { return float64(t.Lost) }),
		gauge("retrans", func(t *tcpinfo.TCPInfo) float64 { return float64(t.Retrans) }),
		counter("fackets", func(t *tcpinfo.TCPInfo) float64 { return float64(t.Fackets) }),
		gauge("last_data_sent", func(t *tcpinfo.TCPInfo) float64 { return float64(t.LastDataSent) }),
		gauge("last_ack_sent", func(t *tcpinfo.TCPInfo) float64 { return float64(t.LastAckSent) }),
		gauge("last_data_recv", func(t *tcpinfo.TCPInfo) float64 { return float64(t.LastDataRecv) }),
		gauge("last_ack_recv", func(t *tcpinfo.TCPInfo) float64 { return float64(t.LastAckRecv) }),
		gauge("pmtu", func(t *tcpinfo.TCPInfo) float64 { return float64(t.PMTU) }),
		gauge("rcv_ssthresh", func(t *tcpinfo.TCPInfo) float64 { return float64(t.RcvSSThresh) }),
		gauge("rtt", func(t *tcpinfo.TCPInfo) float64 { return float64(t.RTT) }),
		gauge("rttvar", func(t *tcpinfo.TCPInfo) float64 { return float64(t.RTTVar) }),
		gauge("snd_ssthresh", func(t *tcpinfo.TCPInfo) float64 { return float64(t.SndSSThresh) }),
		gauge("snd_cwnd", func(t *tcpinfo.TCPInfo) float64 { return float64(t.SndCWnd) }),
		gauge("advmss", func(t *tcpinfo.TCPInfo) float64 { return float64(t.AdvMSS) }),
		gauge("reordering", func(t *tcpinfo.TCPInfo) float64 { return float64(t.Reordering) }),
		gauge("rcv_rtt", func(t *tcpinfo.TCPInfo) float64 { return float64(t.RcvRTT) }),
		gauge("rcv_space", func(t *tcpinfo.TCPInfo) float64 { return float64(t.RcvSpace) }),
		gauge("total_retrans", func(t *tcpinfo.TCPInfo) float64 { return float64(t.TotalRetrans) }),
		gauge("pacing_rate", func(t *tcpinfo.TCPInfo) float64 { return float64(t.PacingRate) }),
		gauge("max_pacing_rate", func(t *tcpinfo.TCPInfo) float64 { return float64(t.MaxPacingRate) }),
		gauge("bytes_acked", func(t *tcpinfo.TCPInfo) float64 { return float64(t.BytesAcked) }),
		counter("bytes_received", func(t *tcpinfo.TCPInfo) float64 { return float64(t.BytesReceived) }),
		gauge("segs_out", func(t *tcpinfo.TCPInfo) float64 { return float64(t.SegsOut) }),
		gauge("segs_in", func(t *tcpinfo.TCPInfo) float64 { return float64(t.SegsIn) }),
		gauge("notsent_bytes", func(t *tcpinfo.TCPInfo) float64 { return float64(t.NotsentBytes) }),
		gauge("min_rtt", func(t *tcpinfo.TCPInfo) float64 { return float64(t.MinRTT) }),
		gauge("data_segs_in", func(t *tcpinfo.TCPInfo) float64 { return float64(t.DataSegsIn) }),
		gauge("data_segs_out", func(t *tcpinfo.TCPInfo) float64 { return float64(t.DataSegsOut) }),
		gauge("delivery_rate", func(t *tcpinfo.TCPInfo) float64 { return float64(t.DeliveryRate) }),
		gauge("busy_time", func(t *tcpinfo.TCPInfo) float64 { return float64(t.BusyTime) }),
		gauge("rwnd_limited", func(t *tcpinfo.TCPInfo) float64 { return float64(t.RwndLimited) }),
		gauge("sndbuf_limited", func(t *tcpinfo.TCPInfo) float64 { return float64(t.SndbufLimited) }),
		gauge("delivered", func(t *tcpinfo.TCPInfo) float64 { return float64(t.Delivered) }),
		gauge("delivered_ce", func(t *tcpinfo.TCPInfo) float64 { return float64(t.DeliveredCE) }),
		gauge("bytes_sent", func(t *tcpinfo.TCPInfo) float64 { return float64(t.BytesSent) }),
		gauge("bytes_retrans", func(t *tcpinfo.TCPInfo) float64 { return float64(t.BytesRetrans) }),
		gauge("dsack_dups", func(t *tcpinfo.TCPInfo) float64 { return float64(t.DSACKDups) }),
		counter("reord_seen", func(t *tcpinfo.TCPInfo) float64 { return float64(t.ReordSeen) }),
		counter("rcv_ooopack", func(t *tcpinfo.TCPInfo) float64 { return float64(t.RcvOOOPack) }),
		gauge("snd_wnd", func(t *tcpinfo.TCPInfo) float64 { return float64(t.SndWnd) }),
	}

	if tcpinfo.CheckKernelVersion(5, 5, 0) {
		infos = append(infos, gauge("fastopen_client_fail", func(t *tcpinfo.TCPInfo) float64 { return float64(t.FastOpenClientFail.Value) }))
	}

	return &TCPInfoCollector{ //nolint:exhaustivestruct
		conns:  make(map[string]connEntry),
		logger: errorLoggingCallback,
		infos:  infos,
	}
}
