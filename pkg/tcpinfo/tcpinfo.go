//go:build linux

/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 *
 * Portions are derived from of Linux's tcp.h, used under the syscall exception
 * (see https://spdx.org/licenses/Linux-syscall-note.html).
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package tcpinfo backs factory.go's periodic tcp_info sample (spec.md
// §4.4) and pkg/exporter's Prometheus collector with a single
// getsockopt(TCP_INFO) call per connection.
package tcpinfo

import (
	"syscall"
	"unsafe"
)

// rawTCPInfo mirrors the kernel's struct tcp_info byte for byte (current
// as of 5.17). bitfield0 packs tcpi_snd_wscale/tcpi_rcv_wscale; bitfield1
// packs tcpi_delivery_rate_app_limited and tcpi_fastopen_client_fail,
// the latter only meaningful on kernel >= 5.5 (see CheckKernelVersion in
// kernel_version.go).
type rawTCPInfo struct {
	state          uint8
	caState        uint8
	retransmits    uint8
	probes         uint8
	backoff        uint8
	options        uint8
	bitfield0      uint8
	bitfield1      uint8
	rto            uint32
	ato            uint32
	sndMSS         uint32
	rcvMSS         uint32
	unacked        uint32
	sacked         uint32
	lost           uint32
	retrans        uint32
	fackets        uint32
	lastDataSent   uint32
	lastAckSent    uint32
	lastDataRecv   uint32
	lastAckRecv    uint32
	pmtu           uint32
	rcvSSThresh    uint32
	rtt            uint32
	rttVar         uint32
	sndSSThresh    uint32
	sndCWnd        uint32
	advMSS         uint32
	reordering     uint32
	rcvRTT         uint32
	rcvSpace       uint32
	totalRetrans   uint32
	pacingRate     uint64
	maxPacingRate  uint64
	bytesAcked     uint64
	bytesReceived  uint64
	segsOut        uint32
	segsIn         uint32
	notsentBytes   uint32
	minRTT         uint32
	dataSegsIn     uint32
	dataSegsOut    uint32
	deliveryRate   uint64
	busyTime       uint64
	rwndLimited    uint64
	sndbufLimited  uint64
	delivered      uint32
	deliveredCE    uint32
	bytesSent      uint64
	bytesRetrans   uint64
	dsackDups      uint32
	reordSeen      uint32
	rcvOOOPack     uint32
	sndWnd         uint32
}

// NullableUint8 distinguishes "the kernel didn't report this field" from a
// genuine zero value, for fields introduced after this package's minimum
// supported kernel.
type NullableUint8 struct {
	Valid bool
	Value uint8
}

// TCPInfo is the unpacked, Go-idiomatic view of rawTCPInfo that
// factory.go and pkg/exporter consume.
type TCPInfo struct {
	State                  uint8
	CAState                uint8
	Retransmits            uint8
	Probes                 uint8
	Backoff                uint8
	Options                uint8
	SndWScale              uint8
	RcvWScale              uint8
	DeliveryRateAppLimited bool
	FastOpenClientFail     NullableUint8
	RTO                    uint32
	ATO                    uint32
	SndMSS                 uint32
	RcvMSS                 uint32
	UnAcked                uint32
	Sacked                 uint32
	Lost                   uint32
	Retrans                uint32
	Fackets                uint32
	LastDataSent           uint32
	LastAckSent            uint32
	LastDataRecv           uint32
	LastAckRecv            uint32
	PMTU                   uint32
	RcvSSThresh            uint32
	RTT                    uint32
	RTTVar                 uint32
	SndSSThresh            uint32
	SndCWnd                uint32
	AdvMSS                 uint32
	Reordering             uint32
	RcvRTT                 uint32
	RcvSpace               uint32
	TotalRetrans           uint32
	PacingRate             uint64
	MaxPacingRate          uint64
	BytesAcked             uint64
	BytesReceived          uint64
	SegsOut                uint32
	SegsIn                 uint32
	NotsentBytes           uint32
	MinRTT                 uint32
	DataSegsIn             uint32
	DataSegsOut            uint32
	DeliveryRate           uint64
	BusyTime               uint64
	RwndLimited            uint64
	SndbufLimited          uint64
	Delivered              uint32
	DeliveredCE            uint32
	BytesSent              uint64
	BytesRetrans           uint64
	DSACKDups              uint32
	ReordSeen              uint32
	RcvOOOPack             uint32
	SndWnd                 uint32
}

// unpack converts the packed kernel layout into TCPInfo, splitting the two
// bitfields and gating FastOpenClientFail on kernel support.
func (packed *rawTCPInfo) unpack() *TCPInfo {
	info := &TCPInfo{
		State:                  packed.state,
		CAState:                packed.caState,
		Retransmits:            packed.retransmits,
		Probes:                 packed.probes,
		Backoff:                packed.backoff,
		Options:                packed.options,
		SndWScale:              packed.bitfield0 & 0x0f,
		RcvWScale:              packed.bitfield0 >> 4,
		DeliveryRateAppLimited: packed.bitfield1&1 == 1,
		RTO:                    packed.rto,
		ATO:                    packed.ato,
		SndMSS:                 packed.sndMSS,
		RcvMSS:                 packed.rcvMSS,
		UnAcked:                packed.unacked,
		Sacked:                 packed.sacked,
		Lost:                   packed.lost,
		Retrans:                packed.retrans,
		Fackets:                packed.fackets,
		LastDataSent:           packed.lastDataSent,
		LastAckSent:            packed.lastAckSent,
		LastDataRecv:           packed.lastDataRecv,
		LastAckRecv:            packed.lastAckRecv,
		PMTU:                   packed.pmtu,
		RcvSSThresh:            packed.rcvSSThresh,
		RTT:                    packed.rtt,
		RTTVar:                 packed.rttVar,
		SndSSThresh:            packed.sndSSThresh,
		SndCWnd:                packed.sndCWnd,
		AdvMSS:                 packed.advMSS,
		Reordering:             packed.reordering,
		RcvRTT:                 packed.rcvRTT,
		RcvSpace:               packed.rcvSpace,
		TotalRetrans:           packed.totalRetrans,
		PacingRate:             packed.pacingRate,
		MaxPacingRate:          packed.maxPacingRate,
		BytesAcked:             packed.bytesAcked,
		BytesReceived:          packed.bytesReceived,
		SegsOut:                packed.segsOut,
		SegsIn:                 packed.segsIn,
		NotsentBytes:           packed.notsentBytes,
		MinRTT:                 packed.minRTT,
		DataSegsIn:             packed.dataSegsIn,
		DataSegsOut:            packed.dataSegsOut,
		DeliveryRate:           packed.deliveryRate,
		BusyTime:               packed.busyTime,
		RwndLimited:            packed.rwndLimited,
		SndbufLimited:          packed.sndbufLimited,
		Delivered:              packed.delivered,
		DeliveredCE:            packed.deliveredCE,
		BytesSent:              packed.bytesSent,
		BytesRetrans:           packed.bytesRetrans,
		DSACKDups:              packed.dsackDups,
		ReordSeen:              packed.reordSeen,
		RcvOOOPack:             packed.rcvOOOPack,
		SndWnd:                 packed.sndWnd,
	}
	if CheckKernelVersion(5, 5, 0) {
		info.FastOpenClientFail = NullableUint8{
			Valid: true,
			Value: (packed.bitfield1 >> 1) & 0x3,
		}
	}
	return info
}

// GetTCPInfo issues getsockopt(2) with SOL_TCP/TCP_INFO on fd and unpacks
// the result. The length argument uses the live size of rawTCPInfo rather
// than a hardcoded byte count, so the struct can grow without needing a
// matching constant update.
func GetTCPInfo(fd int) (*TCPInfo, error) {
	var raw rawTCPInfo
	length := uint32(unsafe.Sizeof(raw))

	_, _, errno := syscall.Syscall6(
		syscall.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(syscall.SOL_TCP),
		uintptr(syscall.TCP_INFO),
		uintptr(unsafe.Pointer(&raw)),
		uintptr(unsafe.Pointer(&length)),
		0,
	)
	if errno != 0 {
		return nil, errno
	}
	return raw.unpack(), nil
}
