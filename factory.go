package tcpsnitch

import (
	"time"

	"github.com/lamelshaikh/tcpsnitch/pkg/tcpinfo"
)

// recordAndMaybeInfo appends the event built from typ/ret/err/payload to c,
// applies the non-final flush policy, and — if the periodic tcp_info dual
// gate passes — appends a synthetic tcp_info event right behind it. This is
// the idiomatic substitute for conniver's wrap.go gatherAndReport: instead
// of firing only on open/close, every intercepted call is a candidate tick
// for the gate, per spec.md §4.4.
//
// Caller must hold c's slot lock; cfg carries the dump_every_* thresholds.
func recordAndMaybeInfo(c *Connection, cfg recorderConfig, typ EventType, ret int64, err error, payload any) *Event {
	ev := c.append(typ, ret, err, payload)
	maybeFlush(c, cfg.DumpEveryEvents)

	if typ != EventTCPInfo && typ != EventClose {
		maybeRecordTCPInfo(c, cfg)
	}
	return ev
}

// recorderConfig is the subset of pkg/config.Config factory.go needs,
// passed explicitly instead of importing pkg/config to keep this file
// free of a config-format dependency.
type recorderConfig struct {
	DumpEveryBytes  int64
	DumpEveryMicros int64
	DumpEveryEvents int
}

// maybeRecordTCPInfo implements spec.md §4.4's periodic trigger: it never
// recurses (a tcp_info event itself never re-arms the gate) and only fires
// when both the time gate and the byte gate — each individually
// OR-disabled by a zero threshold — agree the connection has moved enough.
func maybeRecordTCPInfo(c *Connection, cfg recorderConfig) {
	if !c.infoGatesPass(cfg.DumpEveryBytes, cfg.DumpEveryMicros) {
		return
	}
	info, err := tcpinfo.GetTCPInfo(c.FD)
	if err != nil {
		// A failed kernel query is still a tcp_info event, per spec.md §7:
		// recorded with success=false and the error string rather than
		// dropped silently.
		logInfoError(c, err)
		c.append(EventTCPInfo, 0, err, TCPInfoPayload{})
		return
	}
	payload := TCPInfoPayload{
		RTT:           info.RTT,
		RTTVar:        info.RTTVar,
		SndCWnd:       info.SndCWnd,
		Retransmits:   info.Retransmits,
		TotalRetrans:  info.TotalRetrans,
		BytesAcked:    info.BytesAcked,
		BytesReceived: info.BytesReceived,
		State:         info.State,
	}
	c.RTT = time.Duration(info.RTT) * time.Microsecond
	c.append(EventTCPInfo, 0, nil, payload)
	c.resetInfoBookmarks()
	maybeFlush(c, cfg.DumpEveryEvents)
}

// recordSocket, ... one constructor per variant, each building the
// payload struct and handing off to recordAndMaybeInfo. These mirror
// spec.md §4.4's per-variant field lists one for one.

func recordSocket(c *Connection, cfg recorderConfig, ret int64, err error, domain, typ, protocol int, cloexec, nonblock bool) *Event {
	return recordAndMaybeInfo(c, cfg, EventSocket, ret, err, SocketPayload{
		Domain: domain, Type: typ, Protocol: protocol, CloExec: cloexec, Nonblock: nonblock,
	})
}

func recordBind(c *Connection, cfg recorderConfig, ret int64, err error, addr AddressInfo, forceBind bool) *Event {
	return recordAndMaybeInfo(c, cfg, EventBind, ret, err, BindPayload{Addr: addr, ForceBind: forceBind})
}

func recordConnect(c *Connection, cfg recorderConfig, ret int64, err error, addr AddressInfo) *Event {
	return recordAndMaybeInfo(c, cfg, EventConnect, ret, err, ConnectPayload{Addr: addr})
}

func recordShutdown(c *Connection, cfg recorderConfig, ret int64, err error, how int) *Event {
	return recordAndMaybeInfo(c, cfg, EventShutdown, ret, err, ShutdownPayload{
		How:    how,
		ShutRD: how == 0 || how == 2,
		ShutWR: how == 1 || how == 2,
	})
}

func recordListen(c *Connection, cfg recorderConfig, ret int64, err error, backlog int) *Event {
	return recordAndMaybeInfo(c, cfg, EventListen, ret, err, ListenPayload{Backlog: backlog})
}

func recordSetsockopt(c *Connection, cfg recorderConfig, ret int64, err error, level, optname int, protoName, optNameLabel string) *Event {
	return recordAndMaybeInfo(c, cfg, EventSetsockopt, ret, err, SetsockoptPayload{
		Level: level, OptName: optname, ProtoName: protoName, OptNameLabel: optNameLabel,
	})
}

func recordSend(c *Connection, cfg recorderConfig, ret int64, err error, bytes int, flags DataXferFlags) *Event {
	return recordAndMaybeInfo(c, cfg, EventSend, ret, err, DataXferPayload{Bytes: bytes, Flags: flags})
}

func recordRecv(c *Connection, cfg recorderConfig, ret int64, err error, bytes int, flags DataXferFlags) *Event {
	return recordAndMaybeInfo(c, cfg, EventRecv, ret, err, DataXferPayload{Bytes: bytes, Flags: flags})
}

func recordWrite(c *Connection, cfg recorderConfig, ret int64, err error, bytes int) *Event {
	return recordAndMaybeInfo(c, cfg, EventWrite, ret, err, DataXferPayload{Bytes: bytes})
}

func recordRead(c *Connection, cfg recorderConfig, ret int64, err error, bytes int) *Event {
	return recordAndMaybeInfo(c, cfg, EventRead, ret, err, DataXferPayload{Bytes: bytes})
}

func recordSendto(c *Connection, cfg recorderConfig, ret int64, err error, bytes int, flags DataXferFlags, addr AddressInfo) *Event {
	return recordAndMaybeInfo(c, cfg, EventSendto, ret, err, AddrXferPayload{Bytes: bytes, Flags: flags, Addr: addr})
}

func recordRecvfrom(c *Connection, cfg recorderConfig, ret int64, err error, bytes int, flags DataXferFlags, addr AddressInfo) *Event {
	return recordAndMaybeInfo(c, cfg, EventRecvfrom, ret, err, AddrXferPayload{Bytes: bytes, Flags: flags, Addr: addr})
}

func recordSendmsg(c *Connection, cfg recorderConfig, ret int64, err error, addr *AddressInfo, hasControl bool, iovecSizes []int, bytes int) *Event {
	return recordAndMaybeInfo(c, cfg, EventSendmsg, ret, err, MsgPayload{
		Addr: addr, HasControl: hasControl, IovecCount: len(iovecSizes), IovecSizes: iovecSizes, Bytes: bytes,
	})
}

func recordRecvmsg(c *Connection, cfg recorderConfig, ret int64, err error, addr *AddressInfo, hasControl bool, iovecSizes []int, bytes int) *Event {
	return recordAndMaybeInfo(c, cfg, EventRecvmsg, ret, err, MsgPayload{
		Addr: addr, HasControl: hasControl, IovecCount: len(iovecSizes), IovecSizes: iovecSizes, Bytes: bytes,
	})
}

func recordWritev(c *Connection, cfg recorderConfig, ret int64, err error, iovecSizes []int, bytes int) *Event {
	return recordAndMaybeInfo(c, cfg, EventWritev, ret, err, VecPayload{IovecCount: len(iovecSizes), IovecSizes: iovecSizes, Bytes: bytes})
}

func recordReadv(c *Connection, cfg recorderConfig, ret int64, err error, iovecSizes []int, bytes int) *Event {
	return recordAndMaybeInfo(c, cfg, EventReadv, ret, err, VecPayload{IovecCount: len(iovecSizes), IovecSizes: iovecSizes, Bytes: bytes})
}

// recordClose appends the close event and performs the final flush. It
// never re-enters maybeRecordTCPInfo: a connection on its way out is not a
// candidate for a fresh tcp_info sample, per spec.md §4.4's "no
// self-recursion".
func recordClose(c *Connection, cfg recorderConfig, ret int64, err error, detected bool) *Event {
	ev := c.append(EventClose, ret, err, ClosePayload{Detected: detected})
	flushEvents(c, true)
	return ev
}

func logInfoError(c *Connection, err error) {
	flushLog.WithError(err).WithField("connection", c.ID).Warn("tcp_info query failed")
}
