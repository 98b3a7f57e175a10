package tcpsnitch

import (
	"time"

	"github.com/lamelshaikh/tcpsnitch/pkg/capture"
)

// Connection is the per-descriptor state described in spec.md §3. It is
// mutated only by a caller holding the owning slot's lock in the
// descriptor table; it carries no lock of its own.
type Connection struct {
	ID        int
	FD        int
	XID       string
	Directory string
	CreatedAt time.Time

	head, tail *eventNode

	EventsCount      int
	LastFlushedCount int

	BytesSent     int64
	BytesReceived int64

	LastInfoDumpBytes  int64
	LastInfoDumpMicros int64
	infoDumpStart      time.Time

	Bound     bool
	BoundAddr *AddressInfo
	ForceBind bool

	PeerAddr *AddressInfo

	CaptureHandle *capture.Session
	RTT           time.Duration

	// writer holds the open JSON sink across non-final flushes; nil
	// between flushes and after the final flush.
	writer *jsonSink
}

func newConnection(id, fd int, dir, xid string) *Connection {
	return &Connection{
		ID:            id,
		FD:            fd,
		XID:           xid,
		Directory:     dir,
		CreatedAt:     time.Now(),
		infoDumpStart: time.Now(),
	}
}

// append adds ev to the event list, assigns its dense id, and updates the
// cumulative byte counters per spec.md §4.3. Caller must hold the slot
// lock.
func (c *Connection) append(typ EventType, ret int64, err error, payload any) *Event {
	ev := newEvent(c.EventsCount, typ, ret, err, payload)
	node := &eventNode{ev: ev}
	if c.tail == nil {
		c.head = node
		c.tail = node
	} else {
		c.tail.next = node
		c.tail = node
	}
	c.EventsCount++

	switch p := payload.(type) {
	case DataXferPayload:
		c.addBytes(typ, int64(p.Bytes))
	case AddrXferPayload:
		c.addBytes(typ, int64(p.Bytes))
	case MsgPayload:
		c.addBytes(typ, int64(p.Bytes))
	case VecPayload:
		c.addBytes(typ, int64(p.Bytes))
	}
	return ev
}

func (c *Connection) addBytes(typ EventType, n int64) {
	if n < 0 {
		return
	}
	switch typ {
	case EventSend, EventWrite, EventSendto, EventSendmsg, EventWritev:
		c.BytesSent += n
	case EventRecv, EventRead, EventRecvfrom, EventRecvmsg, EventReadv:
		c.BytesReceived += n
	}
}

// pendingEvents drains the in-memory event list, returning the node chain
// head so the flush policy can write it out. Caller must hold the slot
// lock.
func (c *Connection) pendingEvents() *eventNode {
	head := c.head
	c.head, c.tail = nil, nil
	return head
}

// shouldFlush reports whether the non-final flush threshold (spec.md §4.5)
// has been reached.
func (c *Connection) shouldFlush(dumpEveryEvents int) bool {
	if dumpEveryEvents <= 0 {
		return false
	}
	return c.EventsCount-c.LastFlushedCount >= dumpEveryEvents
}

// infoGatesPass evaluates the dual tcp_info trigger gate from spec.md §4.4.
func (c *Connection) infoGatesPass(dumpEveryBytes, dumpEveryMicros int64) bool {
	timeOK := dumpEveryMicros == 0 || time.Since(c.infoDumpStart).Microseconds()-c.LastInfoDumpMicros >= dumpEveryMicros
	bytesOK := dumpEveryBytes == 0 || (c.BytesSent+c.BytesReceived)-c.LastInfoDumpBytes >= dumpEveryBytes
	return timeOK && bytesOK
}

func (c *Connection) resetInfoBookmarks() {
	c.LastInfoDumpBytes = c.BytesSent + c.BytesReceived
	c.LastInfoDumpMicros = time.Since(c.infoDumpStart).Microseconds()
}
