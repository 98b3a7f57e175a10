package tcpsnitch

import "time"

// EventType is the closed set of intercepted operations a Connection can
// record. There is no open extension point: adding a variant means adding
// a case here and in events_payloads.go.
type EventType int

const (
	EventSocket EventType = iota
	EventBind
	EventConnect
	EventShutdown
	EventListen
	EventSetsockopt
	EventSend
	EventRecv
	EventSendto
	EventRecvfrom
	EventSendmsg
	EventRecvmsg
	EventWrite
	EventRead
	EventClose
	EventWritev
	EventReadv
	EventTCPInfo
)

var eventTypeNames = map[EventType]string{
	EventSocket:     "socket",
	EventBind:       "bind",
	EventConnect:    "connect",
	EventShutdown:   "shutdown",
	EventListen:     "listen",
	EventSetsockopt: "setsockopt",
	EventSend:       "send",
	EventRecv:       "recv",
	EventSendto:     "sendto",
	EventRecvfrom:   "recvfrom",
	EventSendmsg:    "sendmsg",
	EventRecvmsg:    "recvmsg",
	EventWrite:      "write",
	EventRead:       "read",
	EventClose:      "close",
	EventWritev:     "writev",
	EventReadv:      "readv",
	EventTCPInfo:    "tcp_info",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

func (t EventType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// Event is an immutable, timestamped, ordered record of one intercepted
// call on a Connection. Id is dense and monotone within its Connection.
type Event struct {
	ID             int       `json:"id"`
	Type           EventType `json:"type"`
	Timestamp      time.Time `json:"-"`
	TimestampSec   int64     `json:"timestamp_sec"`
	TimestampUsec  int64     `json:"timestamp_usec"`
	ReturnValue    int64     `json:"return_value"`
	Success        bool      `json:"success"`
	ErrorString    string    `json:"error_str,omitempty"`
	Payload        any       `json:"payload,omitempty"`
}

func newEvent(id int, typ EventType, ret int64, err error, payload any) *Event {
	now := time.Now()
	ev := &Event{
		ID:            id,
		Type:          typ,
		Timestamp:     now,
		TimestampSec:  now.Unix(),
		TimestampUsec: int64(now.Nanosecond() / 1000),
		ReturnValue:   ret,
		Success:       err == nil,
		Payload:       payload,
	}
	if err != nil {
		ev.ErrorString = err.Error()
	}
	return ev
}

// eventNode is the singly-linked FIFO storage for a Connection's pending
// (not yet flushed) events.
type eventNode struct {
	ev   *Event
	next *eventNode
}
