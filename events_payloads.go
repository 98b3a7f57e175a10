package tcpsnitch

// Per-variant event payloads, one struct per EventType. These are the
// "type-specific payload" fields described in spec.md §3/§4.4.

// SocketPayload records the arguments to socket(2).
type SocketPayload struct {
	Domain   int  `json:"domain"`
	Type     int  `json:"type"`
	Protocol int  `json:"protocol"`
	CloExec  bool `json:"cloexec"`
	Nonblock bool `json:"nonblock"`
}

// AddressInfo is the decoded form of a raw sockaddr, shared by every
// payload that carries an address.
type AddressInfo struct {
	Raw      string `json:"raw"`
	IP       string `json:"ip"`
	Port     string `json:"port"`
	Host     string `json:"host,omitempty"`
	Service  string `json:"service,omitempty"`
}

// BindPayload records bind(2).
type BindPayload struct {
	Addr      AddressInfo `json:"addr"`
	ForceBind bool        `json:"force_bind"`
}

// ConnectPayload records connect(2).
type ConnectPayload struct {
	Addr AddressInfo `json:"addr"`
}

// ShutdownPayload records shutdown(2).
type ShutdownPayload struct {
	How    int  `json:"how"`
	ShutRD bool `json:"shut_rd"`
	ShutWR bool `json:"shut_wr"`
}

// ListenPayload records listen(2).
type ListenPayload struct {
	Backlog int `json:"backlog"`
}

// SetsockoptPayload records setsockopt(2).
type SetsockoptPayload struct {
	Level        int    `json:"level"`
	OptName      int    `json:"optname"`
	ProtoName    string `json:"proto_name,omitempty"`
	OptNameLabel string `json:"optname_label,omitempty"`
}

// DataXferFlags decodes the flag bits common to send/recv-family calls.
type DataXferFlags struct {
	Dontwait  bool `json:"dontwait,omitempty"`
	Nosignal  bool `json:"nosignal,omitempty"`
	Oob       bool `json:"oob,omitempty"`
	Peek      bool `json:"peek,omitempty"`
	Waitall   bool `json:"waitall,omitempty"`
	Trunc     bool `json:"trunc,omitempty"`
}

// DataXferPayload records send/recv/write/read.
type DataXferPayload struct {
	Bytes int           `json:"bytes"`
	Flags DataXferFlags `json:"flags"`
}

// AddrXferPayload records sendto/recvfrom.
type AddrXferPayload struct {
	Bytes int           `json:"bytes"`
	Flags DataXferFlags `json:"flags"`
	Addr  AddressInfo   `json:"addr"`
}

// MsgPayload records sendmsg/recvmsg.
type MsgPayload struct {
	Addr          *AddressInfo `json:"addr,omitempty"`
	HasControl    bool         `json:"has_control"`
	IovecCount    int          `json:"iovec_count"`
	IovecSizes    []int        `json:"iovec_sizes"`
	Bytes         int          `json:"bytes"`
}

// VecPayload records writev/readv.
type VecPayload struct {
	IovecCount int   `json:"iovec_count"`
	IovecSizes []int `json:"iovec_sizes"`
	Bytes      int   `json:"bytes"`
}

// ClosePayload records close(2).
type ClosePayload struct {
	Detected bool `json:"detected"`
}

// TCPInfoPayload records a kernel tcp_info snapshot.
type TCPInfoPayload struct {
	RTT           uint32 `json:"rtt"`
	RTTVar        uint32 `json:"rttvar"`
	SndCWnd       uint32 `json:"snd_cwnd"`
	Retransmits   uint8  `json:"retransmits"`
	TotalRetrans  uint32 `json:"total_retrans"`
	BytesAcked    uint64 `json:"bytes_acked"`
	BytesReceived uint64 `json:"bytes_received"`
	State         uint8  `json:"state"`
}
