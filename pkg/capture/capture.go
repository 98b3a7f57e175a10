// Package capture implements the per-connection packet-capture coordinator
// described in spec.md §4.6: force-bind for filter precision, a targeted
// BPF filter, a capture worker goroutine, and a delayed, interruptible
// stop so TCP teardown packets still land in the dump.
//
// Grounded on the gopacket usage patterns in
// other_examples/fa1e8915_postmanlabs-observability-cli__pcap-stream.go.go
// and other_examples/366e906b_DataDog-datadog-agent__pkg-network-filter-packet_source_darwin.go.go;
// the force-bind/stop-delay glue has no pack precedent and is written
// directly from the spec.
package capture

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// LowPort and HighPort bound the force-bind scan range from spec.md §4.6.
const (
	LowPort  = 32768
	HighPort = 60999

	snapLen  = 65535
	readTimo = time.Second
)

// Params describes the connection a Session will capture traffic for.
type Params struct {
	Device    string // empty selects the first available device
	Directory string // <log_dir>/<id>/, owns capture.pcap
	PeerIP    string
	PeerPort  int
	Bound     bool
	LocalPort int
}

// Session is a running per-connection capture. The zero value is not
// usable; construct with Start.
type Session struct {
	handle *pcap.Handle
	writer *pcapgo.Writer
	file   *os.File
	wg     sync.WaitGroup
	log    *logrus.Entry
}

// BuildFilter constructs the BPF expression from spec.md §4.6:
// "host <peer_ip> and port <peer_port>" plus, if bound,
// "and port <local_port>".
func BuildFilter(p Params) string {
	f := fmt.Sprintf("host %s and port %d", p.PeerIP, p.PeerPort)
	if p.Bound {
		f += fmt.Sprintf(" and port %d", p.LocalPort)
	}
	return f
}

// Start opens a capture handle on the configured device, installs the BPF
// filter, opens the dump sink at <Directory>/capture.pcap, and spawns the
// capture worker.
func Start(p Params) (*Session, error) {
	device := p.Device
	if device == "" {
		devs, err := pcap.FindAllDevs()
		if err != nil {
			return nil, fmt.Errorf("capture: find devices: %w", err)
		}
		if len(devs) == 0 {
			return nil, fmt.Errorf("capture: no capture devices available")
		}
		device = devs[0].Name
	}

	handle, err := pcap.OpenLive(device, snapLen, false, readTimo)
	if err != nil {
		return nil, fmt.Errorf("capture: open %s: %w", device, err)
	}

	filter := BuildFilter(p)
	if err := handle.SetBPFFilter(filter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("capture: compile filter %q: %w", filter, err)
	}

	dumpPath := p.Directory + "/capture.pcap"
	f, err := os.Create(dumpPath)
	if err != nil {
		handle.Close()
		return nil, fmt.Errorf("capture: open dump %s: %w", dumpPath, err)
	}

	writer := pcapgo.NewWriter(f)
	if err := writer.WriteFileHeader(snapLen, handle.LinkType()); err != nil {
		f.Close()
		handle.Close()
		return nil, fmt.Errorf("capture: write pcap header: %w", err)
	}

	s := &Session{
		handle: handle,
		writer: writer,
		file:   f,
		log:    logrus.WithField("component", "capture").WithField("filter", filter),
	}
	s.wg.Add(1)
	go s.loop()
	return s, nil
}

func (s *Session) loop() {
	defer s.wg.Done()
	for {
		data, ci, err := s.handle.ReadPacketData()
		if err != nil {
			if err == pcap.NextErrorTimeoutExpired {
				continue
			}
			// handle.Close() from Stop() unblocks ReadPacketData with an
			// error; this is gopacket's analogue of pcap_breakloop.
			return
		}
		if err := s.writer.WritePacket(ci, data); err != nil {
			s.log.WithError(err).Warn("write captured packet")
		}
	}
}

// Stop delays by delay (spec.md §4.6's 2*rtt) to let TCP teardown packets
// land, then interrupts the worker, joins it, and closes both handles.
func (s *Session) Stop(delay time.Duration) {
	if delay > 0 {
		time.Sleep(delay)
	}
	s.handle.Close()
	s.wg.Wait()
	if err := s.file.Close(); err != nil {
		s.log.WithError(err).Warn("close capture dump")
	}
}

// ForceBind scans [LowPort,HighPort] binding fd to an ephemeral local
// port via the supplied bind callback, retrying on EADDRINUSE, per
// spec.md §4.6. It starts at a pseudo-random offset so repeated runs on
// the same host do not collide on the same port in lockstep.
func ForceBind(bind func(port int) error) (int, error) {
	n := HighPort - LowPort + 1
	start := rand.Intn(n)
	for i := 0; i < n; i++ {
		port := LowPort + (start+i)%n
		err := bind(port)
		if err == nil {
			return port, nil
		}
		if err != unix.EADDRINUSE {
			return 0, err
		}
	}
	return 0, fmt.Errorf("capture: force-bind exhausted [%d,%d]", LowPort, HighPort)
}
