package tcpsnitch

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// jsonSink is the incremental JSON-array writer for one connection's
// events.json, per spec.md §4.5: the first event writes the opening
// bracket, every subsequent event is preceded by a comma, and the final
// flush writes the closing bracket.
type jsonSink struct {
	file      *os.File
	wroteAny  bool
}

func openJSONSink(path string) (*jsonSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	if _, err := f.WriteString("["); err != nil {
		f.Close()
		return nil, err
	}
	return &jsonSink{file: f}, nil
}

func (s *jsonSink) writeEvent(ev *Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", ev.ID, err)
	}
	if s.wroteAny {
		if _, err := s.file.WriteString(","); err != nil {
			return err
		}
	}
	s.wroteAny = true
	_, err = s.file.Write(b)
	return err
}

func (s *jsonSink) closeFinal() error {
	if _, err := s.file.WriteString("]"); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

// flushLog is the package-level logger used by the flush policy, set by
// Init(). It defaults to logrus's standard logger so flush failures are
// never silently dropped even before Init runs.
var flushLog = logrus.StandardLogger()

// flushEvents performs a flush: it opens (or reuses) the connection's
// sink, writes every pending event, and advances LastFlushedCount; when
// final is true it also writes the closing bracket and releases the sink.
// Per spec.md §4.5, a failure here leaves the events
// queued in memory for the next attempt and is logged, never retried
// immediately.
func flushEvents(c *Connection, final bool) {
	head := c.pendingEvents()
	if head == nil && !final {
		return
	}

	if c.writer == nil {
		sink, err := openJSONSink(c.Directory + "/events.json")
		if err != nil {
			flushLog.WithError(err).WithField("connection", c.ID).Error("open events.json")
			// Put the drained events back so nothing is lost.
			restorePending(c, head)
			return
		}
		c.writer = sink
	}

	for n := head; n != nil; n = n.next {
		if err := c.writer.writeEvent(n.ev); err != nil {
			flushLog.WithError(err).WithField("connection", c.ID).Error("write event")
			restorePending(c, n)
			return
		}
		c.LastFlushedCount++
	}

	if final {
		if err := c.writer.closeFinal(); err != nil {
			flushLog.WithError(err).WithField("connection", c.ID).Error("close events.json")
		}
		c.writer = nil
	}
}

// restorePending re-attaches events that failed to flush so they are not
// lost; it prepends them ahead of whatever has accumulated since.
func restorePending(c *Connection, head *eventNode) {
	if head == nil {
		return
	}
	tail := head
	for tail.next != nil {
		tail = tail.next
	}
	tail.next = c.head
	c.head = head
	if c.tail == nil {
		c.tail = tail
	}
}

// maybeFlush applies the non-final flush policy from spec.md §4.5.
func maybeFlush(c *Connection, dumpEveryEvents int) {
	if c.shouldFlush(dumpEveryEvents) {
		flushEvents(c, false)
	}
}
