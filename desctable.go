package tcpsnitch

import "sync"

// slot is one entry of the descriptor table: an optional owned Connection
// plus the lock that serializes access to it. Per spec.md §5, at most one
// slot lock is held per goroutine at a time, and it is never held across a
// call into a wrapped entry point.
type slot struct {
	mu   sync.Mutex
	conn *Connection
}

// descTable is the process-wide concurrent mapping from descriptor to
// Connection described in spec.md §4.2: a bounded, self-resizing array
// keyed by fd, with one coarse lock guarding resize and one lock per slot
// guarding access. No pack example uses a dense-array table (they all key
// on net.Conn or a netlink cookie via a map), because the spec explicitly
// wants O(1) access by the descriptor itself.
type descTable struct {
	resizeMu sync.Mutex
	slots    []*slot
}

func newDescTable() *descTable {
	return &descTable{slots: newSlots(16)}
}

func newSlots(n int) []*slot {
	slots := make([]*slot, n)
	for i := range slots {
		slots[i] = &slot{}
	}
	return slots
}

func (t *descTable) ensureCapacity(fd int) {
	t.resizeMu.Lock()
	defer t.resizeMu.Unlock()
	if fd < len(t.slots) {
		return
	}
	newCap := fd + 1
	if grown := len(t.slots) * 2; grown > newCap {
		newCap = grown
	}
	grownSlots := make([]*slot, newCap)
	copy(grownSlots, t.slots)
	for i := len(t.slots); i < newCap; i++ {
		grownSlots[i] = &slot{}
	}
	t.slots = grownSlots
}

func (t *descTable) slotFor(fd int) *slot {
	t.ensureCapacity(fd)
	t.resizeMu.Lock()
	s := t.slots[fd]
	t.resizeMu.Unlock()
	return s
}

// put inserts conn under fd's slot lock. It fails if the slot is already
// occupied, per spec.md §4.2's table.
func (t *descTable) put(fd int, conn *Connection) bool {
	s := t.slotFor(fd)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return false
	}
	s.conn = conn
	return true
}

// getAndLock acquires the slot lock and returns the borrowed Connection,
// or nil if the slot is empty (the lock is still released in that case).
func (t *descTable) getAndLock(fd int) *Connection {
	if fd < 0 {
		return nil
	}
	t.resizeMu.Lock()
	inBounds := fd < len(t.slots)
	var s *slot
	if inBounds {
		s = t.slots[fd]
	}
	t.resizeMu.Unlock()
	if !inBounds {
		return nil
	}
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return nil
	}
	return s.conn
}

// unlock releases the slot lock previously acquired by getAndLock for fd.
func (t *descTable) unlock(fd int) {
	t.resizeMu.Lock()
	s := t.slots[fd]
	t.resizeMu.Unlock()
	s.mu.Unlock()
}

// isPresent is a snapshot existence test; no lock is held on return.
func (t *descTable) isPresent(fd int) bool {
	t.resizeMu.Lock()
	inBounds := fd < len(t.slots)
	var s *slot
	if inBounds {
		s = t.slots[fd]
	}
	t.resizeMu.Unlock()
	if !inBounds {
		return false
	}
	s.mu.Lock()
	present := s.conn != nil
	s.mu.Unlock()
	return present
}

// remove atomically extracts the Connection for fd, leaving the slot
// empty, and returns it (nil if the slot was already empty).
func (t *descTable) remove(fd int) *Connection {
	t.resizeMu.Lock()
	inBounds := fd < len(t.slots)
	var s *slot
	if inBounds {
		s = t.slots[fd]
	}
	t.resizeMu.Unlock()
	if !inBounds {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.conn
	s.conn = nil
	return conn
}

// size returns an upper bound on the largest fd ever seen.
func (t *descTable) size() int {
	t.resizeMu.Lock()
	defer t.resizeMu.Unlock()
	return len(t.slots)
}

// reset clears all slots for post-fork use (spec.md §4.7): records are
// dropped without synthesizing close events.
func (t *descTable) reset() {
	t.resizeMu.Lock()
	defer t.resizeMu.Unlock()
	t.slots = newSlots(16)
}

// snapshotConns returns every live Connection, used by the atexit sweep
// and the Prometheus exporter. No lock is held on return; callers that
// need to mutate a Connection must still go through getAndLock/unlock.
func (t *descTable) snapshotConns() []*Connection {
	t.resizeMu.Lock()
	slots := t.slots
	t.resizeMu.Unlock()

	conns := make([]*Connection, 0, len(slots))
	for _, s := range slots {
		if s == nil {
			continue
		}
		s.mu.Lock()
		if s.conn != nil {
			conns = append(conns, s.conn)
		}
		s.mu.Unlock()
	}
	return conns
}
