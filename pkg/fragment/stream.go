package fragment

import (
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/smiecj/distsqld/pkg/syncutil"
)

// StreamKey addresses one data-exchange sender
// (dest-fragment-instance, dest-node, sender) triple.
type StreamKey struct {
	FragmentInstanceID uuid.UUID
	NodeID             int
	SenderID           int
}

// stream holds the buffered batches for one key until a downstream reader
// drains them; the reader side is out of scope (the I/O manager).
type stream struct {
	batches [][]byte
	closed  bool
}

// StreamManager is the executor-side data exchange stream table TransmitData
// appends to and closes, keyed by StreamKey.
type StreamManager struct {
	mu struct {
		syncutil.Mutex
		streams map[StreamKey]*stream
	}
}

// NewStreamManager constructs an empty StreamManager.
func NewStreamManager() *StreamManager {
	sm := &StreamManager{}
	sm.mu.streams = make(map[StreamKey]*stream)
	return sm
}

func (sm *StreamManager) getOrCreateLocked(key StreamKey) *stream {
	s, ok := sm.mu.streams[key]
	if !ok {
		s = &stream{}
		sm.mu.streams[key] = s
	}
	return s
}

// Append records a non-empty row batch for key. Returns an error if the
// stream was already closed by a prior EOS.
func (sm *StreamManager) Append(key StreamKey, batch []byte) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s := sm.getOrCreateLocked(key)
	if s.closed {
		return errors.Newf("stream %+v already closed", key)
	}
	s.batches = append(s.batches, batch)
	return nil
}

// Close marks key's stream closed (end of stream). Idempotent.
func (sm *StreamManager) Close(key StreamKey) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s := sm.getOrCreateLocked(key)
	s.closed = true
	return nil
}

// Drain returns and removes every buffered batch for key, for tests and for
// the (out-of-scope) reader side to poll against.
func (sm *StreamManager) Drain(key StreamKey) ([][]byte, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.mu.streams[key]
	if !ok {
		return nil, false
	}
	batches := s.batches
	s.batches = nil
	closed := s.closed
	if closed {
		delete(sm.mu.streams, key)
	}
	return batches, closed
}
