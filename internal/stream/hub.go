package stream

import (
	"sync"
	"time"
)

// Hub maps job ids to their event buffers.
type Hub struct {
	mu       sync.Mutex
	buffers  map[string]*Buffer
	capacity int
}

// NewHub builds a hub whose buffers retain capacity events each.
func NewHub(capacity int) *Hub {
	return &Hub{buffers: make(map[string]*Buffer), capacity: capacity}
}

// Open returns a fresh buffer for jobID, replacing a closed one left by an
// earlier run and continuing its sequence numbers. An open buffer is
// returned as is.
func (h *Hub) Open(jobID string) *Buffer {
	h.mu.Lock()
	defer h.mu.Unlock()
	var startSeq uint64
	if b, ok := h.buffers[jobID]; ok {
		if closed, _ := b.Closed(); !closed {
			return b
		}
		startSeq = b.LastSeq()
	}
	b := continueBuffer(jobID, h.capacity, startSeq)
	h.buffers[jobID] = b
	return b
}

// Get returns the buffer for jobID.
func (h *Hub) Get(jobID string) (*Buffer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.buffers[jobID]
	return b, ok
}

// Remove closes and forgets the buffer of jobID.
func (h *Hub) Remove(jobID string) {
	h.mu.Lock()
	b, ok := h.buffers[jobID]
	delete(h.buffers, jobID)
	h.mu.Unlock()
	if ok {
		b.Close()
	}
}

// Sweep forgets buffers closed longer than retention ago and returns how
// many were removed.
func (h *Hub) Sweep(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for id, b := range h.buffers {
		if closed, at := b.Closed(); closed && at.Before(cutoff) {
			delete(h.buffers, id)
			removed++
		}
	}
	return removed
}

// Stats reports the number of buffers and retained events.
func (h *Hub) Stats() (buffers, events int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, b := range h.buffers {
		buffers++
		events += b.Len()
	}
	return buffers, events
}
