// Package stream carries job events to push-stream consumers: a bounded
// per-job replay buffer, a hub of buffers and the SSE encoder.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// EventType discriminates stream events.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventLogUpdate EventType = "logUpdate"
	EventError     EventType = "error"
	EventComplete  EventType = "complete"
)

// Terminal reports whether no event can follow this one.
func (t EventType) Terminal() bool { return t == EventError || t == EventComplete }

// DefaultCapacity is the number of events retained per job for replay.
const DefaultCapacity = 1000

var ErrBufferClosed = errors.New("stream: buffer closed")

// Event is one buffered stream event.
type Event struct {
	ID    string          `json:"id"`
	Type  EventType       `json:"event"`
	Batch int             `json:"batch"`
	Seq   uint64          `json:"seq"`
	Data  json.RawMessage `json:"data"`
	At    time.Time       `json:"at"`
}

// ProgressData is the payload of a progress event.
type ProgressData struct {
	Batch   int    `json:"batch"`
	Total   int    `json:"total"`
	Scenes  int    `json:"scenes"`
	Message string `json:"message"`
}

// ErrorData is the payload of the terminal error event.
type ErrorData struct {
	Type            string `json:"type"`
	Message         string `json:"message"`
	Retryable       bool   `json:"retryable"`
	FailedBatch     int    `json:"failedBatch"`
	TotalBatches    int    `json:"totalBatches"`
	ScenesCompleted int    `json:"scenesCompleted"`
}

// FormatID builds an event id of the form {jobId}-{batch}-{seq}.
func FormatID(jobID string, batch int, seq uint64) string {
	return jobID + "-" + strconv.Itoa(batch) + "-" + strconv.FormatUint(seq, 10)
}

// ParseID splits an event id. Job ids may contain dashes, so the numeric
// parts are taken from the right.
func ParseID(id string) (jobID string, batch int, seq uint64, err error) {
	last := strings.LastIndexByte(id, '-')
	if last <= 0 {
		return "", 0, 0, fmt.Errorf("stream: malformed event id %q", id)
	}
	mid := strings.LastIndexByte(id[:last], '-')
	if mid <= 0 {
		return "", 0, 0, fmt.Errorf("stream: malformed event id %q", id)
	}
	seq, err = strconv.ParseUint(id[last+1:], 10, 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("stream: malformed sequence in %q: %w", id, err)
	}
	batch, err = strconv.Atoi(id[mid+1 : last])
	if err != nil {
		return "", 0, 0, fmt.Errorf("stream: malformed batch in %q: %w", id, err)
	}
	return id[:mid], batch, seq, nil
}

// Buffer is the bounded event ring of one job. Publishers append; any
// number of consumers read by sequence number and wait on a notification
// channel for more.
type Buffer struct {
	mu       sync.Mutex
	jobID    string
	capacity int
	events   []Event
	start    int
	seq      uint64
	subs     map[int]chan struct{}
	nextSub  int
	closed   bool
	closedAt time.Time
	now      func() time.Time
}

// NewBuffer returns an empty buffer for jobID.
func NewBuffer(jobID string, capacity int) *Buffer {
	return continueBuffer(jobID, capacity, 0)
}

// continueBuffer returns an empty buffer whose first event gets sequence
// number startSeq+1, so ids stay monotonic across runs of one job.
func continueBuffer(jobID string, capacity int, startSeq uint64) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		jobID:    jobID,
		capacity: capacity,
		seq:      startSeq,
		events:   make([]Event, 0, capacity),
		subs:     make(map[int]chan struct{}),
		now:      time.Now,
	}
}

// JobID returns the job the buffer belongs to.
func (b *Buffer) JobID() string { return b.jobID }

// LastSeq is the sequence number of the newest published event.
func (b *Buffer) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Publish appends an event with the next sequence number and wakes the
// subscribers. A terminal event closes the buffer.
func (b *Buffer) Publish(typ EventType, batch int, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("stream: encode %s payload: %w", typ, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Event{}, ErrBufferClosed
	}
	b.seq++
	ev := Event{
		ID:    FormatID(b.jobID, batch, b.seq),
		Type:  typ,
		Batch: batch,
		Seq:   b.seq,
		Data:  data,
		At:    b.now(),
	}
	if len(b.events) < b.capacity {
		b.events = append(b.events, ev)
	} else {
		b.events[b.start] = ev
		b.start = (b.start + 1) % b.capacity
	}
	for _, ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	if typ.Terminal() {
		b.closeLocked()
	}
	return ev, nil
}

// Close stops the buffer without a terminal event, waking all subscribers.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closeLocked()
	}
}

func (b *Buffer) closeLocked() {
	b.closed = true
	b.closedAt = b.now()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// Closed reports whether the buffer accepts no more events, and since when.
func (b *Buffer) Closed() (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed, b.closedAt
}

// Len is the number of retained events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Subscribe returns a channel that receives a signal whenever new events
// are published and is closed when the buffer closes. The returned func
// unsubscribes.
func (b *Buffer) Subscribe() (<-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan struct{}, 1)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			close(c)
			delete(b.subs, id)
		}
	}
}

// After returns the retained events with a sequence number strictly greater
// than seq, in order. A seq beyond anything this buffer published comes from
// a run whose buffer is gone, so everything retained is returned.
func (b *Buffer) After(seq uint64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq > b.seq {
		seq = 0
	}
	n := len(b.events)
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		ev := b.events[(b.start+i)%n]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// Since returns the retained events after lastID. An empty id replays
// everything retained; an id from another job is rejected.
func (b *Buffer) Since(lastID string) ([]Event, error) {
	if lastID == "" {
		return b.After(0), nil
	}
	jobID, _, seq, err := ParseID(lastID)
	if err != nil {
		return nil, err
	}
	if jobID != b.jobID {
		return nil, fmt.Errorf("stream: event id %q does not belong to job %s", lastID, b.jobID)
	}
	return b.After(seq), nil
}
