package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrStreamTimeout = errors.New("stream: timed out")

// Encoder writes events using SSE framing.
type Encoder struct {
	w io.Writer
	f http.Flusher
}

// NewEncoder wraps w. When w is an http.Flusher every frame is flushed.
func NewEncoder(w io.Writer) *Encoder {
	f, _ := w.(http.Flusher)
	return &Encoder{w: w, f: f}
}

// Encode writes one event frame.
func (e *Encoder) Encode(ev Event) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "id: %s\n", ev.ID)
	fmt.Fprintf(&sb, "event: %s\n", ev.Type)
	// JSON payloads are single-line; guard against a raw newline anyway.
	for _, line := range strings.Split(string(ev.Data), "\n") {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	return e.write(sb.String())
}

// KeepAlive writes a comment frame that consumers ignore.
func (e *Encoder) KeepAlive() error {
	return e.write(": keep-alive\n\n")
}

func (e *Encoder) write(s string) error {
	if _, err := io.WriteString(e.w, s); err != nil {
		return err
	}
	if e.f != nil {
		e.f.Flush()
	}
	return nil
}

// TimeoutPolicy sizes a stream's lifetime from the amount of work.
type TimeoutPolicy struct {
	Base     time.Duration
	PerScene time.Duration
	Max      time.Duration
}

// DefaultTimeoutPolicy allows five minutes plus ten seconds per scene, up
// to half an hour.
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{Base: 5 * time.Minute, PerScene: 10 * time.Second, Max: 30 * time.Minute}
}

// DynamicTimeout is min(Base + sceneCount*PerScene, Max).
func (p TimeoutPolicy) DynamicTimeout(sceneCount int) time.Duration {
	if sceneCount < 0 {
		sceneCount = 0
	}
	d := p.Base + time.Duration(sceneCount)*p.PerScene
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// ServeOptions tune Serve.
type ServeOptions struct {
	ReplayDelay time.Duration
	KeepAlive   time.Duration
	Timeout     time.Duration
}

const (
	DefaultReplayDelay = 10 * time.Millisecond
	DefaultKeepAlive   = 15 * time.Second
)

func (o ServeOptions) withDefaults() ServeOptions {
	if o.ReplayDelay < 0 {
		o.ReplayDelay = 0
	} else if o.ReplayDelay == 0 {
		o.ReplayDelay = DefaultReplayDelay
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = DefaultKeepAlive
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeoutPolicy().Max
	}
	return o
}

// Serve streams buf to w. Events after lastID are replayed first, spaced by
// ReplayDelay, then live events follow. It returns nil after a terminal
// event or when the buffer closes, ctx's error on cancellation and
// ErrStreamTimeout when the timeout elapses. The job itself is unaffected
// by the consumer leaving.
func Serve(ctx context.Context, w io.Writer, buf *Buffer, lastID string, opts ServeOptions) error {
	opts = opts.withDefaults()
	enc := NewEncoder(w)

	notify, unsubscribe := buf.Subscribe()
	defer unsubscribe()

	replay, err := buf.Since(lastID)
	if err != nil {
		return err
	}
	var lastSeq uint64
	if lastID != "" {
		_, _, lastSeq, _ = ParseID(lastID)
	}
	for i, ev := range replay {
		if i > 0 && opts.ReplayDelay > 0 {
			if err := sleepCtx(ctx, opts.ReplayDelay); err != nil {
				return err
			}
		}
		if err := enc.Encode(ev); err != nil {
			return err
		}
		lastSeq = ev.Seq
		if ev.Type.Terminal() {
			return nil
		}
	}

	timeout := time.NewTimer(opts.Timeout)
	defer timeout.Stop()
	keepAlive := time.NewTicker(opts.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return ErrStreamTimeout
		case <-keepAlive.C:
			if err := enc.KeepAlive(); err != nil {
				return err
			}
		case _, open := <-notify:
			for _, ev := range buf.After(lastSeq) {
				if err := enc.Encode(ev); err != nil {
					return err
				}
				lastSeq = ev.Seq
				if ev.Type.Terminal() {
					return nil
				}
			}
			if !open {
				return nil
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
