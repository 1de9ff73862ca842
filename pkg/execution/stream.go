package execution

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

const defaultStreamBuffer = 64

// flusher is satisfied by http.ResponseWriter implementations that stream.
type flusher interface {
	Flush()
}

// Stream delivers progress events as NDJSON. Events are queued on a
// channel and written by a single consumer goroutine, so writes keep their
// causal order. Close is exactly-once; Send after Close is dropped.
type Stream struct {
	mu     sync.Mutex
	closed bool
	events chan ProgressEvent
	done   chan struct{}

	w       *bufio.Writer
	flush   flusher
	onEvent func(ProgressEvent)

	writeErr error
	sent     int
	dropped  int
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithObserver registers a callback invoked by the consumer for every
// written event.
func WithObserver(fn func(ProgressEvent)) StreamOption {
	return func(s *Stream) { s.onEvent = fn }
}

// WithBuffer sets the queue capacity.
func WithBuffer(n int) StreamOption {
	return func(s *Stream) {
		if n > 0 {
			s.events = make(chan ProgressEvent, n)
		}
	}
}

// NewStream starts a stream writing to w. A nil w discards output.
func NewStream(w io.Writer, opts ...StreamOption) *Stream {
	if w == nil {
		w = io.Discard
	}
	s := &Stream{
		events: make(chan ProgressEvent, defaultStreamBuffer),
		done:   make(chan struct{}),
		w:      bufio.NewWriter(w),
	}
	if f, ok := w.(flusher); ok {
		s.flush = f
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.consume()
	return s
}

// Send queues an event. It reports false when the stream is already
// closed and the event was dropped.
func (s *Stream) Send(ev ProgressEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.dropped++
		return false
	}
	s.events <- ev
	s.sent++
	return true
}

// Fail queues a terminal error event and closes the stream in one step,
// so nothing can be written after it.
func (s *Stream) Fail(a Attempt) error {
	s.mu.Lock()
	if s.closed {
		s.dropped++
		s.mu.Unlock()
		<-s.done
		return s.writeErr
	}
	s.events <- ErrorEvent(a)
	s.sent++
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	<-s.done
	return s.writeErr
}

// Close ends the stream and waits for queued events to be written. It is
// safe to call more than once and from multiple goroutines.
func (s *Stream) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()

	<-s.done
	return s.writeErr
}

// Closed reports whether Close or Fail has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Stats returns the number of accepted and dropped events.
func (s *Stream) Stats() (sent, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.dropped
}

func (s *Stream) consume() {
	defer close(s.done)

	for ev := range s.events {
		if s.writeErr != nil {
			continue
		}
		if err := s.write(ev); err != nil {
			s.writeErr = err
			continue
		}
		if s.onEvent != nil {
			s.onEvent(ev)
		}
	}
}

func (s *Stream) write(ev ProgressEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := s.w.Write(b); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	if s.flush != nil {
		s.flush.Flush()
	}
	return nil
}

// Decoder reads progress events from an NDJSON stream.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	const maxCapacity = 10 * 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)
	return &Decoder{r: scanner}
}

// Decode returns the next event, or io.EOF at the end of the stream.
// Blank lines are skipped.
func (d *Decoder) Decode() (*ProgressEvent, error) {
	for d.r.Scan() {
		line := d.r.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev ProgressEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		if ev.Type == "" {
			return nil, fmt.Errorf("event has no type")
		}
		return &ev, nil
	}
	if err := d.r.Err(); err != nil {
		return nil, fmt.Errorf("scan error: %w", err)
	}
	return nil, io.EOF
}

// DecodeAll reads every event until EOF.
func DecodeAll(r io.Reader) ([]ProgressEvent, error) {
	d := NewDecoder(r)
	var events []ProgressEvent
	for {
		ev, err := d.Decode()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, *ev)
	}
}
