package transcription

import (
	"context"
	"sync"
	"time"
)

// Format describes the inbound audio a Transcriber must be configured for.
type Format struct {
	Encoding     string
	SampleRate   int
	LanguageCode string
}

// Event is one transcript update. A Degraded event reports that transcription
// stopped working for the rest of the session; Err carries the cause.
type Event struct {
	Text       string
	IsFinal    bool
	Confidence *float64
	Timestamp  time.Time

	Degraded bool
	Err      error
}

// Transcriber streams audio to a speech recognizer for one session.
//
// Configure is called once before audio flows. PushAudio never blocks and never
// fails; internal failures surface as a Degraded event. Stop flushes buffered
// final text, closes Events and is safe to call more than once.
type Transcriber interface {
	Configure(ctx context.Context, f Format) error
	PushAudio(frame []byte)
	Events() <-chan Event
	Stop(ctx context.Context) error
}

// Factory creates one Transcriber per session.
type Factory interface {
	New() Transcriber
}

type FactoryFunc func() Transcriber

func (f FactoryFunc) New() Transcriber { return f() }

// queueLinger bounds how long a closed queue waits for its consumer before
// dropping undelivered events.
const queueLinger = 5 * time.Second

// eventQueue decouples producers from a slow consumer without dropping events.
// Events are delivered in push order; out is closed after close() once drained,
// or once the consumer has not taken them within linger.
type eventQueue struct {
	mu      sync.Mutex
	pending []Event
	closed  bool
	signal  chan struct{}
	out     chan Event

	linger      time.Duration
	abandoned   chan struct{}
	abandonOnce sync.Once
}

func newEventQueue() *eventQueue {
	return newLingeringQueue(queueLinger)
}

func newLingeringQueue(linger time.Duration) *eventQueue {
	q := &eventQueue{
		signal:    make(chan struct{}, 1),
		out:       make(chan Event),
		linger:    linger,
		abandoned: make(chan struct{}),
	}
	go q.forward()
	return q
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, ev)
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	already := q.closed
	q.closed = true
	q.mu.Unlock()
	if !already {
		time.AfterFunc(q.linger, q.abandon)
	}
	q.wake()
}

func (q *eventQueue) abandon() {
	q.abandonOnce.Do(func() { close(q.abandoned) })
}

func (q *eventQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) forward() {
	defer close(q.out)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, ev := range batch {
			select {
			case q.out <- ev:
			case <-q.abandoned:
				return
			}
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-q.signal
		}
	}
}
