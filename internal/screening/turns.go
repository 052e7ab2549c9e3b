package screening

import (
	"context"
	"fmt"
	"sync"
	"time"

	"call-screening/internal/calls"
	"call-screening/internal/resilience"
	"call-screening/internal/responder"
	"call-screening/internal/synthesis"
)

type jobKind int

const (
	jobGreeting jobKind = iota + 1
	jobTurn
)

type job struct {
	kind       jobKind
	text       string
	confidence *float64
	at         time.Time
}

// jobQueue is an unbounded FIFO. Final transcripts are never dropped.
type jobQueue struct {
	mu     sync.Mutex
	items  []job
	closed bool
	signal chan struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{signal: make(chan struct{}, 1)}
}

func (q *jobQueue) push(j job) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, j)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until a job is available or ctx is done.
func (q *jobQueue) pop(ctx context.Context) (job, bool) {
	for {
		if ctx.Err() != nil {
			return job{}, false
		}
		q.mu.Lock()
		if len(q.items) > 0 {
			j := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return j, true
		}
		q.mu.Unlock()
		select {
		case <-q.signal:
		case <-ctx.Done():
			return job{}, false
		}
	}
}

// drain closes the queue and returns whatever was never processed.
func (q *jobQueue) drain() []job {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	out := q.items
	q.items = nil
	return out
}

func (s *Session) runWorker() {
	defer close(s.workerDone)
	for {
		j, ok := s.jobs.pop(s.ctx)
		if !ok {
			return
		}
		switch j.kind {
		case jobGreeting:
			s.runGreeting()
		case jobTurn:
			s.runTurn(j)
		}
	}
}

func (s *Session) runGreeting() {
	defer s.recoverTurn("greeting")

	meta := s.Metadata()
	text := s.opts.StaticGreeting
	if meta.OwnerID != "" {
		g, err := resilience.Call(s.ctx, s.deps.Guard, resilience.DepAI, func(ctx context.Context) (string, error) {
			return s.deps.Generator.GenerateGreeting(ctx, responder.GreetingRequest{OwnerID: meta.OwnerID, PhoneNumber: meta.PhoneNumber})
		})
		switch {
		case s.ctx.Err() != nil:
			return
		case err != nil:
			s.callLog().Warn("greeting generation failed; using static greeting", "err", err)
			s.deps.Metrics.fallback("greeting")
		default:
			text = g
		}
	}

	spoken, ok := s.speak(text, s.opts.StaticGreeting)
	if !ok || s.ctx.Err() != nil {
		return
	}
	s.appendTurn(calls.TranscriptTurn{
		Speaker:   calls.SpeakerAI,
		Text:      spoken,
		Timestamp: s.deps.Clock().UTC(),
		IsFinal:   true,
		IsAI:      true,
	})
}

func (s *Session) runTurn(j job) {
	started := time.Now()
	defer s.recoverTurn("turn")

	// The caller turn is recorded before anything can bail out so it is never lost.
	history := s.Transcript()
	s.appendTurn(callerTurn(j, s.deps.Clock().UTC()))

	if s.ctx.Err() != nil || !s.setState(StateAwaitingResponse) {
		return
	}
	defer s.setState(StateStreaming)

	reply, err := resilience.Call(s.ctx, s.deps.Guard, resilience.DepAI, func(ctx context.Context) (string, error) {
		return s.deps.Generator.GenerateReply(ctx, j.text, history)
	})
	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		s.callLog().Warn("reply generation failed; using fallback", "err", err,
			"category", resilience.Classify(err).Category)
		s.deps.Metrics.fallback("reply")
		reply = s.opts.FallbackUtterance
	}

	spoken, ok := s.speak(reply, s.opts.FallbackUtterance)
	if s.ctx.Err() != nil {
		return
	}
	if ok {
		s.appendTurn(calls.TranscriptTurn{
			Speaker:   calls.SpeakerAI,
			Text:      spoken,
			Timestamp: s.deps.Clock().UTC(),
			IsFinal:   true,
			IsAI:      true,
		})
	}
	s.deps.Metrics.turn(time.Since(started))
}

// speak synthesizes and sends text. If synthesis fails it tries fallback once;
// if that fails too the turn stays silent. It returns the text actually sent.
func (s *Session) speak(text, fallback string) (string, bool) {
	audio, err := resilience.Call(s.ctx, s.deps.Guard, resilience.DepTTS, func(ctx context.Context) ([]byte, error) {
		return s.deps.Synthesizer.Synthesize(ctx, text)
	})
	if err != nil && s.ctx.Err() == nil && fallback != "" && fallback != text {
		s.callLog().Warn("synthesis failed; trying fallback utterance", "err", err)
		s.deps.Metrics.fallback("tts")
		text = fallback
		audio, err = resilience.Call(s.ctx, s.deps.Guard, resilience.DepTTS, func(ctx context.Context) ([]byte, error) {
			return s.deps.Synthesizer.Synthesize(ctx, text)
		})
	}
	if err != nil {
		if s.ctx.Err() == nil {
			s.callLog().Error("synthesis failed; skipping audio for this turn", "err", err)
			s.deps.Metrics.fallback("silent")
		}
		return "", false
	}
	if s.ctx.Err() != nil {
		return "", false
	}

	for _, frame := range synthesis.Chunk(audio, s.opts.FrameSize) {
		if err := s.transport.SendAudio(s.ctx, frame); err != nil {
			if s.ctx.Err() == nil {
				s.callLog().Warn("send audio failed", "err", err)
			}
			return "", false
		}
	}
	if m, ok := s.transport.(Marker); ok {
		name := fmt.Sprintf("utterance-%d", s.utterances.Add(1))
		if err := m.SendMark(s.ctx, name); err != nil && s.ctx.Err() == nil {
			s.callLog().Debug("send mark failed", "err", err)
		}
	}
	return text, true
}

// recoverTurn turns a panic in the AI/TTS path into the fallback utterance.
func (s *Session) recoverTurn(kind string) {
	p := recover()
	if p == nil {
		return
	}
	s.callLog().Error("panic in "+kind, "panic", fmt.Sprint(p))
	s.deps.Metrics.fallback("panic")
	if s.ctx.Err() != nil {
		return
	}
	func() {
		defer func() {
			if p2 := recover(); p2 != nil {
				s.callLog().Error("panic while speaking fallback", "panic", fmt.Sprint(p2))
			}
		}()
		s.speak(s.opts.FallbackUtterance, "")
	}()
	s.setState(StateStreaming)
}

func (s *Session) appendTurn(t calls.TranscriptTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return
	}
	s.turns = append(s.turns, t)
}
