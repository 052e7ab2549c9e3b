package screening

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"call-screening/internal/calls"
	"call-screening/internal/notify"
	"call-screening/internal/resilience"
	"call-screening/internal/responder"
	"call-screening/internal/synthesis"
	"call-screening/internal/transcription"
	"call-screening/pkg/logger"
)

// FallbackUtterance is spoken when a reply cannot be generated.
const FallbackUtterance = "I'm having trouble understanding. Could you please repeat that?"

// Deps are the collaborators shared by every session.
type Deps struct {
	Transcribers transcription.Factory
	Generator    responder.Generator
	Synthesizer  synthesis.Synthesizer
	Store        calls.Store
	Notifier     notify.Dispatcher
	Guard        *resilience.Guard
	Metrics      *Metrics
	Logger       *slog.Logger
	// Clock is injectable for deterministic tests.
	Clock func() time.Time
}

type Options struct {
	StaticGreeting    string
	FallbackUtterance string
	Format            transcription.Format

	// FrameSize is the outbound media frame size in bytes (160 = 20ms of 8 kHz μ-law).
	FrameSize          int
	InboundBuffer      int
	PersistMaxRetries  int
	WorkerDrainTimeout time.Duration
	// TranscriptDrainTimeout bounds reading late transcript events after the recognizer stops.
	TranscriptDrainTimeout time.Duration
	FinalizeTimeout        time.Duration
	NotifyTimeout          time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.StaticGreeting == "" {
		out.StaticGreeting = "Hi, the person you're calling isn't available. May I ask who's calling and what it's about?"
	}
	if out.FallbackUtterance == "" {
		out.FallbackUtterance = FallbackUtterance
	}
	if out.Format.Encoding == "" {
		out.Format.Encoding = "audio/x-mulaw"
	}
	if out.Format.SampleRate <= 0 {
		out.Format.SampleRate = 8000
	}
	if out.Format.LanguageCode == "" {
		out.Format.LanguageCode = "en-US"
	}
	if out.FrameSize <= 0 {
		out.FrameSize = 160
	}
	if out.InboundBuffer <= 0 {
		out.InboundBuffer = 512
	}
	if out.PersistMaxRetries <= 0 {
		out.PersistMaxRetries = 2
	}
	if out.WorkerDrainTimeout <= 0 {
		out.WorkerDrainTimeout = 2 * time.Second
	}
	if out.TranscriptDrainTimeout <= 0 {
		out.TranscriptDrainTimeout = 2 * time.Second
	}
	if out.FinalizeTimeout <= 0 {
		out.FinalizeTimeout = 30 * time.Second
	}
	if out.NotifyTimeout <= 0 {
		out.NotifyTimeout = 3 * time.Second
	}
	return out
}

// Session owns one telephony connection from connect to Ended.
//
// Inbound events are consumed by a single loop goroutine; caller turns run on a
// separate FIFO worker so at most one AI turn is in flight and audio ingestion
// never waits on AI or TTS latency.
type Session struct {
	id           string
	deps         Deps
	opts         Options
	transport    Transport
	stt          transcription.Transcriber
	persistGuard *resilience.Guard
	onEnd        func(*Session)

	ctx    context.Context
	cancel context.CancelFunc

	inbound  chan Event
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	jobs       *jobQueue
	utterances atomic.Int64
	workerDone chan struct{}
	createDone chan struct{}

	mu             sync.Mutex
	state          State
	meta           Metadata
	turns          []calls.TranscriptTurn
	startedAt      time.Time
	endedAt        time.Time
	endReason      string
	summary        string
	classification responder.Classification
	recordID       string
	recordCreated  bool
	greetingQueued bool
	streamStarted  bool
	sttDegraded    bool
	finalized      bool
	log            *slog.Logger
}

func newSession(parent context.Context, id string, transport Transport, deps Deps, opts Options, onEnd func(*Session)) *Session {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.LogDispatcher{Logger: deps.Logger}
	}
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:           id,
		deps:         deps,
		opts:         opts,
		transport:    transport,
		stt:          deps.Transcribers.New(),
		persistGuard: deps.Guard.WithRetries(opts.PersistMaxRetries),
		onEnd:        onEnd,
		ctx:          ctx,
		cancel:       cancel,
		inbound:      make(chan Event, opts.InboundBuffer),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
		jobs:         newJobQueue(),
		workerDone:   make(chan struct{}),
		state:        StateIdle,
		startedAt:    deps.Clock().UTC(),
	}
	s.log = logger.ForCall(deps.Logger, id, "", "")
	return s
}

func (s *Session) start() {
	s.deps.Metrics.sessionStarted()
	go s.runWorker()
	go s.loop()
}

func (s *Session) ID() string { return s.id }

// Done is closed once the session has fully ended.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// Transcript returns a copy of the turns recorded so far.
func (s *Session) Transcript() []calls.TranscriptTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]calls.TranscriptTurn(nil), s.turns...)
}

type Snapshot struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	OwnerID   string    `json:"owner_id,omitempty"`
	CallSID   string    `json:"call_sid,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Turns     int       `json:"turns"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:        s.id,
		State:     s.state,
		OwnerID:   s.meta.OwnerID,
		CallSID:   s.meta.CallSID,
		StartedAt: s.startedAt,
		Turns:     len(s.turns),
	}
}

// Dispatch hands an inbound event to the session. Audio frames never block:
// they are dropped when the session is saturated.
func (s *Session) Dispatch(ev Event) {
	if _, ok := ev.(AudioFrame); ok {
		select {
		case s.inbound <- ev:
		case <-s.done:
		default:
			s.deps.Metrics.droppedFrame()
		}
		return
	}
	select {
	case s.inbound <- ev:
	case <-s.done:
	}
}

// End requests termination and waits until cleanup has finished. Safe to call repeatedly
// and from any goroutine.
func (s *Session) End(reason string) {
	s.requestEnd(reason)
	<-s.done
}

func (s *Session) requestEnd(reason string) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.endReason == "" {
			s.endReason = reason
		}
		s.mu.Unlock()
		close(s.stopCh)
	})
}

func (s *Session) loop() {
	events := s.stt.Events()
	for {
		select {
		case ev := <-s.inbound:
			if s.handle(ev) {
				s.finalize()
				return
			}
		case tev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handleTranscript(tev)
		case <-s.stopCh:
			s.finalize()
			return
		case <-s.ctx.Done():
			s.setEndReason("shutdown")
			s.finalize()
			return
		}
	}
}

// handle applies one inbound event and reports whether the session must end.
func (s *Session) handle(ev Event) bool {
	switch e := ev.(type) {
	case ConnectionEstablished:
		s.onConnected(e)
	case StreamStarted:
		s.onStreamStarted(e)
	case AudioFrame:
		s.onAudio(e)
	case StreamStopped:
		s.setEndReason("stream_stopped")
		return true
	case TransportClosed:
		s.setEndReason("transport_closed")
		return true
	case TransportError:
		s.log.Warn("transport error", "err", e.Err)
		s.setEndReason("transport_error")
		return true
	}
	return false
}

func (s *Session) onConnected(e ConnectionEstablished) {
	s.mu.Lock()
	s.meta = s.meta.merge(e.Metadata)
	ok := s.transitionLocked(StateConnected)
	s.refreshLoggerLocked()
	s.mu.Unlock()
	if !ok {
		return
	}
	s.queueGreeting()
}

func (s *Session) onStreamStarted(e StreamStarted) {
	s.mu.Lock()
	if s.streamStarted || s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.streamStarted = true
	s.meta = s.meta.merge(e.Metadata)
	s.refreshLoggerLocked()
	meta := s.meta
	s.mu.Unlock()

	if !meta.Resolved() {
		s.log.Warn("stream started without owner or call id", "params", e.Params)
	}

	s.queueGreeting()

	format := e.Format
	if format.Encoding == "" {
		format.Encoding = s.opts.Format.Encoding
	}
	if format.SampleRate <= 0 {
		format.SampleRate = s.opts.Format.SampleRate
	}
	if format.LanguageCode == "" {
		format.LanguageCode = s.opts.Format.LanguageCode
	}
	if err := s.deps.Guard.Do(s.ctx, resilience.DepSTT, func(ctx context.Context) error {
		return s.stt.Configure(ctx, format)
	}); err != nil {
		s.log.Error("transcriber configure failed; continuing without transcription", "err", err)
		s.deps.Metrics.fallback("stt_degraded")
		s.mu.Lock()
		s.sttDegraded = true
		s.mu.Unlock()
	}

	s.createDone = make(chan struct{})
	go s.createInitialRecord(meta)

	s.mu.Lock()
	s.transitionLocked(StateStreaming)
	s.mu.Unlock()
}

func (s *Session) onAudio(e AudioFrame) {
	s.mu.Lock()
	accept := !s.sttDegraded && (s.state == StateStreaming || s.state == StateAwaitingResponse)
	s.mu.Unlock()
	if accept {
		s.stt.PushAudio(e.Payload)
	}
}

func (s *Session) handleTranscript(ev transcription.Event) {
	if ev.Degraded {
		s.log.Error("transcription degraded; ignoring further audio", "err", ev.Err)
		s.deps.Metrics.fallback("stt_degraded")
		s.mu.Lock()
		s.sttDegraded = true
		s.mu.Unlock()
		return
	}
	if !ev.IsFinal || ev.Text == "" {
		return
	}
	s.jobs.push(job{kind: jobTurn, text: ev.Text, confidence: ev.Confidence, at: ev.Timestamp})
}

func (s *Session) queueGreeting() {
	s.mu.Lock()
	if s.greetingQueued {
		s.mu.Unlock()
		return
	}
	s.greetingQueued = true
	s.mu.Unlock()
	s.jobs.push(job{kind: jobGreeting})
}

func (s *Session) createInitialRecord(meta Metadata) {
	defer close(s.createDone)
	if !meta.Resolved() {
		return
	}
	rec := calls.CallRecord{
		CallSID:     meta.CallSID,
		OwnerID:     meta.OwnerID,
		PhoneNumber: meta.PhoneNumber,
		StartedAt:   s.startedAt,
		Status:      calls.CallStatusInProgress,
		Urgency:     calls.UrgencyLow,
		Sentiment:   calls.SentimentNeutral,
	}
	id, err := resilience.Call(s.ctx, s.persistGuard, resilience.DepStore, func(ctx context.Context) (string, error) {
		return s.deps.Store.Create(ctx, rec)
	})
	if err != nil {
		s.log.Warn("initial call record not created; will create at end", "err", err)
		s.deps.Metrics.persistFailure("create_initial")
		return
	}
	s.mu.Lock()
	s.recordID = id
	s.recordCreated = true
	s.mu.Unlock()
}

func (s *Session) setEndReason(reason string) {
	s.mu.Lock()
	if s.endReason == "" {
		s.endReason = reason
	}
	s.mu.Unlock()
}

func (s *Session) setState(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *Session) transitionLocked(to State) bool {
	if !canTransition(s.state, to) {
		return false
	}
	if s.state != to {
		s.log.Debug("session state", "from", s.state, "to", to)
	}
	s.state = to
	return true
}

func (s *Session) refreshLoggerLocked() {
	s.log = logger.ForCall(s.deps.Logger, s.id, s.meta.CallSID, s.meta.OwnerID)
}

func (s *Session) callLog() *slog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log
}
