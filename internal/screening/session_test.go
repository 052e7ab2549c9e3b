package screening

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"call-screening/internal/calls"
	"call-screening/internal/notify"
	"call-screening/internal/resilience"
	"call-screening/internal/responder"
	"call-screening/internal/transcription"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSTT struct {
	mu           sync.Mutex
	events       chan transcription.Event
	configureErr error
	format       transcription.Format
	frames       int
	stopOnce     sync.Once
	stops        int
	// lateOnStop makes Stop run until its deadline and then flush one final segment.
	lateOnStop string
}

func newFakeSTT() *fakeSTT {
	return &fakeSTT{events: make(chan transcription.Event, 64)}
}

func (f *fakeSTT) Configure(ctx context.Context, format transcription.Format) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.format = format
	return f.configureErr
}

func (f *fakeSTT) PushAudio(frame []byte) {
	f.mu.Lock()
	f.frames++
	f.mu.Unlock()
}

func (f *fakeSTT) Events() <-chan transcription.Event { return f.events }

func (f *fakeSTT) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.stops++
	late := f.lateOnStop
	f.mu.Unlock()
	f.stopOnce.Do(func() {
		if late != "" {
			<-ctx.Done()
			f.final(late)
		}
		close(f.events)
	})
	return nil
}

func (f *fakeSTT) final(text string) {
	f.events <- transcription.Event{Text: text, IsFinal: true, Timestamp: time.Now().UTC()}
}

func (f *fakeSTT) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

type fakeGenerator struct {
	mu          sync.Mutex
	replyDelay  time.Duration
	replyErr    error
	panicOn     string
	greetings   int
	greetReqs   []responder.GreetingRequest
	replies     []string
	summaries   int
	classifies  int
	inflight    int
	maxInflight int
	// hold, when set, blocks every reply until it is closed, regardless of ctx.
	hold chan struct{}
	held chan struct{}
}

func (g *fakeGenerator) GenerateGreeting(ctx context.Context, req responder.GreetingRequest) (string, error) {
	g.mu.Lock()
	g.greetings++
	g.greetReqs = append(g.greetReqs, req)
	g.mu.Unlock()
	return "Hello, this is the assistant for " + req.OwnerID, nil
}

func (g *fakeGenerator) GenerateReply(ctx context.Context, userText string, history []calls.TranscriptTurn) (string, error) {
	g.mu.Lock()
	g.replies = append(g.replies, userText)
	g.inflight++
	if g.inflight > g.maxInflight {
		g.maxInflight = g.inflight
	}
	delay, err, panicOn, hold := g.replyDelay, g.replyErr, g.panicOn, g.hold
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.inflight--
		g.mu.Unlock()
	}()

	if panicOn != "" && userText == panicOn {
		panic("generator exploded")
	}
	if hold != nil {
		select {
		case g.held <- struct{}{}:
		default:
		}
		<-hold
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return "re: " + userText, nil
}

func (g *fakeGenerator) GenerateSummary(ctx context.Context, turns []calls.TranscriptTurn) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.summaries++
	return "Caller asked about an invoice.", nil
}

func (g *fakeGenerator) Classify(ctx context.Context, turns []calls.TranscriptTurn) (responder.Classification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.classifies++
	return responder.Classification{
		CallerName:     "Dana",
		Purpose:        "invoice",
		Urgency:        calls.UrgencyHigh,
		Sentiment:      calls.SentimentNeutral,
		ActionRequired: true,
	}, nil
}

func (g *fakeGenerator) inflightCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight
}

func (g *fakeGenerator) replyCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.replies)
}

type fakeSynth struct {
	mu     sync.Mutex
	failOn map[string]bool
	texts  []string
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if f.failOn[text] {
		return nil, resilience.NewStatusError("tts", http.StatusBadRequest, errors.New("rejected"))
	}
	return []byte(text), nil
}

func (f *fakeSynth) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fakeTransport struct {
	mu     sync.Mutex
	bytes  int
	marks  int
	closes int
	// afterClose counts audio frames and marks sent once the transport was closed.
	afterClose int
}

func (f *fakeTransport) SendAudio(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bytes += len(payload)
	if f.closes > 0 {
		f.afterClose++
	}
	return nil
}

func (f *fakeTransport) SendMark(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks++
	if f.closes > 0 {
		f.afterClose++
	}
	return nil
}

func (f *fakeTransport) sent() (bytes, marks, afterClose int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bytes, f.marks, f.afterClose
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.CallCompleted
}

func (n *recordingNotifier) Notify(ctx context.Context, ev notify.CallCompleted) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) all() []notify.CallCompleted {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.CallCompleted(nil), n.events...)
}

type harness struct {
	gen      *fakeGenerator
	synth    *fakeSynth
	store    *calls.MemoryStore
	notifier *recordingNotifier
	registry *Registry

	mu   sync.Mutex
	stts []*fakeSTT
	// configureErr and lateOnStop are applied to every transcriber created after they are set.
	configureErr error
	lateOnStop   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		gen:      &fakeGenerator{},
		synth:    &fakeSynth{failOn: map[string]bool{}},
		store:    calls.NewMemoryStore(),
		notifier: &recordingNotifier{},
	}
	guard := resilience.NewGuard(resilience.Config{
		Retry:          resilience.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, RateLimitFloor: time.Millisecond},
		Breaker:        resilience.BreakerConfig{FailureThreshold: 100, Cooldown: time.Second},
		DefaultTimeout: 2 * time.Second,
	}, nil)
	deps := Deps{
		Transcribers: transcription.FactoryFunc(func() transcription.Transcriber {
			stt := newFakeSTT()
			h.mu.Lock()
			stt.configureErr = h.configureErr
			stt.lateOnStop = h.lateOnStop
			h.stts = append(h.stts, stt)
			h.mu.Unlock()
			return stt
		}),
		Generator:   h.gen,
		Synthesizer: h.synth,
		Store:       h.store,
		Notifier:    h.notifier,
		Guard:       guard,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	h.registry = NewRegistry(deps, Options{StaticGreeting: "static greeting", WorkerDrainTimeout: time.Second, FinalizeTimeout: 5 * time.Second})
	return h
}

func (h *harness) stt(i int) *fakeSTT {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stts[i]
}

func (h *harness) open(t *testing.T) (*Session, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	s := h.registry.Open(context.Background(), tr)
	t.Cleanup(func() { s.End("test_cleanup") })
	return s, tr
}

func startStream(t *testing.T, s *Session, meta Metadata) {
	t.Helper()
	s.Dispatch(ConnectionEstablished{})
	s.Dispatch(StreamStarted{Metadata: meta})
	require.Eventually(t, func() bool { return s.State() == StateStreaming }, 2*time.Second, 5*time.Millisecond)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not end", s.ID())
	}
}

func speakers(turns []calls.TranscriptTurn) []string {
	out := make([]string, 0, len(turns))
	for _, t := range turns {
		out = append(out, string(t.Speaker)+":"+t.Text)
	}
	return out
}

var owner = Metadata{OwnerID: "owner-1", PhoneNumber: "+15550001111", CallSID: "CA100"}

func TestSession_TurnsAreSequentialAndOrdered(t *testing.T) {
	h := newHarness(t)
	h.gen.replyDelay = 20 * time.Millisecond
	s, _ := h.open(t)
	startStream(t, s, owner)

	stt := h.stt(0)
	stt.final("one")
	stt.final("two")
	stt.final("three")

	require.Eventually(t, func() bool { return len(s.Transcript()) == 7 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{
		"ai:Hello, this is the assistant for owner-1",
		"caller:one", "ai:re: one",
		"caller:two", "ai:re: two",
		"caller:three", "ai:re: three",
	}, speakers(s.Transcript()))

	h.gen.mu.Lock()
	assert.Equal(t, []responder.GreetingRequest{{OwnerID: owner.OwnerID, PhoneNumber: owner.PhoneNumber}}, h.gen.greetReqs)
	assert.Equal(t, 1, h.gen.maxInflight)
	assert.Equal(t, []string{"one", "two", "three"}, h.gen.replies)
	h.gen.mu.Unlock()

	s.Dispatch(StreamStopped{})
	waitDone(t, s)

	recs, err := h.store.ListByOwner(context.Background(), owner.OwnerID, calls.ListOptions{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, calls.CallStatusCompleted, rec.Status)
	assert.Len(t, rec.Transcript, 7)
	assert.Equal(t, "Caller asked about an invoice.", rec.Summary)
	assert.Equal(t, calls.UrgencyHigh, rec.Urgency)
	assert.Equal(t, "Dana", rec.CallerName)
	require.NotNil(t, rec.EndedAt)

	stats, err := h.store.GetOwnerStats(context.Background(), owner.OwnerID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalCalls)
	assert.Equal(t, rec.ID, stats.LastCallID)

	events := h.notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, rec.ID, events[0].CallID)
	assert.Equal(t, calls.UrgencyHigh, events[0].Urgency)
}

func TestSession_EndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	s, tr := h.open(t)
	startStream(t, s, owner)

	h.stt(0).final("hello there")
	require.Eventually(t, func() bool { return len(s.Transcript()) == 3 }, 2*time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.End("hangup")
		}()
	}
	s.Dispatch(TransportClosed{})
	s.Dispatch(StreamStopped{})
	wg.Wait()

	assert.Equal(t, StateEnded, s.State())
	assert.Equal(t, 1, tr.closeCount())
	assert.Equal(t, 0, h.registry.Len())

	stats, err := h.store.GetOwnerStats(context.Background(), owner.OwnerID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalCalls)
	assert.Len(t, h.notifier.all(), 1)

	h.gen.mu.Lock()
	assert.Equal(t, 1, h.gen.summaries)
	assert.Equal(t, 1, h.gen.classifies)
	h.gen.mu.Unlock()
}

func TestSession_StaticGreetingWithoutOwner(t *testing.T) {
	h := newHarness(t)
	s, _ := h.open(t)

	s.Dispatch(ConnectionEstablished{})
	require.Eventually(t, func() bool {
		sp := h.synth.spoken()
		return len(sp) == 1 && sp[0] == "static greeting"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, s.State())

	s.Dispatch(StreamStarted{Metadata: Metadata{CallSID: "CA200"}})
	require.Eventually(t, func() bool { return s.State() == StateStreaming }, 2*time.Second, 5*time.Millisecond)

	h.gen.mu.Lock()
	assert.Equal(t, 0, h.gen.greetings)
	h.gen.mu.Unlock()
	assert.Len(t, h.synth.spoken(), 1, "greeting must only be spoken once")

	s.End("hangup")
	// Without an owner nothing is persisted or announced.
	assert.Empty(t, h.notifier.all())
	_, err := h.store.Update(context.Background(), "CA200", calls.CallPatch{})
	assert.ErrorIs(t, err, calls.ErrNotFound)
}

func TestSession_AuthFailureSpeaksFallbackAndKeepsStreaming(t *testing.T) {
	h := newHarness(t)
	h.gen.replyErr = resilience.NewStatusError("ai", http.StatusUnauthorized, errors.New("bad key"))
	s, _ := h.open(t)
	startStream(t, s, owner)

	h.stt(0).final("can I talk to someone")
	require.Eventually(t, func() bool { return len(s.Transcript()) == 3 }, 2*time.Second, 5*time.Millisecond)

	turns := s.Transcript()
	assert.Equal(t, "can I talk to someone", turns[1].Text)
	assert.Equal(t, FallbackUtterance, turns[2].Text)
	assert.Equal(t, calls.SpeakerAI, turns[2].Speaker)
	assert.Equal(t, 1, h.gen.replyCount(), "auth errors are not retried")
	require.Eventually(t, func() bool { return s.State() == StateStreaming }, time.Second, 5*time.Millisecond)
}

func TestSession_NoCallerSpeechSkipsSummary(t *testing.T) {
	h := newHarness(t)
	s, _ := h.open(t)
	startStream(t, s, owner)
	require.Eventually(t, func() bool { return len(s.Transcript()) == 1 }, 2*time.Second, 5*time.Millisecond)

	s.Dispatch(StreamStopped{})
	waitDone(t, s)

	h.gen.mu.Lock()
	assert.Equal(t, 0, h.gen.summaries)
	assert.Equal(t, 0, h.gen.classifies)
	h.gen.mu.Unlock()

	recs, err := h.store.ListByOwner(context.Background(), owner.OwnerID, calls.ListOptions{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, responder.NoSummary, recs[0].Summary)
	assert.Equal(t, calls.UrgencyLow, recs[0].Urgency)
	assert.Equal(t, calls.SentimentNeutral, recs[0].Sentiment)
}

func TestSession_QueuedSpeechIsKeptWhenCallEnds(t *testing.T) {
	h := newHarness(t)
	h.gen.replyDelay = 500 * time.Millisecond
	s, _ := h.open(t)
	startStream(t, s, owner)
	require.Eventually(t, func() bool { return len(s.Transcript()) == 1 }, 2*time.Second, 5*time.Millisecond)

	stt := h.stt(0)
	stt.final("a")
	stt.final("b")
	stt.final("c")
	require.Eventually(t, func() bool { return s.State() == StateAwaitingResponse }, 2*time.Second, 5*time.Millisecond)

	s.Dispatch(StreamStopped{})
	waitDone(t, s)

	var caller []string
	for _, turn := range s.Transcript() {
		if turn.Speaker == calls.SpeakerCaller {
			caller = append(caller, turn.Text)
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, caller)

	recs, err := h.store.ListByOwner(context.Background(), owner.OwnerID, calls.ListOptions{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Len(t, recs[0].Transcript, 4)
}

func TestSession_SynthesisFailureFallsBackOnce(t *testing.T) {
	h := newHarness(t)
	h.synth.failOn["re: hello"] = true
	s, _ := h.open(t)
	startStream(t, s, owner)

	h.stt(0).final("hello")
	require.Eventually(t, func() bool { return len(s.Transcript()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, FallbackUtterance, s.Transcript()[2].Text)

	// Both the reply and the fallback fail: the turn stays silent but the call goes on.
	h.synth.mu.Lock()
	h.synth.failOn["re: again"] = true
	h.synth.failOn[FallbackUtterance] = true
	h.synth.mu.Unlock()
	h.stt(0).final("again")
	require.Eventually(t, func() bool { return len(s.Transcript()) == 4 && s.State() == StateStreaming }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "again", s.Transcript()[3].Text)
}

func TestSession_PanicInReplyIsRecovered(t *testing.T) {
	h := newHarness(t)
	h.gen.panicOn = "boom"
	s, _ := h.open(t)
	startStream(t, s, owner)

	h.stt(0).final("boom")
	require.Eventually(t, func() bool {
		for _, text := range h.synth.spoken() {
			if text == FallbackUtterance {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	h.stt(0).final("still there?")
	require.Eventually(t, func() bool {
		turns := s.Transcript()
		return len(turns) > 0 && turns[len(turns)-1].Text == "re: still there?"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateStreaming, s.State())
}

func TestSession_TranscriberFailureDegrades(t *testing.T) {
	h := newHarness(t)
	h.configureErr = resilience.NewStatusError("stt", http.StatusUnauthorized, errors.New("bad token"))
	s, _ := h.open(t)
	startStream(t, s, owner)

	s.Dispatch(AudioFrame{Payload: make([]byte, 160)})
	s.Dispatch(AudioFrame{Payload: make([]byte, 160)})
	// The greeting still plays and the call can still be persisted.
	require.Eventually(t, func() bool { return len(s.Transcript()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.stt(0).frameCount())

	s.End("hangup")
	recs, err := h.store.ListByOwner(context.Background(), owner.OwnerID, calls.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSession_AudioForwardedWhileStreaming(t *testing.T) {
	h := newHarness(t)
	s, _ := h.open(t)

	s.Dispatch(AudioFrame{Payload: []byte{1}})
	startStream(t, s, owner)
	for i := 0; i < 5; i++ {
		s.Dispatch(AudioFrame{Payload: []byte{byte(i)}})
	}
	require.Eventually(t, func() bool { return h.stt(0).frameCount() == 5 }, 2*time.Second, 5*time.Millisecond)

	h.stt(0).mu.Lock()
	assert.Equal(t, 8000, h.stt(0).format.SampleRate)
	assert.Equal(t, "audio/x-mulaw", h.stt(0).format.Encoding)
	h.stt(0).mu.Unlock()
}

func TestSession_OwnerMetadataFromConnectedEvent(t *testing.T) {
	h := newHarness(t)
	s, _ := h.open(t)

	s.Dispatch(ConnectionEstablished{Metadata: Metadata{OwnerID: "owner-9"}})
	s.Dispatch(StreamStarted{Metadata: Metadata{CallSID: "CA900", OwnerID: "someone-else"}})
	require.Eventually(t, func() bool { return s.State() == StateStreaming }, 2*time.Second, 5*time.Millisecond)

	meta := s.Metadata()
	assert.Equal(t, "owner-9", meta.OwnerID)
	assert.Equal(t, "CA900", meta.CallSID)
	assert.True(t, meta.Resolved())
}

func TestSession_SpeechFlushedBySlowStopIsKept(t *testing.T) {
	h := newHarness(t)
	h.lateOnStop = "call me back at noon"
	s, _ := h.open(t)
	startStream(t, s, owner)

	s.Dispatch(StreamStopped{})
	waitDone(t, s)

	recs, err := h.store.ListByOwner(context.Background(), owner.OwnerID, calls.ListOptions{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, speakers(recs[0].Transcript), "caller:call me back at noon")
}

func TestSession_AudioKeepsFlowingWhileReplyIsPending(t *testing.T) {
	h := newHarness(t)
	h.gen.hold = make(chan struct{})
	h.gen.held = make(chan struct{}, 1)
	s, tr := h.open(t)
	startStream(t, s, owner)
	require.Eventually(t, func() bool { return len(s.Transcript()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { _, marks, _ := tr.sent(); return marks == 1 }, 2*time.Second, 5*time.Millisecond)

	stt := h.stt(0)
	stt.final("is anyone there")
	select {
	case <-h.gen.held:
	case <-time.After(2 * time.Second):
		t.Fatalf("reply generation never started")
	}
	require.Equal(t, StateAwaitingResponse, s.State())

	before := stt.frameCount()
	for i := 0; i < 10; i++ {
		s.Dispatch(AudioFrame{Payload: []byte{byte(i)}})
	}
	require.Eventually(t, func() bool { return stt.frameCount() == before+10 }, 2*time.Second, 5*time.Millisecond)

	s.End("hangup")
	bytesAtEnd, marksAtEnd, _ := tr.sent()
	close(h.gen.hold)
	require.Eventually(t, func() bool { return h.gen.inflightCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	bytes, marks, afterClose := tr.sent()
	assert.Equal(t, bytesAtEnd, bytes, "no audio after the call ended")
	assert.Equal(t, marksAtEnd, marks, "no marks after the call ended")
	assert.Zero(t, afterClose)
	assert.NotContains(t, speakers(s.Transcript()), "ai:re: is anyone there")
}
