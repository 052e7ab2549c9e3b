package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"call-screening/internal/resilience"

	"github.com/gorilla/websocket"
)

const deepgramBaseURL = "wss://api.deepgram.com"

type DeepgramConfig struct {
	APIKey string
	Model  string
	// BaseURL overrides the websocket origin; tests point it at httptest.
	BaseURL string

	EndpointingMS    int
	UtteranceEndMS   int
	KeepAlive        time.Duration
	AudioBufferSize  int
	HandshakeTimeout time.Duration
}

func (c DeepgramConfig) withDefaults() DeepgramConfig {
	out := c
	if out.BaseURL == "" {
		out.BaseURL = deepgramBaseURL
	}
	if out.Model == "" {
		out.Model = "nova-2-phonecall"
	}
	if out.EndpointingMS <= 0 {
		out.EndpointingMS = 300
	}
	if out.UtteranceEndMS <= 0 {
		out.UtteranceEndMS = 1000
	}
	if out.KeepAlive <= 0 {
		out.KeepAlive = 8 * time.Second
	}
	if out.AudioBufferSize <= 0 {
		// 50 frames of 20ms telephony audio.
		out.AudioBufferSize = 50
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = 10 * time.Second
	}
	return out
}

// DeepgramFactory creates live-streaming Deepgram transcribers.
type DeepgramFactory struct {
	cfg    DeepgramConfig
	logger *slog.Logger
}

func NewDeepgramFactory(cfg DeepgramConfig, logger *slog.Logger) *DeepgramFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeepgramFactory{cfg: cfg.withDefaults(), logger: logger}
}

func (f *DeepgramFactory) New() Transcriber {
	return &DeepgramTranscriber{
		cfg:    f.cfg,
		logger: f.logger,
		audio:  make(chan []byte, f.cfg.AudioBufferSize),
		queue:  newEventQueue(),
		done:   make(chan struct{}),
	}
}

// DeepgramTranscriber is one /v1/listen websocket session.
type DeepgramTranscriber struct {
	cfg    DeepgramConfig
	logger *slog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	configured bool
	stopped    bool
	degraded   bool

	writeMu sync.Mutex
	audio   chan []byte
	queue   *eventQueue

	// accumulated is_final segments not yet closed by speech_final/UtteranceEnd
	pendingText []string
	pendingConf []float64

	done      chan struct{} // closed when the write loop should exit
	readDone  chan struct{}
	writeDone chan struct{}
	stopOnce  sync.Once
}

type deepgramMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (t *DeepgramTranscriber) Configure(ctx context.Context, f Format) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return errors.New("transcriber stopped")
	}
	if t.configured {
		return nil
	}

	u, err := t.listenURL(f)
	if err != nil {
		return resilience.Permanent(err)
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+t.cfg.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			se := resilience.NewStatusError("deepgram", resp.StatusCode, fmt.Errorf("websocket connect: %s", strings.TrimSpace(string(body))))
			se.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			return se
		}
		return fmt.Errorf("deepgram websocket connect: %w", err)
	}

	t.conn = conn
	t.configured = true
	t.readDone = make(chan struct{})
	t.writeDone = make(chan struct{})
	go t.readLoop()
	go t.writeLoop()
	return nil
}

func (t *DeepgramTranscriber) listenURL(f Format) (string, error) {
	u, err := url.Parse(t.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse deepgram url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/listen"

	sampleRate := f.SampleRate
	if sampleRate <= 0 {
		sampleRate = 8000
	}
	lang := f.LanguageCode
	if lang == "" {
		lang = "en-US"
	}

	q := u.Query()
	q.Set("model", t.cfg.Model)
	q.Set("encoding", deepgramEncoding(f.Encoding))
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", "1")
	q.Set("language", lang)
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("endpointing", strconv.Itoa(t.cfg.EndpointingMS))
	q.Set("utterance_end_ms", strconv.Itoa(t.cfg.UtteranceEndMS))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// deepgramEncoding maps telephony media types to Deepgram encoding names.
func deepgramEncoding(enc string) string {
	switch strings.ToLower(strings.TrimSpace(enc)) {
	case "audio/x-alaw", "alaw":
		return "alaw"
	case "audio/l16", "linear16", "pcm":
		return "linear16"
	default:
		return "mulaw"
	}
}

func (t *DeepgramTranscriber) PushAudio(frame []byte) {
	if len(frame) == 0 {
		return
	}
	t.mu.Lock()
	active := t.configured && !t.stopped && !t.degraded
	t.mu.Unlock()
	if !active {
		return
	}

	select {
	case t.audio <- frame:
		return
	default:
	}
	// Buffer full: drop the oldest frame so the newest audio wins.
	select {
	case <-t.audio:
	default:
	}
	select {
	case t.audio <- frame:
	default:
	}
}

func (t *DeepgramTranscriber) Events() <-chan Event { return t.queue.out }

func (t *DeepgramTranscriber) writeLoop() {
	defer close(t.writeDone)
	ticker := time.NewTicker(t.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case frame := <-t.audio:
			if err := t.write(websocket.BinaryMessage, frame); err != nil {
				t.degrade(fmt.Errorf("deepgram send audio: %w", err))
				return
			}
		case <-ticker.C:
			if err := t.write(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
				t.degrade(fmt.Errorf("deepgram keepalive: %w", err))
				return
			}
		}
	}
}

func (t *DeepgramTranscriber) write(messageType int, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return t.conn.WriteMessage(messageType, data)
}

func (t *DeepgramTranscriber) readLoop() {
	defer close(t.readDone)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			stopping := t.stopped
			t.mu.Unlock()
			if !stopping && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.degrade(fmt.Errorf("deepgram read: %w", err))
			}
			return
		}

		var msg deepgramMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.logger.Debug("deepgram: skipping undecodable message", "err", err)
			continue
		}
		t.handle(msg)
	}
}

func (t *DeepgramTranscriber) handle(msg deepgramMessage) {
	switch msg.Type {
	case "Results":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		alt := msg.Channel.Alternatives[0]
		text := strings.TrimSpace(alt.Transcript)

		if !msg.IsFinal {
			if text != "" {
				conf := alt.Confidence
				t.queue.push(Event{Text: text, Confidence: &conf, Timestamp: time.Now().UTC()})
			}
			return
		}
		t.mu.Lock()
		if text != "" {
			t.pendingText = append(t.pendingText, text)
			t.pendingConf = append(t.pendingConf, alt.Confidence)
		}
		t.mu.Unlock()
		if msg.SpeechFinal {
			t.flushFinal()
		}
	case "UtteranceEnd":
		t.flushFinal()
	}
}

// flushFinal emits the accumulated segments as one final event.
func (t *DeepgramTranscriber) flushFinal() {
	t.mu.Lock()
	if len(t.pendingText) == 0 {
		t.mu.Unlock()
		return
	}
	text := strings.Join(t.pendingText, " ")
	var sum float64
	for _, c := range t.pendingConf {
		sum += c
	}
	conf := sum / float64(len(t.pendingConf))
	t.pendingText, t.pendingConf = nil, nil
	t.mu.Unlock()

	t.queue.push(Event{Text: text, IsFinal: true, Confidence: &conf, Timestamp: time.Now().UTC()})
}

func (t *DeepgramTranscriber) degrade(err error) {
	t.mu.Lock()
	if t.degraded || t.stopped {
		t.mu.Unlock()
		return
	}
	t.degraded = true
	t.mu.Unlock()

	t.logger.Warn("transcription degraded", "err", err)
	t.queue.push(Event{Degraded: true, Err: err, Timestamp: time.Now().UTC()})
}

func (t *DeepgramTranscriber) Stop(ctx context.Context) error {
	var stopErr error
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.stopped = true
		configured := t.configured
		t.mu.Unlock()

		if !configured {
			t.queue.close()
			return
		}

		close(t.done)
		<-t.writeDone

		// Ask the server to flush and close; remaining results arrive before the close frame.
		_ = t.write(websocket.TextMessage, []byte(`{"type":"Finalize"}`))
		_ = t.write(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))

		select {
		case <-t.readDone:
		case <-ctx.Done():
			stopErr = ctx.Err()
		}
		_ = t.conn.Close()
		<-t.readDone

		t.flushFinal()
		t.queue.close()
	})
	return stopErr
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
