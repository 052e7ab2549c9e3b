package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"call-screening/internal/screening"

	"github.com/gorilla/websocket"
)

func TestDecode(t *testing.T) {
	ev, err := Decode([]byte(`{"event":"start","sequenceNumber":"1","start":{"streamSid":"MZ1","callSid":"CA-provider","mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1},"customParameters":{"ownerId":"owner-1","phoneNumber":"+1555","callId":"CA1"}},"streamSid":"MZ1"}`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	st, ok := ev.(screening.StreamStarted)
	if !ok {
		t.Fatalf("expected StreamStarted, got %T", ev)
	}
	if st.Metadata.OwnerID != "owner-1" || st.Metadata.CallSID != "CA1" || st.Metadata.StreamSID != "MZ1" || st.Metadata.PhoneNumber != "+1555" {
		t.Fatalf("unexpected metadata: %+v", st.Metadata)
	}
	if st.Format.Encoding != "audio/x-mulaw" || st.Format.SampleRate != 8000 {
		t.Fatalf("unexpected format: %+v", st.Format)
	}

	ev, err = Decode([]byte(`{"event":"start","start":{"streamSid":"MZ2","callSid":"CA-provider"}}`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got := ev.(screening.StreamStarted).Metadata.CallSID; got != "CA-provider" {
		t.Fatalf("expected provider call sid fallback, got %q", got)
	}

	payload := base64.StdEncoding.EncodeToString([]byte{0xff, 0x7f})
	ev, err = Decode([]byte(`{"event":"media","media":{"track":"inbound","payload":"` + payload + `"}}`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if af, ok := ev.(screening.AudioFrame); !ok || len(af.Payload) != 2 || af.Payload[0] != 0xff {
		t.Fatalf("unexpected audio frame: %#v", ev)
	}

	for _, frame := range []string{
		`{"event":"mark","mark":{"name":"utterance-1"}}`,
		`{"event":"dtmf","dtmf":{"digit":"1"}}`,
		`{"event":"media","media":{"track":"outbound","payload":"` + payload + `"}}`,
	} {
		ev, err := Decode([]byte(frame))
		if err != nil || ev != nil {
			t.Fatalf("expected %s to be ignored, got %#v %v", frame, ev, err)
		}
	}

	if ev, _ := Decode([]byte(`{"event":"stop","stop":{"callSid":"CA1"}}`)); ev != (screening.StreamStopped{}) {
		t.Fatalf("expected StreamStopped, got %#v", ev)
	}

	for _, bad := range []string{`not json`, `{"event":"start"}`, `{"event":"media","media":{"payload":"%%%"}}`} {
		if _, err := Decode([]byte(bad)); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("expected ErrMalformedFrame for %s, got %v", bad, err)
		}
	}
}

type streamPair struct {
	server  *StreamConn
	client  *websocket.Conn
	events  chan screening.Event
	readErr chan error
}

func newStreamPair(t *testing.T) *streamPair {
	t.Helper()
	p := &streamPair{events: make(chan screening.Event, 32), readErr: make(chan error, 1)}
	ready := make(chan *StreamConn, 1)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conn := NewStreamConn(ws, nil, StreamConnOptions{IdleTimeout: 5 * time.Second})
		ready <- conn
		p.readErr <- conn.ReadInto(func(ev screening.Event) { p.events <- ev })
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case p.server = <-ready:
	case <-time.After(2 * time.Second):
		t.Fatalf("server side never connected")
	}
	t.Cleanup(func() { _ = p.server.Close() })
	p.client = client
	return p
}

func (p *streamPair) send(t *testing.T, frame string) {
	t.Helper()
	if err := p.client.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("client write: %v", err)
	}
}

func (p *streamPair) next(t *testing.T) screening.Event {
	t.Helper()
	select {
	case ev := <-p.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no event received")
		return nil
	}
}

func (p *streamPair) readOutbound(t *testing.T) outboundFrame {
	t.Helper()
	_ = p.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := p.client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	var f outboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode outbound: %v", err)
	}
	return f
}

func TestStreamConn_HoldsAudioUntilStreamStarts(t *testing.T) {
	p := newStreamPair(t)
	ctx := context.Background()

	if err := p.server.SendAudio(ctx, []byte{1, 2, 3}); err != nil {
		t.Fatalf("send before start: %v", err)
	}
	p.send(t, `{"event":"connected","protocol":"Call","version":"1.0.0"}`)
	p.send(t, `{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA1","mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1},"customParameters":{"ownerId":"owner-1"}}}`)

	conn, ok := p.next(t).(screening.ConnectionEstablished)
	if !ok || conn.Metadata.OwnerID != "owner-1" {
		t.Fatalf("expected connected event carrying the owner, got %#v", conn)
	}
	if _, ok := p.next(t).(screening.StreamStarted); !ok {
		t.Fatalf("expected StreamStarted")
	}

	f := p.readOutbound(t)
	if f.Event != "media" || f.StreamSID != "MZ1" || f.Media == nil {
		t.Fatalf("unexpected outbound frame %+v", f)
	}
	if audio, _ := base64.StdEncoding.DecodeString(f.Media.Payload); string(audio) != string([]byte{1, 2, 3}) {
		t.Fatalf("unexpected audio %v", audio)
	}

	if err := p.server.SendMark(ctx, "utterance-1"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := p.server.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if f := p.readOutbound(t); f.Event != "mark" || f.Mark == nil || f.Mark.Name != "utterance-1" {
		t.Fatalf("unexpected mark frame %+v", f)
	}
	if f := p.readOutbound(t); f.Event != "clear" || f.StreamSID != "MZ1" {
		t.Fatalf("unexpected clear frame %+v", f)
	}
}

func TestStreamConn_ReadsUntilStop(t *testing.T) {
	p := newStreamPair(t)

	p.send(t, `{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1"}}`)
	if _, ok := p.next(t).(screening.StreamStarted); !ok {
		t.Fatalf("expected StreamStarted without a preceding connected frame")
	}
	p.send(t, `{"event":"media","media":{"track":"inbound","payload":"`+base64.StdEncoding.EncodeToString([]byte{9})+`"}}`)
	p.send(t, `garbage`)
	p.send(t, `{"event":"mark","mark":{"name":"utterance-1"}}`)
	p.send(t, `{"event":"stop"}`)

	if af, ok := p.next(t).(screening.AudioFrame); !ok || af.Payload[0] != 9 {
		t.Fatalf("expected audio frame, got %#v", af)
	}
	if _, ok := p.next(t).(screening.StreamStopped); !ok {
		t.Fatalf("expected StreamStopped")
	}
	select {
	case err := <-p.readErr:
		if err != nil {
			t.Fatalf("expected clean read end, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("read loop did not return after stop")
	}
}

func TestStreamConn_ClientHangupAndClose(t *testing.T) {
	p := newStreamPair(t)

	_ = p.client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	if _, ok := p.next(t).(screening.TransportClosed); !ok {
		t.Fatalf("expected TransportClosed")
	}

	// Close is idempotent.
	_ = p.server.Close()
	_ = p.server.Close()
	if err := p.server.SendAudio(context.Background(), []byte{1}); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
}
