package telephony

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"call-screening/internal/screening"

	"github.com/gorilla/websocket"
)

var ErrStreamClosed = errors.New("telephony: media stream closed")

type StreamConnOptions struct {
	// SendBuffer is the number of outbound frames queued ahead of the socket.
	SendBuffer   int
	WriteTimeout time.Duration
	// IdleTimeout closes the stream when Twilio sends nothing for this long.
	IdleTimeout time.Duration
	// MaxPending caps frames held back while the stream sid is unknown.
	MaxPending int
}

func (o StreamConnOptions) withDefaults() StreamConnOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.MaxPending <= 0 {
		o.MaxPending = 1500
	}
	return o
}

type outbound struct {
	event string
	audio []byte
	name  string
}

// StreamConn is one Twilio Media Streams websocket. It implements screening.Transport.
//
// Outbound frames go through a single write loop. Until the "start" frame has told us the
// stream sid they are held back and flushed in order once it is known.
type StreamConn struct {
	conn *websocket.Conn
	opts StreamConnOptions
	log  *slog.Logger

	out   chan outbound
	ready chan struct{}
	done  chan struct{}

	mu        sync.Mutex
	streamSID string
	readyOnce sync.Once
	closeOnce sync.Once
	writeErr  error
	writeDone chan struct{}
}

func NewStreamConn(conn *websocket.Conn, log *slog.Logger, opts StreamConnOptions) *StreamConn {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	c := &StreamConn{
		conn:      conn,
		opts:      opts,
		log:       log,
		out:       make(chan outbound, opts.SendBuffer),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *StreamConn) StreamSID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamSID
}

func (c *StreamConn) setStreamSID(sid string) {
	if sid == "" {
		return
	}
	c.mu.Lock()
	if c.streamSID == "" {
		c.streamSID = sid
	}
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *StreamConn) SendAudio(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	return c.enqueue(ctx, outbound{event: "media", audio: append([]byte(nil), payload...)})
}

// SendMark asks Twilio to echo name back once the audio queued before it has played.
func (c *StreamConn) SendMark(ctx context.Context, name string) error {
	return c.enqueue(ctx, outbound{event: "mark", name: name})
}

// Clear drops audio Twilio has buffered but not yet played.
func (c *StreamConn) Clear(ctx context.Context) error {
	return c.enqueue(ctx, outbound{event: "clear"})
}

func (c *StreamConn) enqueue(ctx context.Context, m outbound) error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}
	select {
	case c.out <- m:
		return nil
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *StreamConn) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	return ErrStreamClosed
}

func (c *StreamConn) writeLoop() {
	defer close(c.writeDone)
	var pending []outbound
	ready := c.ready
	for {
		select {
		case <-c.done:
			return
		case <-ready:
			ready = nil
			for _, m := range pending {
				if !c.write(m) {
					return
				}
			}
			pending = nil
		case m := <-c.out:
			if ready != nil {
				if len(pending) >= c.opts.MaxPending {
					c.log.Warn("media stream not started; dropping outbound frame", "event", m.event)
					continue
				}
				pending = append(pending, m)
				continue
			}
			if !c.write(m) {
				return
			}
		}
	}
}

func (c *StreamConn) write(m outbound) bool {
	sid := c.StreamSID()
	var (
		data []byte
		err  error
	)
	switch m.event {
	case "media":
		data, err = encodeMedia(sid, m.audio)
	case "mark":
		data, err = encodeMark(sid, m.name)
	case "clear":
		data, err = encodeClear(sid)
	}
	if err == nil {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		err = c.conn.WriteMessage(websocket.TextMessage, data)
	}
	if err != nil {
		c.mu.Lock()
		c.writeErr = err
		c.mu.Unlock()
		c.log.Warn("media stream write failed", "err", err)
		c.shutdown()
		return false
	}
	return true
}

func (c *StreamConn) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Close stops the write loop, says goodbye and closes the socket. Safe to call repeatedly.
func (c *StreamConn) Close() error {
	first := false
	c.closeOnce.Do(func() {
		first = true
		close(c.done)
	})
	<-c.writeDone
	if first {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	return c.conn.Close()
}

// ReadInto reads frames until the stream stops or the socket fails, handing each decoded
// event to sink. Twilio's "connected" frame carries no call identity, so it is held
// back and delivered together with "start" so the session knows its owner from the outset.
func (c *StreamConn) ReadInto(sink func(screening.Event)) error {
	connected := false
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				sink(screening.TransportClosed{})
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sink(screening.TransportClosed{})
				return nil
			}
			sink(screening.TransportError{Err: err})
			return err
		}

		ev, err := Decode(data)
		if err != nil {
			c.log.Warn("media stream frame ignored", "err", err)
			continue
		}
		switch e := ev.(type) {
		case nil:
			continue
		case screening.ConnectionEstablished:
			connected = true
			continue
		case screening.StreamStarted:
			c.setStreamSID(e.Metadata.StreamSID)
			if connected {
				sink(screening.ConnectionEstablished{Metadata: e.Metadata})
			}
			sink(e)
		case screening.StreamStopped:
			sink(e)
			return nil
		default:
			sink(ev)
		}
	}
}
