package screening

import (
	"context"

	"call-screening/internal/transcription"
)

// Metadata identifies the call. Every field stays empty until the provider supplies it;
// OwnerID and CallSID are required before the call can be persisted.
type Metadata struct {
	OwnerID     string
	PhoneNumber string
	CallSID     string
	StreamSID   string
}

func (m Metadata) Resolved() bool { return m.OwnerID != "" && m.CallSID != "" }

// merge fills empty fields of m from o.
func (m Metadata) merge(o Metadata) Metadata {
	if m.OwnerID == "" {
		m.OwnerID = o.OwnerID
	}
	if m.PhoneNumber == "" {
		m.PhoneNumber = o.PhoneNumber
	}
	if m.CallSID == "" {
		m.CallSID = o.CallSID
	}
	if m.StreamSID == "" {
		m.StreamSID = o.StreamSID
	}
	return m
}

// Event is an inbound protocol event. The set is closed: only the types below implement it.
type Event interface{ isEvent() }

type ConnectionEstablished struct{ Metadata Metadata }

type StreamStarted struct {
	Metadata Metadata
	Format   transcription.Format
	// Params are the provider's custom parameters, kept for logging.
	Params map[string]string
}

type AudioFrame struct{ Payload []byte }

type StreamStopped struct{}

type TransportClosed struct{}

type TransportError struct{ Err error }

func (ConnectionEstablished) isEvent() {}
func (StreamStarted) isEvent()         {}
func (AudioFrame) isEvent()            {}
func (StreamStopped) isEvent()         {}
func (TransportClosed) isEvent()       {}
func (TransportError) isEvent()        {}

// Transport is the outbound half of the telephony connection.
type Transport interface {
	SendAudio(ctx context.Context, payload []byte) error
	Close() error
}

// Marker is implemented by transports that can report when queued audio has played.
type Marker interface {
	SendMark(ctx context.Context, name string) error
}
