package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"call-screening/internal/screening"
	"call-screening/internal/transcription"
)

// Twilio Media Streams frames.
// Ref: https://www.twilio.com/docs/voice/media-streams/websocket-messages

var ErrMalformedFrame = errors.New("telephony: malformed media stream frame")

type inboundFrame struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Start          *startPayload `json:"start,omitempty"`
	Media          *mediaPayload `json:"media,omitempty"`
	Mark           *markPayload  `json:"mark,omitempty"`
	Stop           *stopPayload  `json:"stop,omitempty"`
	Protocol       string        `json:"protocol,omitempty"`
	Version        string        `json:"version,omitempty"`
}

type startPayload struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      mediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

type stopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type outboundFrame struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markPayload  `json:"mark,omitempty"`
}

// Decode maps one inbound frame to a session event. Frames with no meaning for the
// session (mark acknowledgements, unknown events, outbound-track media) decode to nil.
func Decode(data []byte) (screening.Event, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch f.Event {
	case "connected":
		return screening.ConnectionEstablished{}, nil

	case "start":
		if f.Start == nil {
			return nil, fmt.Errorf("%w: start without payload", ErrMalformedFrame)
		}
		params := f.Start.CustomParameters
		if params == nil {
			params = map[string]string{}
		}
		streamSID := f.Start.StreamSID
		if streamSID == "" {
			streamSID = f.StreamSID
		}
		callSID := params[ParamCallID]
		if callSID == "" {
			callSID = f.Start.CallSID
		}
		return screening.StreamStarted{
			Metadata: screening.Metadata{
				OwnerID:     params[ParamOwnerID],
				PhoneNumber: params[ParamPhoneNumber],
				CallSID:     callSID,
				StreamSID:   streamSID,
			},
			Format: transcription.Format{
				Encoding:   f.Start.MediaFormat.Encoding,
				SampleRate: f.Start.MediaFormat.SampleRate,
			},
			Params: params,
		}, nil

	case "media":
		if f.Media == nil {
			return nil, fmt.Errorf("%w: media without payload", ErrMalformedFrame)
		}
		if f.Media.Track != "" && f.Media.Track != "inbound" {
			return nil, nil
		}
		audio, err := base64.StdEncoding.DecodeString(f.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: payload: %v", ErrMalformedFrame, err)
		}
		if len(audio) == 0 {
			return nil, nil
		}
		return screening.AudioFrame{Payload: audio}, nil

	case "stop":
		return screening.StreamStopped{}, nil

	default:
		// mark, dtmf and anything newer.
		return nil, nil
	}
}

func encodeMedia(streamSID string, audio []byte) ([]byte, error) {
	return json.Marshal(outboundFrame{
		Event:     "media",
		StreamSID: streamSID,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(audio)},
	})
}

func encodeMark(streamSID, name string) ([]byte, error) {
	return json.Marshal(outboundFrame{Event: "mark", StreamSID: streamSID, Mark: &markPayload{Name: name}})
}

func encodeClear(streamSID string) ([]byte, error) {
	return json.Marshal(outboundFrame{Event: "clear", StreamSID: streamSID})
}
