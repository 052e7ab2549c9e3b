package telephony

import (
	"net/http"
	"strings"
)

// VoiceWebhook captures the subset of Twilio voice webhook fields the screener uses.
// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/twiml#request-parameters
type VoiceWebhook struct {
	CallSid       string
	AccountSid    string
	From          string
	To            string
	Direction     string
	CallStatus    string
	CallerName    string
	ForwardedFrom string
}

func ParseVoiceWebhook(r *http.Request) (VoiceWebhook, error) {
	if err := r.ParseForm(); err != nil {
		return VoiceWebhook{}, err
	}
	return VoiceWebhook{
		CallSid:       strings.TrimSpace(r.PostFormValue("CallSid")),
		AccountSid:    strings.TrimSpace(r.PostFormValue("AccountSid")),
		From:          normalizePhone(r.PostFormValue("From")),
		To:            normalizePhone(r.PostFormValue("To")),
		Direction:     r.PostFormValue("Direction"),
		CallStatus:    r.PostFormValue("CallStatus"),
		CallerName:    r.PostFormValue("CallerName"),
		ForwardedFrom: normalizePhone(r.PostFormValue("ForwardedFrom")),
	}, nil
}

func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return s
}

// StreamParameters are forwarded to the media stream as <Parameter> elements and come
// back in the "start" frame's customParameters.
func (f VoiceWebhook) StreamParameters(ownerID string) map[string]string {
	p := map[string]string{
		ParamPhoneNumber: f.From,
		ParamCallID:      f.CallSid,
	}
	if ownerID != "" {
		p[ParamOwnerID] = ownerID
	}
	return p
}

const (
	ParamOwnerID     = "ownerId"
	ParamPhoneNumber = "phoneNumber"
	ParamCallID      = "callId"
)
