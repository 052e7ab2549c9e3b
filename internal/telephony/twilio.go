package telephony

import (
	"net/url"

	"github.com/twilio/twilio-go/client"
)

// SignatureHeader carries Twilio's HMAC-SHA1 request signature.
const SignatureHeader = "X-Twilio-Signature"

// SignatureValidator checks X-Twilio-Signature against the account auth token.
// An empty token disables validation (local development).
// Ref: https://www.twilio.com/docs/usage/webhooks/webhooks-security
type SignatureValidator struct {
	AuthToken string
}

func (v SignatureValidator) Enabled() bool { return v.AuthToken != "" }

// Valid reports whether signature matches fullURL plus the POST params.
// Twilio never repeats a voice webhook parameter, so only the first value of each key is signed.
func (v SignatureValidator) Valid(fullURL string, form url.Values, signature string) bool {
	if !v.Enabled() {
		return true
	}
	if signature == "" {
		return false
	}
	params := make(map[string]string, len(form))
	for k := range form {
		params[k] = form.Get(k)
	}
	rv := client.NewRequestValidator(v.AuthToken)
	return rv.Validate(fullURL, params, signature)
}
