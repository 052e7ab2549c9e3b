package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"sort"
	"strings"
)

// TwiML is a minimal Twilio Markup Language response builder.
// Only the verbs the screener answers with are modelled.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlConnect struct {
	XMLName xml.Name    `xml:"Connect"`
	Stream  twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// RenderStream answers the call by connecting it to a bidirectional media stream.
// Empty parameter values are omitted.
func RenderStream(streamURL string, params map[string]string) (string, error) {
	if strings.TrimSpace(streamURL) == "" {
		return "", errors.New("telephony: stream url required")
	}
	names := make([]string, 0, len(params))
	for k, v := range params {
		if v != "" {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	st := twimlStream{URL: streamURL}
	for _, k := range names {
		st.Parameters = append(st.Parameters, twimlParameter{Name: k, Value: params[k]})
	}
	return render(twimlResponse{Verbs: []any{twimlConnect{Stream: st}}})
}

// RenderBusy says message (if any) and hangs up.
func RenderBusy(message string) (string, error) {
	var r twimlResponse
	if strings.TrimSpace(message) != "" {
		r.Verbs = append(r.Verbs, twimlSay{Text: message})
	}
	r.Verbs = append(r.Verbs, twimlHangup{})
	return render(r)
}

func render(r twimlResponse) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
