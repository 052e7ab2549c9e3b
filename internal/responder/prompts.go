package responder

import (
	"fmt"
	"strings"

	"call-screening/internal/calls"
)

const screeningSystemPrompt = `You are a polite phone assistant screening a call for someone who cannot answer right now.
Find out who is calling, why, and how urgent it is. Speak naturally and briefly, one or two sentences.
Never promise that the person will call back at a specific time. Never ask for passwords, card numbers or codes.
Your words are read aloud, so do not use lists, markdown, emoji or URLs.`

func greetingPrompt(req GreetingRequest) Prompt {
	var b strings.Builder
	b.WriteString("Write the opening line for a screened call.")
	b.WriteString(" Say the person is unavailable and ask who is calling and what it is about.")
	if callerWithheld(req.PhoneNumber) {
		b.WriteString(" The caller's number is hidden, so also ask for a number to call back on.")
	} else {
		b.WriteString(" The caller's number is already known; do not ask for it or read it aloud.")
	}
	return Prompt{
		System:    screeningSystemPrompt,
		Messages:  []Message{{Role: RoleUser, Text: b.String()}},
		MaxTokens: 80,
	}
}

// callerWithheld reports whether the carrier gave no usable caller number.
func callerWithheld(number string) bool {
	switch strings.ToLower(strings.TrimSpace(number)) {
	case "", "anonymous", "restricted", "unknown", "private":
		return true
	}
	return false
}

func replyPrompt(userText string, history []calls.TranscriptTurn) Prompt {
	msgs := make([]Message, 0, len(history)+1)
	for _, t := range history {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		role := RoleUser
		if t.Speaker == calls.SpeakerAI || t.IsAI {
			role = RoleAssistant
		}
		msgs = append(msgs, Message{Role: role, Text: text})
	}
	msgs = append(msgs, Message{Role: RoleUser, Text: userText})
	return Prompt{System: screeningSystemPrompt, Messages: msgs, MaxTokens: 150}
}

func summaryPrompt(turns []calls.TranscriptTurn) Prompt {
	return Prompt{
		System: "You summarize screened phone calls for the person who missed them. " +
			"Write two or three plain sentences: who called, why, and anything they asked for.",
		Messages:  []Message{{Role: RoleUser, Text: renderTranscript(turns)}},
		MaxTokens: 200,
	}
}

func classifyPrompt(turns []calls.TranscriptTurn) Prompt {
	return Prompt{
		System: `You label screened phone calls. Reply with one JSON object and nothing else:
{"caller_name": string, "purpose": string, "urgency": "low"|"medium"|"high",
 "sentiment": "positive"|"neutral"|"negative", "action_required": bool, "follow_up_needed": bool}
Use an empty string when the caller did not give a name.`,
		Messages:  []Message{{Role: RoleUser, Text: renderTranscript(turns)}},
		JSON:      true,
		MaxTokens: 200,
	}
}

func renderTranscript(turns []calls.TranscriptTurn) string {
	var b strings.Builder
	b.WriteString("Transcript:\n")
	for _, t := range turns {
		who := "Caller"
		if t.Speaker == calls.SpeakerAI || t.IsAI {
			who = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", who, strings.TrimSpace(t.Text))
	}
	return b.String()
}
