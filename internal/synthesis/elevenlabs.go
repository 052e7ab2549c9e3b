package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"call-screening/internal/resilience"
)

const elevenLabsBaseURL = "https://api.elevenlabs.io"

type ElevenLabsConfig struct {
	APIKey  string
	VoiceID string
	Model   string
	BaseURL string
}

// ElevenLabs synthesizes μ-law 8 kHz audio ready for a Twilio media stream.
type ElevenLabs struct {
	cfg        ElevenLabsConfig
	httpClient *http.Client
}

func NewElevenLabs(cfg ElevenLabsConfig, client *http.Client) *ElevenLabs {
	if cfg.BaseURL == "" {
		cfg.BaseURL = elevenLabsBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "eleven_turbo_v2_5"
	}
	if client == nil {
		client = &http.Client{}
	}
	return &ElevenLabs{cfg: cfg, httpClient: client}
}

type elevenLabsRequest struct {
	Text          string             `json:"text"`
	ModelID       string             `json:"model_id"`
	VoiceSettings elevenLabsSettings `json:"voice_settings"`
}

type elevenLabsSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

func (e *ElevenLabs) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	body, err := json.Marshal(elevenLabsRequest{
		Text:          text,
		ModelID:       e.cfg.Model,
		VoiceSettings: elevenLabsSettings{Stability: 0.5, SimilarityBoost: 0.75},
	})
	if err != nil {
		return nil, &Error{Provider: "elevenlabs", Err: resilience.Permanent(err)}
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=ulaw_8000",
		strings.TrimRight(e.cfg.BaseURL, "/"), url.PathEscape(e.cfg.VoiceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Provider: "elevenlabs", Err: resilience.Permanent(err)}
	}
	req.Header.Set("xi-api-key", e.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/basic")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Provider: "elevenlabs", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		se := resilience.NewStatusError("elevenlabs", resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(msg))))
		se.RetryAfter = retryAfter(resp.Header.Get("Retry-After"))
		return nil, &Error{Provider: "elevenlabs", Err: se}
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "audio/") && !strings.HasPrefix(ct, "application/octet-stream") {
		return nil, &Error{Provider: "elevenlabs", Err: resilience.Permanent(fmt.Errorf("unexpected content type %q", ct))}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		// Never hand back a partial clip.
		return nil, &Error{Provider: "elevenlabs", Err: fmt.Errorf("read audio: %w", err)}
	}
	if len(audio) == 0 {
		return nil, &Error{Provider: "elevenlabs", Err: resilience.Permanent(fmt.Errorf("empty audio body"))}
	}
	return audio, nil
}

func retryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
