// Package elevenlabs implements the ElevenLabs voice cloning and TTS client.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/storyvoice/internal/adapter/observability"
	"github.com/fairyhunter13/storyvoice/internal/domain"
)

const (
	defaultBaseURL = "https://api.elevenlabs.io/v1"
	modelID        = "eleven_multilingual_v2"
)

// voiceSettings tuned for narration: high similarity, mild style.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	Speed           float64 `json:"speed"`
}

var narrationSettings = voiceSettings{
	Stability:       0.65,
	SimilarityBoost: 0.9,
	Style:           0.1,
	Speed:           1.0,
}

// Client talks to the ElevenLabs API.
type Client struct {
	apiKey  string
	baseURL string
	httpc   *http.Client

	backoffMaxElapsed time.Duration
	backoffInitial    time.Duration
	backoffMax        time.Duration
	backoffMultiplier float64
}

// New constructs a Client. Backoff settings cover transient 5xx responses;
// 429s are surfaced immediately so the caller can reschedule.
func New(apiKey, baseURL string, maxElapsed, initial, maxInterval time.Duration, multiplier float64) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:            apiKey,
		baseURL:           baseURL,
		httpc:             &http.Client{Timeout: 120 * time.Second},
		backoffMaxElapsed: maxElapsed,
		backoffInitial:    initial,
		backoffMax:        maxInterval,
		backoffMultiplier: multiplier,
	}
}

// Name returns the provider tag.
func (c *Client) Name() string { return "elevenlabs" }

// CloneVoice uploads a sample and returns the remote voice id.
func (c *Client) CloneVoice(ctx context.Context, sample []byte, filename, voiceName, language string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("name", voiceName); err != nil {
		return "", fmt.Errorf("op=elevenlabs.clone: %w", err)
	}
	_ = mw.WriteField("remove_background_noise", "true")
	fw, err := mw.CreateFormFile("files", filename)
	if err != nil {
		return "", fmt.Errorf("op=elevenlabs.clone: %w", err)
	}
	if _, err := fw.Write(sample); err != nil {
		return "", fmt.Errorf("op=elevenlabs.clone: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("op=elevenlabs.clone: %w", err)
	}

	var out struct {
		VoiceID string `json:"voice_id"`
	}
	respBody, err := c.do(ctx, "clone", http.MethodPost, c.baseURL+"/voices/add", body.Bytes(), mw.FormDataContentType())
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("op=elevenlabs.clone: %w", err)
	}
	if out.VoiceID == "" {
		return "", fmt.Errorf("op=elevenlabs.clone: empty voice_id: %w", domain.ErrUpstreamFailed)
	}
	return out.VoiceID, nil
}

// DeleteVoice removes the remote clone, freeing its subscription slot.
func (c *Client) DeleteVoice(ctx context.Context, remoteVoiceID string) error {
	_, err := c.do(ctx, "delete", http.MethodDelete, c.baseURL+"/voices/"+remoteVoiceID, nil, "")
	return err
}

// SynthesizeSpeech renders text with the cloned voice and returns MP3 bytes.
func (c *Client) SynthesizeSpeech(ctx context.Context, remoteVoiceID, text string) ([]byte, error) {
	reqBody, err := json.Marshal(map[string]any{
		"text":           text,
		"model_id":       modelID,
		"voice_settings": narrationSettings,
	})
	if err != nil {
		return nil, fmt.Errorf("op=elevenlabs.synthesize: %w", err)
	}
	return c.do(ctx, "synthesize", http.MethodPost,
		c.baseURL+"/text-to-speech/"+remoteVoiceID+"/stream", reqBody, "application/json")
}

// do issues one request with 5xx backoff. A 429 aborts retries and carries
// the Retry-After hint.
func (c *Client) do(ctx context.Context, operation, method, url string, body []byte, contentType string) ([]byte, error) {
	var out []byte
	attempt := func() error {
		start := time.Now()
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rdr)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("op=elevenlabs.%s: %w", operation, err))
		}
		req.Header.Set("xi-api-key", c.apiKey)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			observability.ObserveProviderCall(c.Name(), operation, "network_error", time.Since(start))
			return fmt.Errorf("op=elevenlabs.%s: %w", operation, err)
		}
		defer func() { _ = resp.Body.Close() }()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("op=elevenlabs.%s: %w", operation, err)
		}
		observability.ObserveProviderCall(c.Name(), operation, strconv.Itoa(resp.StatusCode), time.Since(start))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return backoff.Permanent(fmt.Errorf("op=elevenlabs.%s: %w", operation,
				&domain.RateLimitedError{RetryAfter: retryAfter(resp)}))
		case resp.StatusCode >= 500:
			return fmt.Errorf("op=elevenlabs.%s: status %d: %w", operation, resp.StatusCode, domain.ErrUpstreamFailed)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("op=elevenlabs.%s: status %d: %s: %w",
				operation, resp.StatusCode, truncate(data, 256), domain.ErrUpstreamFailed))
		}
		out = data
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.backoffMaxElapsed
	bo.InitialInterval = c.backoffInitial
	bo.MaxInterval = c.backoffMax
	bo.Multiplier = c.backoffMultiplier
	if err := backoff.Retry(attempt, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return out, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 30 * time.Second
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
