// Package cartesia implements the Cartesia voice cloning and TTS client.
package cartesia

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
	defaultBaseURL = "https://api.cartesia.ai"
	ttsModelID     = "sonic-2"
)

// Client talks to the Cartesia API.
type Client struct {
	apiKey  string
	baseURL string
	version string
	httpc   *http.Client

	backoffMaxElapsed time.Duration
	backoffInitial    time.Duration
	backoffMax        time.Duration
	backoffMultiplier float64
}

// New constructs a Client. version is the Cartesia-Version header value.
func New(apiKey, baseURL, version string, maxElapsed, initial, maxInterval time.Duration, multiplier float64) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:            apiKey,
		baseURL:           baseURL,
		version:           version,
		httpc:             &http.Client{Timeout: 120 * time.Second},
		backoffMaxElapsed: maxElapsed,
		backoffInitial:    initial,
		backoffMax:        maxInterval,
		backoffMultiplier: multiplier,
	}
}

// Name returns the provider tag.
func (c *Client) Name() string { return "cartesia" }

// CloneVoice uploads a sample clip and returns the remote voice id.
func (c *Client) CloneVoice(ctx context.Context, sample []byte, filename, voiceName, language string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("name", voiceName); err != nil {
		return "", fmt.Errorf("op=cartesia.clone: %w", err)
	}
	_ = mw.WriteField("language", language)
	_ = mw.WriteField("mode", "similarity")
	fw, err := mw.CreateFormFile("clip", filename)
	if err != nil {
		return "", fmt.Errorf("op=cartesia.clone: %w", err)
	}
	if _, err := fw.Write(sample); err != nil {
		return "", fmt.Errorf("op=cartesia.clone: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("op=cartesia.clone: %w", err)
	}

	respBody, err := c.do(ctx, "clone", http.MethodPost, c.baseURL+"/voices/clone", body.Bytes(), mw.FormDataContentType())
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("op=cartesia.clone: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("op=cartesia.clone: empty id: %w", domain.ErrUpstreamFailed)
	}
	return out.ID, nil
}

// DeleteVoice removes the remote clone.
func (c *Client) DeleteVoice(ctx context.Context, remoteVoiceID string) error {
	_, err := c.do(ctx, "delete", http.MethodDelete, c.baseURL+"/voices/"+remoteVoiceID, nil, "")
	return err
}

// SynthesizeSpeech renders text with the cloned voice and returns MP3 bytes.
func (c *Client) SynthesizeSpeech(ctx context.Context, remoteVoiceID, text string) ([]byte, error) {
	reqBody, err := json.Marshal(map[string]any{
		"model_id":   ttsModelID,
		"transcript": text,
		"voice": map[string]any{
			"mode": "id",
			"id":   remoteVoiceID,
		},
		"output_format": map[string]any{
			"container":   "mp3",
			"bit_rate":    128000,
			"sample_rate": 44100,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("op=cartesia.synthesize: %w", err)
	}
	return c.do(ctx, "synthesize", http.MethodPost, c.baseURL+"/tts/bytes", reqBody, "application/json")
}

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
			return backoff.Permanent(fmt.Errorf("op=cartesia.%s: %w", operation, err))
		}
		req.Header.Set("X-API-Key", c.apiKey)
		req.Header.Set("Cartesia-Version", c.version)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			observability.ObserveProviderCall(c.Name(), operation, "network_error", time.Since(start))
			return fmt.Errorf("op=cartesia.%s: %w", operation, err)
		}
		defer func() { _ = resp.Body.Close() }()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("op=cartesia.%s: %w", operation, err)
		}
		observability.ObserveProviderCall(c.Name(), operation, strconv.Itoa(resp.StatusCode), time.Since(start))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			ra := 30 * time.Second
			if v := resp.Header.Get("Retry-After"); v != "" {
				if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
					ra = time.Duration(secs) * time.Second
				}
			}
			return backoff.Permanent(fmt.Errorf("op=cartesia.%s: %w", operation,
				&domain.RateLimitedError{RetryAfter: ra}))
		case resp.StatusCode >= 500:
			return fmt.Errorf("op=cartesia.%s: status %d: %w", operation, resp.StatusCode, domain.ErrUpstreamFailed)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("op=cartesia.%s: status %d: %w",
				operation, resp.StatusCode, domain.ErrUpstreamFailed))
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
