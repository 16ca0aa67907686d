package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// httpSynth posts text to a hosted synthesis service and receives raw
// 16-bit PCM back in one response.
type httpSynth struct {
	endpoint   string
	apiKey     string
	sampleRate int
	channels   int
	client     *http.Client
}

type httpRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

func NewHTTPSynth(endpoint, apiKey string, sampleRate, channels int, timeout time.Duration) Synthesizer {
	return &httpSynth{
		endpoint:   endpoint,
		apiKey:     apiKey,
		sampleRate: sampleRate,
		channels:   channels,
		client:     &http.Client{Timeout: timeout},
	}
}

func (h *httpSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		if req.Text == "" {
			errs <- fmt.Errorf("%w: empty text", ErrInvalidInput)
			return
		}
		body, err := json.Marshal(httpRequest{
			Text:       req.Text,
			Voice:      req.Voice,
			SampleRate: h.sampleRate,
			Channels:   h.channels,
		})
		if err != nil {
			errs <- err
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
		if err != nil {
			errs <- err
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if h.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
		}

		resp, err := h.client.Do(httpReq)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			errs <- fmt.Errorf("synthesis quota exceeded: %s", resp.Status)
			return
		}
		if resp.StatusCode >= 300 {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity {
				errs <- fmt.Errorf("%w: %s: %s", ErrInvalidInput, resp.Status, detail)
				return
			}
			errs <- fmt.Errorf("synthesis service returned %s: %s", resp.Status, detail)
			return
		}

		pcm, err := io.ReadAll(resp.Body)
		if err != nil {
			errs <- err
			return
		}
		select {
		case chunks <- SynthChunk{
			SessionID:  req.SessionID,
			Sequence:   0,
			SampleRate: h.sampleRate,
			Channels:   h.channels,
			PCM:        pcm,
			Final:      true,
		}:
		case <-ctx.Done():
			errs <- ctx.Err()
		}
	}()
	return chunks, errs
}
