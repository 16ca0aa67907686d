package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/parlolabs/parlo-core/internal/audio"
	"github.com/parlolabs/parlo-core/internal/config"
)

// uploadStrategy posts the finalized WAV segment to a remote transcription
// service. Strictly request/response; no interim text.
type uploadStrategy struct {
	cfg    config.STTConfig
	client *http.Client
}

type uploadResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	NoSpeech   bool    `json:"no_speech"`
}

func NewUploadStrategy(cfg config.STTConfig) Strategy {
	return &uploadStrategy{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		},
	}
}

func (u *uploadStrategy) Name() string { return "upload" }

func (u *uploadStrategy) Available() bool { return u.cfg.UploadEndpoint != "" }

func (u *uploadStrategy) Transcribe(ctx context.Context, seg audio.Segment, _ func(string)) (Result, error) {
	wavData, err := encodeWAV(seg.PCM, seg.SampleRate, seg.Channels)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.UploadEndpoint, bytes.NewReader(wavData))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "audio/wav")
	if u.cfg.Language != "" {
		req.Header.Set("Accept-Language", u.cfg.Language)
	}
	if u.cfg.UploadAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+u.cfg.UploadAPIKey)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("transcription service returned %s: %s", resp.Status, body)
	}

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode transcription response: %w", err)
	}
	return Result{Text: out.Text, Confidence: out.Confidence, NoSpeech: out.NoSpeech}, nil
}
