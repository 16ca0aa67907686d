package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parlolabs/parlo-core/internal/audio"
	"github.com/parlolabs/parlo-core/internal/config"
)

// ErrAllStrategiesFailed is returned when every configured strategy errored.
var ErrAllStrategiesFailed = errors.New("all transcription strategies failed")

// Router converts one finalized utterance into text through an ordered list
// of interchangeable strategies, failing over transparently without losing
// the in-progress turn.
type Router struct {
	strategies    []Strategy
	minConfidence float64
	timeout       time.Duration
	log           *slog.Logger
}

// NewRouter assembles the strategy order from config: the preferred
// strategy first, the remote upload as fallback when configured.
func NewRouter(cfg config.STTConfig, log *slog.Logger) (*Router, error) {
	var strategies []Strategy
	switch cfg.Strategy {
	case "stream":
		stream, err := NewStreamStrategy(cfg)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, stream)
		if cfg.UploadEndpoint != "" {
			strategies = append(strategies, NewUploadStrategy(cfg))
		}
	case "upload":
		strategies = append(strategies, NewUploadStrategy(cfg))
	case "mock":
		strategies = append(strategies, NewMockStrategy())
	default:
		return nil, fmt.Errorf("unknown stt strategy %q", cfg.Strategy)
	}
	return NewRouterWith(strategies, cfg.MinConfidence, time.Duration(cfg.RequestTimeoutMS)*time.Millisecond, log), nil
}

// NewRouterWith builds a router over an explicit strategy order.
func NewRouterWith(strategies []Strategy, minConfidence float64, timeout time.Duration, log *slog.Logger) *Router {
	return &Router{
		strategies:    strategies,
		minConfidence: minConfidence,
		timeout:       timeout,
		log:           log.With(slog.String("component", "stt-router")),
	}
}

// Transcribe runs the segment through the first available strategy, falling
// over on error. A final transcript is accepted only if it is at least as
// long as the longest interim draft already produced, so a truncated result
// never clobbers a fuller one. An empty or low-confidence transcript yields
// Result.NoSpeech rather than an error.
func (r *Router) Transcribe(ctx context.Context, seg audio.Segment, onInterim func(string)) (Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var draft string
	trackInterim := func(text string) {
		if len(text) > len(draft) {
			draft = text
		}
		if onInterim != nil {
			onInterim(text)
		}
	}

	var lastErr error
	for _, strat := range r.strategies {
		if !strat.Available() {
			r.log.Debug("strategy unavailable, skipping", slog.String("strategy", strat.Name()))
			continue
		}
		res, err := strat.Transcribe(ctx, seg, trackInterim)
		if err != nil {
			lastErr = err
			r.log.Warn("transcription strategy failed, falling over",
				slog.String("strategy", strat.Name()),
				slog.String("error", err.Error()))
			continue
		}
		return r.converge(res, draft), nil
	}
	if lastErr != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrAllStrategiesFailed, lastErr)
	}
	return Result{}, ErrAllStrategiesFailed
}

func (r *Router) converge(res Result, draft string) Result {
	text := strings.TrimSpace(res.Text)
	// A shorter final must not replace a fuller draft already shown.
	if len(text) < len(draft) {
		text = draft
		res.Confidence = 0
	}
	if res.NoSpeech || text == "" {
		return Result{NoSpeech: true}
	}
	if r.minConfidence > 0 && res.Confidence > 0 && res.Confidence < r.minConfidence {
		return Result{NoSpeech: true}
	}
	res.Text = text
	return res
}
