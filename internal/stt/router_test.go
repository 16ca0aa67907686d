package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/parlolabs/parlo-core/internal/audio"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeStrategy struct {
	name      string
	available bool
	result    Result
	err       error
	interims  []string
	calls     int
}

func (f *fakeStrategy) Name() string    { return f.name }
func (f *fakeStrategy) Available() bool { return f.available }

func (f *fakeStrategy) Transcribe(_ context.Context, _ audio.Segment, onInterim func(string)) (Result, error) {
	f.calls++
	for _, text := range f.interims {
		if onInterim != nil {
			onInterim(text)
		}
	}
	return f.result, f.err
}

func seg() audio.Segment {
	return audio.Segment{PCM: []byte{0, 0, 0, 0}, SampleRate: 16000, Channels: 1}
}

func TestRouterUsesFirstAvailableStrategy(t *testing.T) {
	first := &fakeStrategy{name: "a", available: true, result: Result{Text: "hello there", Confidence: 0.9}}
	second := &fakeStrategy{name: "b", available: true, result: Result{Text: "unused", Confidence: 0.9}}
	r := NewRouterWith([]Strategy{first, second}, 0.3, time.Second, testLogger())

	res, err := r.Transcribe(context.Background(), seg(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "hello there" {
		t.Fatalf("unexpected transcript: %q", res.Text)
	}
	if second.calls != 0 {
		t.Fatal("second strategy should not run when first succeeds")
	}
}

func TestRouterFailsOverWithoutLosingTurn(t *testing.T) {
	first := &fakeStrategy{name: "a", available: true, err: errors.New("engine crashed")}
	second := &fakeStrategy{name: "b", available: true, result: Result{Text: "recovered turn", Confidence: 0.8}}
	r := NewRouterWith([]Strategy{first, second}, 0.3, time.Second, testLogger())

	res, err := r.Transcribe(context.Background(), seg(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "recovered turn" {
		t.Fatalf("fallback strategy did not serve the turn: %q", res.Text)
	}
}

func TestRouterSkipsUnavailableStrategy(t *testing.T) {
	first := &fakeStrategy{name: "a", available: false, result: Result{Text: "never"}}
	second := &fakeStrategy{name: "b", available: true, result: Result{Text: "served", Confidence: 1}}
	r := NewRouterWith([]Strategy{first, second}, 0, time.Second, testLogger())

	res, err := r.Transcribe(context.Background(), seg(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.calls != 0 {
		t.Fatal("unavailable strategy must not be invoked")
	}
	if res.Text != "served" {
		t.Fatalf("unexpected transcript: %q", res.Text)
	}
}

func TestRouterConvergenceKeepsFullerDraft(t *testing.T) {
	strat := &fakeStrategy{
		name:      "a",
		available: true,
		interims:  []string{"how are", "how are you today"},
		result:    Result{Text: "how are", Confidence: 0.9},
	}
	r := NewRouterWith([]Strategy{strat}, 0.3, time.Second, testLogger())

	var seen []string
	res, err := r.Transcribe(context.Background(), seg(), func(text string) {
		seen = append(seen, text)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "how are you today" {
		t.Fatalf("shorter final clobbered the fuller draft: %q", res.Text)
	}
	if len(seen) != 2 {
		t.Fatalf("interims not forwarded to caller: %v", seen)
	}
}

func TestRouterLowConfidenceIsNotUnderstood(t *testing.T) {
	strat := &fakeStrategy{name: "a", available: true, result: Result{Text: "mumble", Confidence: 0.1}}
	r := NewRouterWith([]Strategy{strat}, 0.5, time.Second, testLogger())

	res, err := r.Transcribe(context.Background(), seg(), nil)
	if err != nil {
		t.Fatalf("low confidence must not be a hard error: %v", err)
	}
	if !res.NoSpeech {
		t.Fatalf("expected not-understood result, got %+v", res)
	}
}

func TestRouterEmptyTranscriptIsNotUnderstood(t *testing.T) {
	strat := &fakeStrategy{name: "a", available: true, result: Result{Text: "   ", Confidence: 0.9}}
	r := NewRouterWith([]Strategy{strat}, 0.3, time.Second, testLogger())

	res, err := r.Transcribe(context.Background(), seg(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.NoSpeech {
		t.Fatalf("expected not-understood result, got %+v", res)
	}
}

func TestRouterAllStrategiesFailed(t *testing.T) {
	first := &fakeStrategy{name: "a", available: true, err: errors.New("down")}
	second := &fakeStrategy{name: "b", available: true, err: errors.New("also down")}
	r := NewRouterWith([]Strategy{first, second}, 0.3, time.Second, testLogger())

	_, err := r.Transcribe(context.Background(), seg(), nil)
	if !errors.Is(err, ErrAllStrategiesFailed) {
		t.Fatalf("expected ErrAllStrategiesFailed, got %v", err)
	}
}
