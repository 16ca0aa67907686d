package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parlolabs/parlo-core/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (r *recordingPublisher) Publish(subject string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	r.payloads = append(r.payloads, data)
	return nil
}

func (r *recordingPublisher) markerStates(t *testing.T) []string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var states []string
	for i, subj := range r.subjects {
		if strings.HasPrefix(subj, protocol.SubjectSpeakMarkerPrefix) {
			var m protocol.SpeakMarker
			if err := json.Unmarshal(r.payloads[i], &m); err != nil {
				t.Fatalf("bad marker payload: %v", err)
			}
			states = append(states, m.State)
		}
	}
	return states
}

type failingSynth struct{}

func (failingSynth) Synthesize(_ context.Context, _ SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		errs <- errors.New("quota exceeded")
	}()
	return chunks, errs
}

type rejectingSynth struct{}

func (rejectingSynth) Synthesize(_ context.Context, _ SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		errs <- fmt.Errorf("%w: empty text", ErrInvalidInput)
	}()
	return chunks, errs
}

type hangingSynth struct{ started chan struct{} }

func (h *hangingSynth) Synthesize(ctx context.Context, _ SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		close(h.started)
		<-ctx.Done()
		errs <- ctx.Err()
	}()
	return chunks, errs
}

func TestPlayCompletesAndPublishesFinishedMarker(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewPlayer(NewMockSynth(22050, 1), pub, testLogger())

	if err := p.Play(context.Background(), "s1", "m1", "bonjour", "fr-FR"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	states := pub.markerStates(t)
	if len(states) != 1 || states[0] != protocol.SpeakStateFinished {
		t.Fatalf("expected one finished marker, got %v", states)
	}
	if p.Playing("s1") {
		t.Fatal("playback resource not released after natural completion")
	}
}

func TestSynthesisFailureSurfacesUnavailable(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewPlayer(failingSynth{}, pub, testLogger())

	err := p.Play(context.Background(), "s1", "m1", "hello", "en-US")
	if !errors.Is(err, ErrSynthesisUnavailable) {
		t.Fatalf("expected ErrSynthesisUnavailable, got %v", err)
	}
	if p.Playing("s1") {
		t.Fatal("playback resource not released after failure")
	}
}

func TestInvalidInputStaysPerMessage(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewPlayer(rejectingSynth{}, pub, testLogger())

	err := p.Play(context.Background(), "s1", "m1", "", "en-US")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if errors.Is(err, ErrSynthesisUnavailable) {
		t.Fatalf("an input problem must not read as a service outage: %v", err)
	}
	if p.Playing("s1") {
		t.Fatal("playback resource not released after rejected input")
	}
}

func TestCancelStopsAndReleasesPlayback(t *testing.T) {
	pub := &recordingPublisher{}
	synth := &hangingSynth{started: make(chan struct{})}
	p := NewPlayer(synth, pub, testLogger())

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Play(context.Background(), "s1", "m1", "long reply", "en-US")
	}()
	<-synth.started
	p.Cancel("s1")

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrPlaybackCancelled) {
			t.Fatalf("expected ErrPlaybackCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not unblock playback")
	}
	if p.Playing("s1") {
		t.Fatal("playback still registered after cancel")
	}
	states := pub.markerStates(t)
	if len(states) != 1 || states[0] != protocol.SpeakStateCancelled {
		t.Fatalf("expected one cancelled marker, got %v", states)
	}
}

func TestNewPlaybackStopsPreviousFirst(t *testing.T) {
	pub := &recordingPublisher{}
	synth := &hangingSynth{started: make(chan struct{})}
	p := NewPlayer(synth, pub, testLogger())

	firstErr := make(chan error, 1)
	go func() {
		firstErr <- p.Play(context.Background(), "s1", "m1", "first", "en-US")
	}()
	<-synth.started
	synth.started = make(chan struct{})

	// Starting the second playback must fully release the first before the
	// new synthesis begins.
	secondErr := make(chan error, 1)
	go func() {
		secondErr <- p.Play(context.Background(), "s1", "m2", "second", "en-US")
	}()

	select {
	case err := <-firstErr:
		if !errors.Is(err, ErrPlaybackCancelled) {
			t.Fatalf("first playback should have been cancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first playback was not stopped by the second")
	}

	<-synth.started
	p.Cancel("s1")
	select {
	case err := <-secondErr:
		if !errors.Is(err, ErrPlaybackCancelled) {
			t.Fatalf("expected second playback cancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second playback did not stop on cancel")
	}
}

func TestCancelWhenIdleIsNoOp(t *testing.T) {
	p := NewPlayer(NewMockSynth(22050, 1), &recordingPublisher{}, testLogger())
	p.Cancel("unknown-session")
}
