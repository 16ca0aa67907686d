package stt

import (
	"context"

	"github.com/parlolabs/parlo-core/internal/audio"
)

// Result is the uniform transcription outcome shared by all strategies.
type Result struct {
	Text       string
	Confidence float64
	// NoSpeech reports that the service found no usable speech. It is a
	// valid outcome, not an error; the caller invites the user to repeat.
	NoSpeech bool
}

// Strategy converts one finalized utterance into text. Implementations are
// interchangeable and hot-swappable; onInterim receives unstable draft text
// when the strategy produces it incrementally (it may never be called).
type Strategy interface {
	Name() string
	// Available probes whether the strategy can currently serve requests.
	Available() bool
	Transcribe(ctx context.Context, seg audio.Segment, onInterim func(string)) (Result, error)
}
