package pronounce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parlolabs/parlo-core/internal/audio"
	"github.com/parlolabs/parlo-core/internal/config"
	"github.com/parlolabs/parlo-core/internal/llm"
	"github.com/parlolabs/parlo-core/internal/stt"
)

// ErrInputInvalid is returned before transcription when the recording is too
// short or the expected text is empty.
var ErrInputInvalid = errors.New("pronunciation input invalid")

// Record is the scoring outcome. ScoreValid is false when no usable speech
// was recognized, in which case Score is meaningless.
type Record struct {
	Expected   string    `json:"expected"`
	Transcript string    `json:"transcript"`
	Score      float64   `json:"score"`
	ScoreValid bool      `json:"score_valid"`
	Feedback   string    `json:"feedback,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Transcriber converts a recording to text; satisfied by the stt router.
type Transcriber interface {
	Transcribe(ctx context.Context, seg audio.Segment, onInterim func(string)) (stt.Result, error)
}

// Completer produces qualitative feedback; satisfied by the llm chain.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Reply, error)
}

// Scorer rates a recorded utterance against the text the learner was meant
// to say. It runs outside the turn-taking loop and never touches session
// history; callers attach the Record as an annotation.
type Scorer struct {
	cfg config.PronunciationConfig
	stt Transcriber
	llm Completer
	log *slog.Logger
}

func NewScorer(cfg config.PronunciationConfig, transcriber Transcriber, completer Completer, log *slog.Logger) *Scorer {
	return &Scorer{
		cfg: cfg,
		stt: transcriber,
		llm: completer,
		log: log.With(slog.String("component", "pronunciation-scorer")),
	}
}

// Analyze transcribes the recording, scores it 0-100 against the expected
// text, and asks the model for feedback naming the mismatched words.
// Too-short or empty input is rejected before any transcription happens.
func (s *Scorer) Analyze(ctx context.Context, seg audio.Segment, expected string) (Record, error) {
	if strings.TrimSpace(expected) == "" {
		return Record{}, fmt.Errorf("%w: expected text is empty", ErrInputInvalid)
	}
	minAudio := time.Duration(s.cfg.MinAudioMS) * time.Millisecond
	if len(seg.PCM) == 0 || seg.Duration < minAudio {
		return Record{}, fmt.Errorf("%w: recording shorter than %s", ErrInputInvalid, minAudio)
	}

	result, err := s.stt.Transcribe(ctx, seg, nil)
	if err != nil {
		return Record{}, fmt.Errorf("transcribe recording: %w", err)
	}
	record := Record{
		Expected:  expected,
		Timestamp: time.Now().UTC(),
	}
	if result.NoSpeech {
		record.Feedback = "No speech was recognized in the recording. Please try again closer to the microphone."
		return record, nil
	}

	record.Transcript = result.Text
	record.Score = similarity(expected, result.Text)
	record.ScoreValid = true

	feedback, err := s.feedback(ctx, expected, result.Text, record.Score)
	if err != nil {
		// Scoring stands on its own; feedback is best-effort.
		s.log.Warn("pronunciation feedback unavailable", slog.String("error", err.Error()))
		return record, nil
	}
	record.Feedback = feedback
	return record, nil
}

func (s *Scorer) feedback(ctx context.Context, expected, transcript string, score float64) (string, error) {
	missed := mismatchedWords(expected, transcript)
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Expected sentence: %q\nWhat the learner was heard saying: %q\nSimilarity score: %.0f/100\n", expected, transcript, score)
	if len(missed) > 0 {
		fmt.Fprintf(&prompt, "Words missing or altered: %s\n", strings.Join(missed, ", "))
	}

	reply, err := s.llm.Complete(ctx, llm.Request{
		System: "You are a pronunciation coach. In two or three short sentences, tell the learner " +
			"what they pronounced well and how to fix the specific words that were missed or altered. " +
			"Be concrete and encouraging.",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt.String()}},
	})
	if err != nil {
		return "", err
	}
	return reply.Content, nil
}
