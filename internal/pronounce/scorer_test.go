package pronounce

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/parlolabs/parlo-core/internal/audio"
	"github.com/parlolabs/parlo-core/internal/config"
	"github.com/parlolabs/parlo-core/internal/llm"
	"github.com/parlolabs/parlo-core/internal/stt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTranscriber struct {
	result stt.Result
	err    error
	calls  int
}

func (t *fakeTranscriber) Transcribe(_ context.Context, _ audio.Segment, _ func(string)) (stt.Result, error) {
	t.calls++
	return t.result, t.err
}

type fakeCompleter struct {
	reply    string
	err      error
	requests []llm.Request
}

func (c *fakeCompleter) Complete(_ context.Context, req llm.Request) (llm.Reply, error) {
	c.requests = append(c.requests, req)
	if c.err != nil {
		return llm.Reply{}, c.err
	}
	return llm.Reply{Content: c.reply}, nil
}

func segmentOf(ms int) audio.Segment {
	return audio.Segment{
		PCM:        make([]byte, ms*32), // 16kHz mono 16-bit
		SampleRate: 16000,
		Channels:   1,
		Duration:   time.Duration(ms) * time.Millisecond,
	}
}

func newScorer(transcriber *fakeTranscriber, completer *fakeCompleter) *Scorer {
	return NewScorer(config.PronunciationConfig{MinAudioMS: 300}, transcriber, completer, testLogger())
}

func TestAnalyzeRejectsShortOrEmptyInput(t *testing.T) {
	transcriber := &fakeTranscriber{}
	scorer := newScorer(transcriber, &fakeCompleter{})

	if _, err := scorer.Analyze(context.Background(), segmentOf(100), "hello"); !errors.Is(err, ErrInputInvalid) {
		t.Fatalf("short recording: expected ErrInputInvalid, got %v", err)
	}
	if _, err := scorer.Analyze(context.Background(), segmentOf(500), "  "); !errors.Is(err, ErrInputInvalid) {
		t.Fatalf("empty expected text: expected ErrInputInvalid, got %v", err)
	}
	if transcriber.calls != 0 {
		t.Fatalf("invalid input must be rejected before transcription, calls=%d", transcriber.calls)
	}
}

func TestAnalyzeScoresAndRequestsFeedback(t *testing.T) {
	transcriber := &fakeTranscriber{result: stt.Result{Text: "hello how are you", Confidence: 0.9}}
	completer := &fakeCompleter{reply: "Nice rhythm; work on the final word."}
	scorer := newScorer(transcriber, completer)

	record, err := scorer.Analyze(context.Background(), segmentOf(1000), "Hello, how are you today?")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !record.ScoreValid || record.Score <= 0 || record.Score >= 100 {
		t.Fatalf("expected a partial score, got %+v", record)
	}
	if record.Feedback != completer.reply {
		t.Fatalf("feedback = %q", record.Feedback)
	}
	if len(completer.requests) != 1 {
		t.Fatalf("expected one feedback call, got %d", len(completer.requests))
	}
	if !strings.Contains(completer.requests[0].Messages[0].Content, "today") {
		t.Fatalf("feedback prompt must name the mismatched words: %q", completer.requests[0].Messages[0].Content)
	}
}

func TestAnalyzeHandlesNoSpeech(t *testing.T) {
	transcriber := &fakeTranscriber{result: stt.Result{NoSpeech: true}}
	completer := &fakeCompleter{}
	scorer := newScorer(transcriber, completer)

	record, err := scorer.Analyze(context.Background(), segmentOf(1000), "hello")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if record.ScoreValid {
		t.Fatal("no-speech result must not carry a valid score")
	}
	if record.Feedback == "" {
		t.Fatal("learner should be invited to retry")
	}
	if len(completer.requests) != 0 {
		t.Fatal("no feedback call without a transcript")
	}
}

func TestAnalyzeSurvivesFeedbackFailure(t *testing.T) {
	transcriber := &fakeTranscriber{result: stt.Result{Text: "bonjour", Confidence: 0.8}}
	completer := &fakeCompleter{err: llm.ErrProvidersExhausted}
	scorer := newScorer(transcriber, completer)

	record, err := scorer.Analyze(context.Background(), segmentOf(1000), "bonjour")
	if err != nil {
		t.Fatalf("scoring must not fail with feedback: %v", err)
	}
	if !record.ScoreValid || record.Score != 100 {
		t.Fatalf("expected perfect score, got %+v", record)
	}
	if record.Feedback != "" {
		t.Fatalf("feedback should be empty on provider failure, got %q", record.Feedback)
	}
}

func TestSimilarityNormalization(t *testing.T) {
	if got := similarity("Hello, how are you?", "hello how are you"); got != 100 {
		t.Fatalf("punctuation and case must not affect the score, got %v", got)
	}
	if got := similarity("hello", "goodbye"); got >= 50 {
		t.Fatalf("dissimilar strings scored too high: %v", got)
	}
	partial := similarity("the quick brown fox", "the quick brown")
	if partial <= 50 || partial >= 100 {
		t.Fatalf("prefix match should score between 50 and 100, got %v", partial)
	}
}

func TestMismatchedWords(t *testing.T) {
	missed := mismatchedWords("hello how are you today", "hello how are you")
	if len(missed) != 1 || missed[0] != "today" {
		t.Fatalf("expected [today], got %v", missed)
	}
	if missed := mismatchedWords("bonjour", "bonjour"); missed != nil {
		t.Fatalf("identical text must miss nothing, got %v", missed)
	}
}
