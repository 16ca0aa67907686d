package conversation

import (
	"errors"
	"testing"
)

func TestTurnLoopTransitions(t *testing.T) {
	steps := []struct {
		event Event
		want  State
	}{
		{EventListen, StateListening},
		{EventUtteranceFinalized, StateTranscribing},
		{EventTranscriptReady, StateComposing},
		{EventSpeak, StateSpeaking},
		{EventPlaybackEnded, StateIdle},
	}
	state := StateIdle
	for _, step := range steps {
		next, err := nextState(state, step.event)
		if err != nil {
			t.Fatalf("%s + %s: %v", state, step.event, err)
		}
		if next != step.want {
			t.Fatalf("%s + %s = %s, want %s", state, step.event, next, step.want)
		}
		state = next
	}
}

func TestBargeInIsLegalOnlyWhileSpeaking(t *testing.T) {
	if _, err := nextState(StateSpeaking, EventListen); err != nil {
		t.Fatalf("barge-in from speaking must be legal: %v", err)
	}
	if _, err := nextState(StateComposing, EventListen); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("listening during composing must be rejected, got %v", err)
	}
	if _, err := nextState(StateTranscribing, EventSpeak); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("speaking from transcribing must be rejected, got %v", err)
	}
}

func TestEndIsLegalFromEveryState(t *testing.T) {
	for _, state := range []State{StateIdle, StateListening, StateTranscribing, StateComposing, StateSpeaking} {
		next, err := nextState(state, EventEnd)
		if err != nil {
			t.Fatalf("end from %s: %v", state, err)
		}
		if next != StateIdle {
			t.Fatalf("end from %s = %s, want idle", state, next)
		}
	}
}
