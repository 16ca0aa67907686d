package conversation

import (
	"errors"
	"fmt"
)

// State is the session's position in the turn-taking loop.
type State int

const (
	StateIdle State = iota
	StateListening
	StateTranscribing
	StateComposing
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateTranscribing:
		return "transcribing"
	case StateComposing:
		return "composing"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Event is one raw occurrence driving the state machine. Every callback in
// the loop (frame consumed, transcript ready, reply ready, playback ended)
// funnels into a single transition call instead of coordinating flags.
type Event int

const (
	EventListen Event = iota
	EventUtteranceFinalized
	EventTranscriptReady
	EventTranscriptEmpty
	EventReplyReady
	EventReplyFailed
	EventSpeak
	EventPlaybackEnded
	EventEnd
)

func (e Event) String() string {
	switch e {
	case EventListen:
		return "listen"
	case EventUtteranceFinalized:
		return "utterance_finalized"
	case EventTranscriptReady:
		return "transcript_ready"
	case EventTranscriptEmpty:
		return "transcript_empty"
	case EventReplyReady:
		return "reply_ready"
	case EventReplyFailed:
		return "reply_failed"
	case EventSpeak:
		return "speak"
	case EventPlaybackEnded:
		return "playback_ended"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition is returned when an event is not legal in the
// session's current state.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions maps (state, event) to the next state. EventEnd is legal
// everywhere and handled separately. EventListen doubles as barge-in out of
// Speaking.
var transitions = map[State]map[Event]State{
	StateIdle: {
		EventListen:      StateListening,
		EventReplyReady:  StateIdle, // typed send from idle
		EventReplyFailed: StateIdle,
		EventSpeak:       StateSpeaking,
	},
	StateListening: {
		EventListen:             StateListening,
		EventUtteranceFinalized: StateTranscribing,
	},
	StateTranscribing: {
		EventTranscriptReady: StateComposing,
		EventTranscriptEmpty: StateIdle,
	},
	StateComposing: {
		EventReplyReady:  StateIdle,
		EventReplyFailed: StateIdle,
		EventSpeak:       StateSpeaking,
	},
	StateSpeaking: {
		EventListen:        StateListening, // barge-in
		EventPlaybackEnded: StateIdle,
	},
}

func nextState(current State, event Event) (State, error) {
	if event == EventEnd {
		return StateIdle, nil
	}
	if next, ok := transitions[current][event]; ok {
		return next, nil
	}
	return current, fmt.Errorf("%w: %s + %s", ErrInvalidTransition, current, event)
}
