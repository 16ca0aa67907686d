package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parlolabs/parlo-core/internal/llm"
)

// Mode selects the conversational protocol. It is fixed for the session's
// lifetime.
type Mode string

const (
	ModeFree   Mode = "free"
	ModeLesson Mode = "lesson"
)

// Interaction governs whether listening resumes automatically after the
// assistant finishes speaking.
type Interaction string

const (
	InteractionHandsFree  Interaction = "handsfree"
	InteractionPushToTalk Interaction = "pushtotalk"
)

// Message is one conversational turn. History is append-only and ordered.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	AudioRef  string    `json:"audio_ref,omitempty"`
}

// PronunciationNote is a scoring annotation attached to a session and, when a
// lesson is running, to its attempt. It is not a conversational turn and
// never enters the history window sent to the model.
type PronunciationNote struct {
	// QuestionIndex ties the note to a lesson question, when the caller
	// supplied one.
	QuestionIndex *int      `json:"question_index,omitempty"`
	Expected      string    `json:"expected"`
	Transcript    string    `json:"transcript"`
	Score         float64   `json:"score"`
	ScoreValid    bool      `json:"score_valid"`
	Feedback      string    `json:"feedback,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Session is one learner's active conversation. All mutable fields are
// guarded by mu; nothing is shared across sessions.
type Session struct {
	ID             string
	Owner          string
	Mode           Mode
	Interaction    Interaction
	SystemPrompt   string
	NativeLanguage string
	CreatedAt      time.Time

	// ctx spans the session's lifetime. Background work (the listen loop,
	// in-flight network calls) binds to it rather than to the HTTP request
	// that triggered it, which net/http cancels as soon as the handler
	// returns. cancel fires on session end.
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	turn          uint64
	inFlight      bool
	history       []Message
	notes         []PronunciationNote
	synthDisabled bool
	synthWarned   bool
	lastActive    time.Time
	ended         bool
}

func newSession(owner string, mode Mode, interaction Interaction, systemPrompt, nativeLanguage string) *Session {
	now := time.Now().UTC()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:             uuid.NewString(),
		ctx:            ctx,
		cancel:         cancel,
		Owner:          owner,
		Mode:           mode,
		Interaction:    interaction,
		SystemPrompt:   systemPrompt,
		NativeLanguage: nativeLanguage,
		CreatedAt:      now,
		state:          StateIdle,
		lastActive:     now,
	}
}

// Context returns the session-lifetime context; it is cancelled when the
// session ends.
func (s *Session) Context() context.Context {
	return s.ctx
}

// State reports the session's current position in the turn loop.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition applies one event. The turn token is left alone: the events of
// a single turn (finalized, transcript, reply, playback) share one token,
// which only a new turn, barge-in, or session end invalidates.
func (s *Session) transition(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := nextState(s.state, event)
	if err != nil {
		return err
	}
	s.state = next
	s.lastActive = time.Now().UTC()
	return nil
}

// invalidateTurn discards any outstanding result; a response tagged with an
// older token arriving later is dropped instead of applied out of order.
func (s *Session) invalidateTurn() {
	s.mu.Lock()
	s.turn++
	s.mu.Unlock()
}

// beginTurn marks one outbound send in flight and returns its token. A
// second send while one is in flight is rejected, not queued.
func (s *Session) beginTurn() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return 0, ErrSessionEnded
	}
	if s.inFlight {
		return 0, ErrTurnInFlight
	}
	s.inFlight = true
	s.turn++
	return s.turn, nil
}

func (s *Session) endTurn() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

// turnValid reports whether a result tagged with token may still be applied.
// A newer turn, a barge-in, or session end invalidates it.
func (s *Session) turnValid(token uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended && s.turn == token
}

// Append adds one message to the history and returns it with its assigned ID.
func (s *Session) Append(role, content string) Message {
	msg := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	s.mu.Lock()
	s.history = append(s.history, msg)
	s.lastActive = msg.Timestamp
	s.mu.Unlock()
	return msg
}

// History returns a copy of the full ordered message history.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.history...)
}

// Find returns the message with the given ID.
func (s *Session) Find(messageID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.history {
		if msg.ID == messageID {
			return msg, true
		}
	}
	return Message{}, false
}

// Window returns the most recent limit messages as model input, oldest first.
func (s *Session) Window(limit int) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := 0
	if limit > 0 && len(s.history) > limit {
		start = len(s.history) - limit
	}
	out := make([]llm.Message, 0, len(s.history)-start)
	for _, msg := range s.history[start:] {
		out = append(out, llm.Message{Role: msg.Role, Content: msg.Content})
	}
	return out
}

// Annotate attaches a pronunciation note to the session.
func (s *Session) Annotate(note PronunciationNote) {
	s.mu.Lock()
	s.notes = append(s.notes, note)
	s.lastActive = time.Now().UTC()
	s.mu.Unlock()
}

// Notes returns a copy of the session's pronunciation annotations.
func (s *Session) Notes() []PronunciationNote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PronunciationNote(nil), s.notes...)
}

// DisableSynthesis turns off auto-play for the remainder of this session.
// It reports whether the caller should surface the one-time warning.
func (s *Session) DisableSynthesis() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synthDisabled = true
	if s.synthWarned {
		return false
	}
	s.synthWarned = true
	return true
}

// SynthesisEnabled reports whether auto-play is still active.
func (s *Session) SynthesisEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.synthDisabled
}

func (s *Session) end() {
	s.mu.Lock()
	s.ended = true
	s.state = StateIdle
	s.turn++
	s.inFlight = false
	s.mu.Unlock()
	s.cancel()
}

// Ended reports whether the session has been explicitly closed.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Session) logAttrs() []any {
	return []any{
		slog.String("session", s.ID),
		slog.String("mode", string(s.Mode)),
	}
}
