package lesson

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parlolabs/parlo-core/internal/config"
	"github.com/parlolabs/parlo-core/internal/conversation"
	"github.com/parlolabs/parlo-core/internal/llm"
)

var (
	// ErrLessonActive is returned when a session already has a running lesson.
	ErrLessonActive = errors.New("lesson already active for session")
	// ErrNoActiveLesson is returned when a lesson turn arrives with no lesson bound.
	ErrNoActiveLesson = errors.New("no active lesson for session")
	// ErrLessonCompleted is returned for turns after the closing assessment.
	ErrLessonCompleted = errors.New("lesson already completed")
	// ErrNoQuestions is returned when neither questions nor a topic is given.
	ErrNoQuestions = errors.New("lesson needs questions or a topic")
	// ErrNotLessonSession is returned when the session is not in lesson mode.
	ErrNotLessonSession = errors.New("session is not in lesson mode")
)

// Controller runs the fixed-question protocol over a lesson session: each
// accepted answer advances an index and surfaces the next fixed question;
// the Nth answer triggers the single closing assessment. The model is called
// only for optional question generation and for that one assessment, never
// for per-turn replies.
type Controller struct {
	cfg   config.Config
	llm   conversation.Completer
	store *Store
	log   *slog.Logger

	mu     sync.Mutex
	active map[string]*run
}

type run struct {
	attempt   Attempt
	index     int
	completed bool
}

func NewController(cfg config.Config, completer conversation.Completer, store *Store, log *slog.Logger) *Controller {
	return &Controller{
		cfg:    cfg,
		llm:    completer,
		store:  store,
		log:    log.With(slog.String("component", "lesson-controller")),
		active: make(map[string]*run),
	}
}

// Start binds a fixed question list to the session and returns the first
// question. When only a topic is given, the list is generated by one model
// call. The list is immutable for the rest of the lesson.
func (c *Controller) Start(ctx context.Context, sess *conversation.Session, questions []string, topic string, count int) (Attempt, string, error) {
	if sess.Mode != conversation.ModeLesson {
		return Attempt{}, "", ErrNotLessonSession
	}

	c.mu.Lock()
	if _, ok := c.active[sess.ID]; ok {
		c.mu.Unlock()
		return Attempt{}, "", ErrLessonActive
	}
	c.mu.Unlock()

	if len(questions) == 0 {
		if strings.TrimSpace(topic) == "" {
			return Attempt{}, "", ErrNoQuestions
		}
		generated, err := c.generateQuestions(ctx, sess, topic, count)
		if err != nil {
			return Attempt{}, "", fmt.Errorf("generate questions: %w", err)
		}
		questions = generated
	}

	attempt := Attempt{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		Owner:     sess.Owner,
		Topic:     topic,
		Questions: questions,
		StartedAt: time.Now().UTC(),
	}

	c.mu.Lock()
	if _, ok := c.active[sess.ID]; ok {
		c.mu.Unlock()
		return Attempt{}, "", ErrLessonActive
	}
	c.active[sess.ID] = &run{attempt: attempt}
	c.mu.Unlock()

	first := questions[0]
	sess.Append(llm.RoleAssistant, first)
	c.log.Info("lesson started",
		slog.String("session", sess.ID),
		slog.String("attempt", attempt.ID),
		slog.Int("questions", len(questions)))
	return attempt, first, nil
}

// Reply consumes one accepted answer. It satisfies the orchestrator's turn
// handler for lesson-mode sessions: intermediate answers get the next fixed
// question without touching the model; the final answer triggers the one
// consolidated assessment, persists the attempt, and closes the lesson.
func (c *Controller) Reply(ctx context.Context, sess *conversation.Session, answer string) (string, error) {
	c.mu.Lock()
	r, ok := c.active[sess.ID]
	if !ok {
		c.mu.Unlock()
		return "", ErrNoActiveLesson
	}
	if r.completed {
		c.mu.Unlock()
		return "", ErrLessonCompleted
	}
	r.attempt.Answers = append(r.attempt.Answers, answer)
	r.index++
	remaining := len(r.attempt.Questions) - r.index
	var next string
	if remaining > 0 {
		next = r.attempt.Questions[r.index]
	}
	snapshot := r.attempt
	c.mu.Unlock()

	if remaining > 0 {
		return next, nil
	}

	assessment, err := c.assess(ctx, sess, snapshot)
	if err != nil {
		c.rollbackAnswer(sess.ID)
		return "", err
	}

	now := time.Now().UTC()
	snapshot.Assessment = assessment
	snapshot.ClosedAt = &now

	// Pick up notes annotated while the assessment call was in flight.
	c.mu.Lock()
	if cur, ok := c.active[sess.ID]; ok {
		snapshot.Pronunciations = cur.attempt.Pronunciations
	}
	c.mu.Unlock()

	// The attempt must be retrievable later; an unpersisted assessment is
	// treated like a failed one so the closing turn can be resubmitted.
	if err := c.store.Save(ctx, snapshot); err != nil {
		c.rollbackAnswer(sess.ID)
		return "", fmt.Errorf("persist lesson attempt: %w", err)
	}

	c.mu.Lock()
	if cur, ok := c.active[sess.ID]; ok {
		snapshot.Pronunciations = cur.attempt.Pronunciations
		cur.attempt = snapshot
		cur.completed = true
	}
	c.mu.Unlock()

	c.log.Info("lesson completed",
		slog.String("session", sess.ID),
		slog.String("attempt", snapshot.ID))
	return assessment, nil
}

// rollbackAnswer undoes the final answer so the closing turn can be retried;
// accepting a fresh answer instead would overflow the fixed question list.
func (c *Controller) rollbackAnswer(sessionID string) {
	c.mu.Lock()
	if r, ok := c.active[sessionID]; ok && !r.completed && r.index > 0 {
		r.attempt.Answers = r.attempt.Answers[:len(r.attempt.Answers)-1]
		r.index--
	}
	c.mu.Unlock()
}

// Annotate attaches a pronunciation note to the session's lesson attempt.
// Notes on a still-running lesson are persisted with the attempt at close;
// notes on a completed one are written through immediately.
func (c *Controller) Annotate(ctx context.Context, sessionID string, note conversation.PronunciationNote) error {
	c.mu.Lock()
	r, ok := c.active[sessionID]
	if !ok {
		c.mu.Unlock()
		return ErrNoActiveLesson
	}
	r.attempt.Pronunciations = append(r.attempt.Pronunciations, note)
	snapshot := r.attempt
	completed := r.completed
	c.mu.Unlock()

	if completed {
		return c.store.Save(ctx, snapshot)
	}
	return nil
}

// assess makes the lesson's single model call: one consolidated closing
// assessment, written in the learner's native language, covering every
// question/answer pair.
func (c *Controller) assess(ctx context.Context, sess *conversation.Session, attempt Attempt) (string, error) {
	native := sess.NativeLanguage
	if native == "" {
		native = c.cfg.Sessions.NativeLanguage
	}
	var sb strings.Builder
	for i, q := range attempt.Questions {
		answer := ""
		if i < len(attempt.Answers) {
			answer = attempt.Answers[i]
		}
		fmt.Fprintf(&sb, "Q%d: %s\nA%d: %s\n", i+1, q, i+1, answer)
	}

	reply, err := c.llm.Complete(ctx, llm.Request{
		SessionID: sess.ID,
		System: fmt.Sprintf(
			"You are a language tutor reviewing a finished practice lesson. "+
				"Write one consolidated assessment of the learner's answers, in %s, "+
				"covering strengths and the most important corrections across all answers. "+
				"Do not ask further questions.", native),
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
		MaxTokens:   c.cfg.LLM.MaxTokens,
		Temperature: c.cfg.LLM.Temperature,
	})
	if err != nil {
		return "", err
	}
	return reply.Content, nil
}

// generateQuestions asks the model for count short spoken-practice questions
// about the topic, one per line.
func (c *Controller) generateQuestions(ctx context.Context, sess *conversation.Session, topic string, count int) ([]string, error) {
	if count <= 0 {
		count = 3
	}
	reply, err := c.llm.Complete(ctx, llm.Request{
		SessionID: sess.ID,
		System: fmt.Sprintf(
			"You create spoken-practice questions for a language learner. "+
				"Produce exactly %d short questions about the given topic, one per line, "+
				"with no numbering and no extra commentary.", count),
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: topic}},
		MaxTokens:   c.cfg.LLM.MaxTokens,
		Temperature: c.cfg.LLM.Temperature,
	})
	if err != nil {
		return nil, err
	}
	questions := parseQuestionLines(reply.Content, count)
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}
	return questions, nil
}

func parseQuestionLines(text string, limit int) []string {
	var questions []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*0123456789.) ")
		if line == "" {
			continue
		}
		questions = append(questions, line)
		if limit > 0 && len(questions) == limit {
			break
		}
	}
	return questions
}

// Snapshot returns the session's current attempt, completed or not.
func (c *Controller) Snapshot(sessionID string) (Attempt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.active[sessionID]
	if !ok {
		return Attempt{}, false
	}
	return r.attempt, true
}

// Abandon drops the session's lesson run without persisting. Called on
// session end for lessons that never reached the assessment.
func (c *Controller) Abandon(sessionID string) {
	c.mu.Lock()
	delete(c.active, sessionID)
	c.mu.Unlock()
}
