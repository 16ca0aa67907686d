package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/parlolabs/parlo-core/internal/audio"
	"github.com/parlolabs/parlo-core/internal/config"
	"github.com/parlolabs/parlo-core/internal/llm"
	"github.com/parlolabs/parlo-core/internal/protocol"
	"github.com/parlolabs/parlo-core/internal/stt"
	"github.com/parlolabs/parlo-core/internal/tts"
)

// Transcriber converts one finalized utterance into text.
type Transcriber interface {
	Transcribe(ctx context.Context, seg audio.Segment, onInterim func(string)) (stt.Result, error)
}

// Completer produces the assistant's next message.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Reply, error)
}

// Speaker plays synthesized assistant audio for a session.
type Speaker interface {
	Play(ctx context.Context, sessionID, messageID, text, voice string) error
	Cancel(sessionID string)
	Playing(sessionID string) bool
}

// Replier produces the assistant side of one accepted user turn. The default
// implementation calls the model chain; lesson mode substitutes its fixed
// question protocol.
type Replier interface {
	Reply(ctx context.Context, sess *Session, userText string) (string, error)
}

// Orchestrator composes capture, segmentation, transcription, completion and
// playback into the per-session turn-taking loop.
type Orchestrator struct {
	cfg      config.Config
	log      *slog.Logger
	sessions *Store
	capture  audio.Capture
	stt      Transcriber
	llm      Completer
	speaker  Speaker
	repliers map[Mode]Replier

	turnsStarted metric.Int64Counter
	turnsStale   metric.Int64Counter
}

func NewOrchestrator(cfg config.Config, capture audio.Capture, transcriber Transcriber, completer Completer, speaker Speaker, log *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		log:      log.With(slog.String("component", "orchestrator")),
		capture:  capture,
		stt:      transcriber,
		llm:      completer,
		speaker:  speaker,
		repliers: make(map[Mode]Replier),
	}
	o.sessions = NewStore(cfg.Sessions, log, o.releaseResources)
	o.repliers[ModeFree] = replierFunc(o.chainReply)

	meter := otel.Meter("github.com/parlolabs/parlo-core/conversation")
	if counter, err := meter.Int64Counter("conversation.turns.started"); err == nil {
		o.turnsStarted = counter
	}
	if counter, err := meter.Int64Counter("conversation.turns.stale_discarded"); err == nil {
		o.turnsStale = counter
	}
	return o
}

type replierFunc func(ctx context.Context, sess *Session, userText string) (string, error)

func (f replierFunc) Reply(ctx context.Context, sess *Session, userText string) (string, error) {
	return f(ctx, sess, userText)
}

// SetReplier installs the turn handler for a mode; lesson mode registers its
// controller here.
func (o *Orchestrator) SetReplier(mode Mode, r Replier) {
	o.repliers[mode] = r
}

// Sessions exposes the session store for the API layer.
func (o *Orchestrator) Sessions() *Store {
	return o.sessions
}

// Start creates a session. In hands-free interaction it immediately begins
// listening; push-to-talk waits for an explicit trigger.
func (o *Orchestrator) Start(ctx context.Context, owner string, mode Mode, interaction Interaction, systemPrompt string) (*Session, error) {
	sess := o.sessions.Create(owner, mode, interaction, systemPrompt)
	if interaction == InteractionHandsFree {
		if err := o.StartListening(ctx, sess.ID); err != nil {
			return sess, err
		}
	}
	return sess, nil
}

// End closes the session and releases its capture and playback resources.
func (o *Orchestrator) End(sessionID string) error {
	return o.sessions.End(sessionID)
}

func (o *Orchestrator) releaseResources(sess *Session) {
	o.speaker.Cancel(sess.ID)
	o.capture.Stop(sess.ID)
}

// StartListening acquires the microphone and begins segmenting. Called while
// the assistant is speaking it acts as barge-in: the active playback is fully
// stopped and released before capture starts.
func (o *Orchestrator) StartListening(ctx context.Context, sessionID string) error {
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return err
	}

	switch sess.State() {
	case StateListening:
		// Already capturing; the trigger is idempotent.
		return nil
	case StateSpeaking:
		// Barge-in. Playback must be released before the microphone is
		// acquired; the two are mutually exclusive per session.
		o.speaker.Cancel(sess.ID)
		sess.invalidateTurn()
	}
	if err := sess.transition(EventListen); err != nil {
		return err
	}

	frames, err := o.capture.Start(ctx, sess.ID)
	if err != nil {
		// Surface the capture error; the session stays usable.
		_ = sess.transition(EventEnd)
		return err
	}

	// The loop runs on the session's own context: the trigger request's
	// context dies when its handler returns, long before the utterance.
	go o.listen(sess.Context(), sess, frames)
	return nil
}

// StopListening releases the microphone. Any audio accumulated past the
// minimum recording duration is finalized as the utterance (push-to-talk
// release); shorter audio is discarded.
func (o *Orchestrator) StopListening(sessionID string) error {
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	// Stop closes the frame channel; the listen loop treats the close as a
	// final frame and finalizes or discards accordingly.
	o.capture.Stop(sess.ID)
	return nil
}

// listen consumes capture frames until the segmenter finalizes or discards
// one utterance, then releases the microphone before any network call.
func (o *Orchestrator) listen(ctx context.Context, sess *Session, frames <-chan protocol.AudioFrame) {
	segmenter := audio.NewSegmenter(o.cfg.VAD)
	for {
		select {
		case <-ctx.Done():
			o.capture.Stop(sess.ID)
			_ = sess.transition(EventEnd)
			return
		case frame, ok := <-frames:
			if !ok {
				// Capture stopped externally: finalize what accumulated.
				frame = protocol.AudioFrame{Final: true}
			}
			seg, event := segmenter.Feed(frame)
			switch event {
			case audio.SegmentContinue:
				if !ok {
					return
				}
				continue
			case audio.SegmentDiscarded:
				// Too short or silent. Not a failure; the user is simply
				// invited to speak again.
				o.capture.Stop(sess.ID)
				_ = sess.transition(EventEnd)
				o.log.Info("utterance discarded", sess.logAttrs()...)
				if ok {
					// The microphone timed out waiting for voice rather
					// than being released; hands-free keeps listening.
					o.maybeRelisten(ctx, sess)
				}
				return
			case audio.SegmentFinalized:
				o.capture.Stop(sess.ID)
				o.handleUtterance(ctx, sess, seg)
				return
			}
		}
	}
}

// handleUtterance drives one finalized utterance through transcription,
// completion and playback.
func (o *Orchestrator) handleUtterance(ctx context.Context, sess *Session, seg audio.Segment) {
	if err := sess.transition(EventUtteranceFinalized); err != nil {
		o.log.Warn("segment finalized in unexpected state", slog.String("error", err.Error()))
		return
	}

	result, err := o.stt.Transcribe(ctx, seg, nil)
	if err != nil {
		o.log.Warn("transcription failed", append(sess.logAttrs(), slog.String("error", err.Error()))...)
		_ = sess.transition(EventTranscriptEmpty)
		o.maybeRelisten(ctx, sess)
		return
	}
	if result.NoSpeech {
		o.log.Info("no usable speech recognized", sess.logAttrs()...)
		_ = sess.transition(EventTranscriptEmpty)
		o.maybeRelisten(ctx, sess)
		return
	}

	if err := sess.transition(EventTranscriptReady); err != nil {
		return
	}
	if _, err := o.completeTurn(ctx, sess, result.Text); err != nil {
		o.log.Warn("turn failed", append(sess.logAttrs(), slog.String("error", err.Error()))...)
	}
	o.maybeRelisten(ctx, sess)
}

// Send submits a typed user message, bypassing capture and transcription.
func (o *Orchestrator) Send(ctx context.Context, sessionID, text string) (Message, error) {
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return Message{}, err
	}
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyMessage
	}
	return o.completeTurn(ctx, sess, text)
}

// completeTurn appends the user message, obtains the assistant reply via the
// mode's replier, and speaks it. At most one turn may be in flight per
// session. On provider exhaustion the history keeps the user's message with
// no paired reply, so a resend can retry it.
func (o *Orchestrator) completeTurn(ctx context.Context, sess *Session, userText string) (Message, error) {
	token, err := sess.beginTurn()
	if err != nil {
		return Message{}, err
	}
	defer sess.endTurn()

	if o.turnsStarted != nil {
		o.turnsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", string(sess.Mode))))
	}

	sess.Append(llm.RoleUser, userText)

	replier, ok := o.repliers[sess.Mode]
	if !ok {
		replier = o.repliers[ModeFree]
	}
	replyText, err := replier.Reply(ctx, sess, userText)
	if err != nil {
		_ = sess.transition(EventReplyFailed)
		return Message{}, err
	}

	if !sess.turnValid(token) {
		// The session moved on (barge-in or end) while the call was in
		// flight; the late result is discarded, never applied out of order.
		if o.turnsStale != nil {
			o.turnsStale.Add(ctx, 1)
		}
		o.log.Info("discarding stale completion", sess.logAttrs()...)
		return Message{}, nil
	}

	msg := sess.Append(llm.RoleAssistant, replyText)

	if o.shouldSpeak(sess) {
		if err := sess.transition(EventSpeak); err == nil {
			o.speak(ctx, sess, msg)
			return msg, nil
		}
	}
	_ = sess.transition(EventReplyReady)
	return msg, nil
}

// chainReply is the free-conversation replier: system prompt plus the
// bounded trailing history window through the provider chain.
func (o *Orchestrator) chainReply(ctx context.Context, sess *Session, _ string) (string, error) {
	system := sess.SystemPrompt
	if o.cfg.LLM.Corrections {
		system += "\nAfter replying, add one short correction of the learner's most significant language mistake, if any."
	}
	reply, err := o.llm.Complete(ctx, llm.Request{
		SessionID:   sess.ID,
		System:      system,
		Messages:    sess.Window(o.cfg.Sessions.HistoryWindow),
		MaxTokens:   o.cfg.LLM.MaxTokens,
		Temperature: o.cfg.LLM.Temperature,
	})
	if err != nil {
		return "", err
	}
	return reply.Content, nil
}

func (o *Orchestrator) shouldSpeak(sess *Session) bool {
	return o.cfg.TTS.Enabled && sess.SynthesisEnabled()
}

// speak plays the assistant message and blocks until playback ends naturally
// or is cancelled by barge-in. A synthesis failure disables auto-play for
// the rest of the session after a single warning; the conversation continues
// text-only.
func (o *Orchestrator) speak(ctx context.Context, sess *Session, msg Message) {
	err := o.speaker.Play(ctx, sess.ID, msg.ID, msg.Content, o.cfg.TTS.Voice)
	switch {
	case err == nil:
		_ = sess.transition(EventPlaybackEnded)
	case errors.Is(err, tts.ErrPlaybackCancelled):
		// Barge-in already moved the session to Listening.
		return
	case errors.Is(err, tts.ErrSynthesisUnavailable):
		if sess.DisableSynthesis() {
			o.log.Warn("speech synthesis unavailable, continuing text-only for this session", sess.logAttrs()...)
		}
		_ = sess.transition(EventPlaybackEnded)
	default:
		o.log.Warn("playback failed", append(sess.logAttrs(), slog.String("error", err.Error()))...)
		_ = sess.transition(EventPlaybackEnded)
	}
}

// maybeRelisten resumes capture after a turn in hands-free interaction.
func (o *Orchestrator) maybeRelisten(ctx context.Context, sess *Session) {
	if sess.Interaction != InteractionHandsFree || sess.Ended() {
		return
	}
	if sess.State() != StateIdle {
		return
	}
	o.relisten(ctx, sess)
}

func (o *Orchestrator) relisten(ctx context.Context, sess *Session) {
	if err := o.StartListening(ctx, sess.ID); err != nil {
		o.log.Warn("failed to resume listening", append(sess.logAttrs(), slog.String("error", err.Error()))...)
	}
}

// Replay re-speaks a past assistant message, stopping any active playback
// first.
func (o *Orchestrator) Replay(ctx context.Context, sessionID, messageID string) error {
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	msg, ok := sess.Find(messageID)
	if !ok || msg.Role != llm.RoleAssistant {
		return ErrMessageNotFound
	}
	if !o.cfg.TTS.Enabled {
		return tts.ErrSynthesisUnavailable
	}
	err = o.speaker.Play(ctx, sess.ID, msg.ID, msg.Content, o.cfg.TTS.Voice)
	if errors.Is(err, tts.ErrPlaybackCancelled) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("replay message %s: %w", messageID, err)
	}
	return nil
}
