package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parlolabs/parlo-core/internal/audio"
	"github.com/parlolabs/parlo-core/internal/protocol"
)

var (
	// ErrSynthesisUnavailable marks quota or service failures. The caller
	// disables auto-play for the rest of the session and continues text-only.
	ErrSynthesisUnavailable = errors.New("speech synthesis unavailable")
	// ErrPlaybackCancelled is returned when playback was stopped by barge-in
	// or an explicit skip.
	ErrPlaybackCancelled = errors.New("playback cancelled")
	// ErrInvalidInput marks a rejected synthesis input, such as empty text.
	// It is scoped to the one message; auto-play stays enabled.
	ErrInvalidInput = errors.New("synthesis input invalid")
)

// Publisher is the bus surface the player needs. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Player converts assistant text to audio and streams it to the session's
// speaker. At most one playback is active per session; starting a new one
// fully stops and releases the previous one first.
type Player struct {
	synth Synthesizer
	pub   Publisher
	log   *slog.Logger

	mu     sync.Mutex
	active map[string]*playback
}

type playback struct {
	messageID string
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewPlayer(synth Synthesizer, pub Publisher, log *slog.Logger) *Player {
	return &Player{
		synth:  synth,
		pub:    pub,
		log:    log.With(slog.String("component", "tts-player")),
		active: make(map[string]*playback),
	}
}

// Play synthesizes text and streams it to the session speaker, blocking
// until playback finishes naturally or is cancelled. It returns
// ErrPlaybackCancelled on barge-in/skip and ErrSynthesisUnavailable when
// the synthesizer fails.
func (p *Player) Play(ctx context.Context, sessionID, messageID, text, voice string) error {
	// Whatever was playing for this session stops and releases first.
	p.Cancel(sessionID)

	playCtx, cancel := context.WithCancel(ctx)
	pb := &playback{messageID: messageID, cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	p.active[sessionID] = pb
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.active[sessionID] == pb {
			delete(p.active, sessionID)
		}
		p.mu.Unlock()
		cancel()
		close(pb.done)
	}()

	chunks, errs := p.synth.Synthesize(playCtx, SynthRequest{
		SessionID: sessionID,
		MessageID: messageID,
		Text:      text,
		Voice:     voice,
	})

	var playTime time.Duration
	sequence := 0
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			playTime += audio.PCMDuration(len(chunk.PCM), chunk.SampleRate, chunk.Channels)
			p.publishChunk(sessionID, messageID, sequence, chunk)
			sequence++
		case err, ok := <-errs:
			if ok && err != nil {
				if playCtx.Err() != nil {
					p.publishMarker(sessionID, messageID, protocol.SpeakStateCancelled)
					return ErrPlaybackCancelled
				}
				p.publishMarker(sessionID, messageID, protocol.SpeakStateCancelled)
				if errors.Is(err, ErrInvalidInput) {
					// A per-message input problem, not a service outage.
					return err
				}
				return fmt.Errorf("%w: %w", ErrSynthesisUnavailable, err)
			}
			errs = nil
		case <-playCtx.Done():
			p.publishMarker(sessionID, messageID, protocol.SpeakStateCancelled)
			return ErrPlaybackCancelled
		}
	}

	// The edge device plays the buffered audio after the last chunk lands;
	// hold Speaking for that long so turn-taking matches what the user hears.
	if playTime > 0 {
		timer := time.NewTimer(playTime)
		defer timer.Stop()
		select {
		case <-playCtx.Done():
			p.publishMarker(sessionID, messageID, protocol.SpeakStateCancelled)
			return ErrPlaybackCancelled
		case <-timer.C:
		}
	}

	p.publishMarker(sessionID, messageID, protocol.SpeakStateFinished)
	return nil
}

// Cancel synchronously stops the session's active playback, if any, and
// waits for its resources to be released. Safe to call when idle.
func (p *Player) Cancel(sessionID string) {
	p.mu.Lock()
	pb := p.active[sessionID]
	if pb != nil {
		delete(p.active, sessionID)
	}
	p.mu.Unlock()
	if pb == nil {
		return
	}
	pb.cancel()
	<-pb.done
}

// Playing reports whether the session currently has active playback.
func (p *Player) Playing(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[sessionID]
	return ok
}

func (p *Player) publishChunk(sessionID, messageID string, sequence int, chunk SynthChunk) {
	if p.pub == nil {
		return
	}
	packet := protocol.SpeakChunk{
		SessionID:  sessionID,
		MessageID:  messageID,
		Sequence:   sequence,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		PCM:        chunk.PCM,
		Final:      chunk.Final,
	}
	data, err := json.Marshal(packet)
	if err != nil {
		p.log.Warn("failed to marshal speak chunk", slog.String("error", err.Error()))
		return
	}
	if err := p.pub.Publish(protocol.SpeakAudioSubject(sessionID), data); err != nil {
		p.log.Warn("failed to publish speak chunk", slog.String("error", err.Error()))
	}
}

func (p *Player) publishMarker(sessionID, messageID, state string) {
	if p.pub == nil {
		return
	}
	marker := protocol.SpeakMarker{
		SessionID: sessionID,
		MessageID: messageID,
		State:     state,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(marker)
	if err != nil {
		return
	}
	if err := p.pub.Publish(protocol.SpeakMarkerSubject(sessionID), data); err != nil {
		p.log.Warn("failed to publish speak marker", slog.String("error", err.Error()))
	}
}
