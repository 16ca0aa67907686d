package audio

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/parlolabs/parlo-core/internal/config"
	"github.com/parlolabs/parlo-core/internal/protocol"
)

// SegmentEvent is the segmenter's verdict after consuming one frame.
type SegmentEvent int

const (
	// SegmentContinue means the utterance is still open.
	SegmentContinue SegmentEvent = iota
	// SegmentFinalized means one complete utterance is ready.
	SegmentFinalized
	// SegmentDiscarded means the accumulated audio was too short or silent.
	// A discard is a no-op for the caller, not a failure.
	SegmentDiscarded
)

// Segment is one finalized utterance.
type Segment struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Duration   time.Duration
}

// Segmenter decides utterance boundaries from short-window signal energy.
// It is cooperative: the caller feeds it one frame per audio callback and
// it never spawns goroutines or blocks.
type Segmenter struct {
	cfg config.VADConfig

	buf        []byte
	sampleRate int
	channels   int

	totalMS   float64
	voicedMS  float64
	silenceMS float64
	detected  bool
}

func NewSegmenter(cfg config.VADConfig) *Segmenter {
	return &Segmenter{cfg: cfg}
}

// Feed consumes one frame and reports whether the utterance finalized,
// was discarded, or is still open. After a finalize or discard the
// segmenter is reset and ready for the next utterance.
func (s *Segmenter) Feed(frame protocol.AudioFrame) (Segment, SegmentEvent) {
	if len(frame.PCM) > 0 {
		if s.sampleRate == 0 {
			s.sampleRate = frame.SampleRate
			s.channels = frame.Channels
		}
		frameMS := pcmDurationMS(len(frame.PCM), frame.SampleRate, frame.Channels)
		s.buf = append(s.buf, frame.PCM...)
		s.totalMS += frameMS

		voiced := RMSEnergy(frame.PCM) >= s.cfg.EnergyThreshold
		if !s.detected {
			if voiced {
				s.voicedMS += frameMS
				if s.voicedMS >= float64(s.cfg.MinVoicedMS) {
					s.detected = true
					s.silenceMS = 0
				}
			}
			if !s.detected && s.totalMS >= float64(s.cfg.MaxWaitVoiceMS) {
				s.reset()
				return Segment{}, SegmentDiscarded
			}
		} else {
			if voiced {
				s.silenceMS = 0
			} else {
				s.silenceMS += frameMS
			}
			// Trailing silence ends the turn, but never before the
			// minimum recording duration has elapsed.
			if s.silenceMS >= float64(s.cfg.TrailingSilenceMS) && s.totalMS >= float64(s.cfg.MinRecordingMS) {
				return s.finalize()
			}
		}

		if s.totalMS >= float64(s.cfg.MaxRecordingMS) {
			if s.detected && s.totalMS >= float64(s.cfg.MinRecordingMS) {
				return s.finalize()
			}
			s.reset()
			return Segment{}, SegmentDiscarded
		}
	}

	if frame.Final {
		// Capture ended externally (push-to-talk release or stop).
		if s.detected && s.totalMS >= float64(s.cfg.MinRecordingMS) {
			return s.finalize()
		}
		s.reset()
		return Segment{}, SegmentDiscarded
	}

	return Segment{}, SegmentContinue
}

// Reset drops any partially accumulated utterance.
func (s *Segmenter) Reset() {
	s.reset()
}

func (s *Segmenter) finalize() (Segment, SegmentEvent) {
	seg := Segment{
		PCM:        s.buf,
		SampleRate: s.sampleRate,
		Channels:   s.channels,
		Duration:   time.Duration(s.totalMS) * time.Millisecond,
	}
	s.buf = nil
	s.reset()
	return seg, SegmentFinalized
}

func (s *Segmenter) reset() {
	s.buf = nil
	s.sampleRate = 0
	s.channels = 0
	s.totalMS = 0
	s.voicedMS = 0
	s.silenceMS = 0
	s.detected = false
}

// RMSEnergy computes root-mean-square energy over 16-bit little-endian PCM.
func RMSEnergy(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	n := len(pcm) / 2
	var sum float64
	for i := 0; i < n; i++ {
		sample := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += sample * sample
	}
	return math.Sqrt(sum / float64(n))
}

func pcmDurationMS(byteLen, sampleRate, channels int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	if channels <= 0 {
		channels = 1
	}
	samples := byteLen / 2 / channels
	return float64(samples) / float64(sampleRate) * 1000
}

// PCMDuration reports the play time of a 16-bit PCM buffer.
func PCMDuration(byteLen, sampleRate, channels int) time.Duration {
	return time.Duration(pcmDurationMS(byteLen, sampleRate, channels)) * time.Millisecond
}
