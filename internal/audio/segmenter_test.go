package audio

import (
	"encoding/binary"
	"testing"

	"github.com/parlolabs/parlo-core/internal/config"
	"github.com/parlolabs/parlo-core/internal/protocol"
)

const testSampleRate = 16000

func testVADConfig() config.VADConfig {
	return config.VADConfig{
		EnergyThreshold:   500,
		MinVoicedMS:       100,
		TrailingSilenceMS: 900,
		MinRecordingMS:    600,
		MaxRecordingMS:    10000,
		MaxWaitVoiceMS:    3000,
	}
}

// pcmFrame builds durationMS of mono 16-bit PCM at constant amplitude.
func pcmFrame(durationMS int, amplitude int16) protocol.AudioFrame {
	samples := testSampleRate * durationMS / 1000
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(amplitude))
	}
	return protocol.AudioFrame{SampleRate: testSampleRate, Channels: 1, PCM: pcm}
}

func feedMS(t *testing.T, s *Segmenter, totalMS, frameMS int, amplitude int16) (Segment, SegmentEvent) {
	t.Helper()
	for fed := 0; fed < totalMS; fed += frameMS {
		seg, ev := s.Feed(pcmFrame(frameMS, amplitude))
		if ev != SegmentContinue {
			return seg, ev
		}
	}
	return Segment{}, SegmentContinue
}

func TestSilentTraceDiscardsAtMaxWait(t *testing.T) {
	s := NewSegmenter(testVADConfig())
	seg, ev := feedMS(t, s, 4000, 20, 10)
	if ev != SegmentDiscarded {
		t.Fatalf("expected discard for all-silent trace, got event %v (segment %d bytes)", ev, len(seg.PCM))
	}
}

func TestVoicedThenTrailingSilenceFinalizes(t *testing.T) {
	s := NewSegmenter(testVADConfig())
	if _, ev := feedMS(t, s, 1000, 20, 2000); ev != SegmentContinue {
		t.Fatalf("unexpected event during voiced portion: %v", ev)
	}
	seg, ev := feedMS(t, s, 1500, 20, 10)
	if ev != SegmentFinalized {
		t.Fatalf("expected finalize after trailing silence, got %v", ev)
	}
	if seg.SampleRate != testSampleRate || seg.Channels != 1 {
		t.Fatalf("segment format not carried through: %+v", seg)
	}
	if seg.Duration < 1500*1000000 { // at least 1.5s of audio accumulated
		t.Fatalf("segment duration too short: %v", seg.Duration)
	}
}

func TestShortUtteranceDiscardedOnFinalFrame(t *testing.T) {
	s := NewSegmenter(testVADConfig())
	// 200ms of speech: voice detected, but below min recording duration.
	if _, ev := feedMS(t, s, 200, 20, 2000); ev != SegmentContinue {
		t.Fatalf("unexpected event during short utterance: %v", ev)
	}
	_, ev := s.Feed(protocol.AudioFrame{Final: true})
	if ev != SegmentDiscarded {
		t.Fatalf("expected discard for utterance below min duration, got %v", ev)
	}
}

func TestStopNotHonoredBeforeMinRecording(t *testing.T) {
	cfg := testVADConfig()
	cfg.MinRecordingMS = 2000
	s := NewSegmenter(cfg)
	// 300ms voice then a full trailing-silence window: min recording not
	// reached yet, so the segment must stay open.
	if _, ev := feedMS(t, s, 300, 20, 2000); ev != SegmentContinue {
		t.Fatalf("unexpected event during voiced portion: %v", ev)
	}
	if _, ev := feedMS(t, s, 1000, 20, 10); ev != SegmentContinue {
		t.Fatalf("trailing silence honored before min recording duration: %v", ev)
	}
	// After the minimum elapses the standing silence finalizes the turn.
	seg, ev := feedMS(t, s, 1500, 20, 10)
	if ev != SegmentFinalized {
		t.Fatalf("expected finalize once min recording reached, got %v", ev)
	}
	if len(seg.PCM) == 0 {
		t.Fatal("finalized segment carries no audio")
	}
}

func TestClickRejectedByMinVoicedDuration(t *testing.T) {
	s := NewSegmenter(testVADConfig())
	// A 40ms pop is below the 100ms cumulative voiced requirement.
	if _, ev := feedMS(t, s, 40, 20, 3000); ev != SegmentContinue {
		t.Fatal("click should not finalize anything")
	}
	seg, ev := feedMS(t, s, 4000, 20, 10)
	if ev != SegmentDiscarded {
		t.Fatalf("expected discard, click alone must not count as speech (got %v, %d bytes)", ev, len(seg.PCM))
	}
}

func TestMaxRecordingForcesFinalize(t *testing.T) {
	cfg := testVADConfig()
	cfg.MaxRecordingMS = 2000
	s := NewSegmenter(cfg)
	seg, ev := feedMS(t, s, 3000, 20, 2000)
	if ev != SegmentFinalized {
		t.Fatalf("expected forced finalize at max recording, got %v", ev)
	}
	if seg.Duration == 0 {
		t.Fatal("expected non-zero duration")
	}
}

func TestSegmenterResetsBetweenUtterances(t *testing.T) {
	s := NewSegmenter(testVADConfig())
	feedMS(t, s, 1000, 20, 2000)
	if _, ev := feedMS(t, s, 1500, 20, 10); ev != SegmentFinalized {
		t.Fatal("first utterance did not finalize")
	}
	// Second utterance goes through the full detection cycle again.
	if _, ev := feedMS(t, s, 1000, 20, 2000); ev != SegmentContinue {
		t.Fatal("second utterance should still be open")
	}
	if _, ev := feedMS(t, s, 1500, 20, 10); ev != SegmentFinalized {
		t.Fatal("second utterance did not finalize")
	}
}

func TestRMSEnergy(t *testing.T) {
	if got := RMSEnergy(nil); got != 0 {
		t.Fatalf("expected zero energy for empty pcm, got %v", got)
	}
	loud := pcmFrame(20, 2000)
	quiet := pcmFrame(20, 10)
	if RMSEnergy(loud.PCM) <= RMSEnergy(quiet.PCM) {
		t.Fatal("expected loud frame to carry more energy than quiet frame")
	}
}
