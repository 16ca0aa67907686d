package tts

import (
	"fmt"
	"time"

	"github.com/parlolabs/parlo-core/internal/config"
)

// NewFromConfig builds the configured synthesizer backend.
func NewFromConfig(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "http":
		return NewHTTPSynth(cfg.Endpoint, cfg.APIKey, cfg.SampleRate, cfg.Channels,
			time.Duration(cfg.RequestTimeoutMS)*time.Millisecond), nil
	case "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}
