package stt

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
	"github.com/parlolabs/parlo-core/internal/audio"
	"github.com/parlolabs/parlo-core/internal/config"
)

// streamStrategy runs a local recognizer process per utterance. The engine
// writes NDJSON lines to stdout; non-final lines are interim drafts, the
// final line closes the result. If the engine binary disappears or the
// process fails, the router falls over to the upload strategy.
type streamStrategy struct {
	cmd []string
	cfg config.STTConfig
	mu  sync.Mutex
}

type streamLine struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Final      bool    `json:"final"`
}

func NewStreamStrategy(cfg config.STTConfig) (Strategy, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &streamStrategy{cmd: args, cfg: cfg}, nil
}

func (s *streamStrategy) Name() string { return "stream" }

func (s *streamStrategy) Available() bool {
	_, err := exec.LookPath(s.cmd[0])
	return err == nil
}

func (s *streamStrategy) Transcribe(ctx context.Context, seg audio.Segment, onInterim func(string)) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.CreateTemp("", "parlo_stt_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, seg.PCM, seg.SampleRate, seg.Channels); err != nil {
		return Result{}, err
	}

	args := append([]string{}, s.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if s.cfg.ModelPath != "" {
		args = append(args, "--model", s.cfg.ModelPath)
	}
	if s.cfg.Language != "" {
		args = append(args, "--language", s.cfg.Language)
	}
	if s.cfg.PublishInterim {
		args = append(args, "--interim")
	}

	command := exec.CommandContext(ctx, s.cmd[0], args...)
	stdout, err := command.StdoutPipe()
	if err != nil {
		return Result{}, err
	}
	if err := command.Start(); err != nil {
		return Result{}, fmt.Errorf("start stt engine: %w", err)
	}

	var last Result
	var sawFinal bool
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp streamLine
		if err := json.Unmarshal(line, &resp); err != nil {
			_ = command.Wait()
			return Result{}, fmt.Errorf("decode stt engine output: %w", err)
		}
		if resp.Final {
			last = Result{Text: resp.Text, Confidence: resp.Confidence}
			sawFinal = true
			continue
		}
		if onInterim != nil && resp.Text != "" {
			onInterim(resp.Text)
		}
	}
	if err := command.Wait(); err != nil {
		return Result{}, fmt.Errorf("stt engine failed: %w", err)
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return Result{}, scanErr
	}
	if !sawFinal {
		return Result{NoSpeech: true}, nil
	}
	return last, nil
}
