package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/parlolabs/parlo-core/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrProvidersExhausted is returned when every provider in the chain failed.
var ErrProvidersExhausted = errors.New("all language model providers failed")

// Chain tries providers strictly in configured order and halts at the first
// success. Each call is bounded by callTimeout; the traversal as a whole by
// overallTimeout, so a session can never sit in Composing indefinitely.
type Chain struct {
	providers      []Provider
	callTimeout    time.Duration
	overallTimeout time.Duration
	log            *slog.Logger
	attempts       metric.Int64Counter
	failures       metric.Int64Counter
}

// NewChain assembles the provider order from config.
func NewChain(cfg config.LLMConfig, log *slog.Logger) (*Chain, error) {
	providers := make([]Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		switch pc.Mode {
		case "ollama":
			providers = append(providers, NewOllamaProvider(pc.Name, pc.Endpoint, pc.Model))
		case "openai":
			providers = append(providers, NewOpenAIProvider(pc.Name, pc.Endpoint, pc.APIKey, pc.Model))
		case "exec":
			p, err := NewExecProvider(pc.Name, pc.Command)
			if err != nil {
				return nil, err
			}
			providers = append(providers, p)
		case "mock":
			providers = append(providers, NewMockProvider(pc.Name))
		default:
			return nil, fmt.Errorf("unknown llm provider mode %q", pc.Mode)
		}
	}
	return NewChainWith(providers,
		time.Duration(cfg.CallTimeoutMS)*time.Millisecond,
		time.Duration(cfg.OverallTimeoutMS)*time.Millisecond,
		log), nil
}

// NewChainWith builds a chain over an explicit provider order.
func NewChainWith(providers []Provider, callTimeout, overallTimeout time.Duration, log *slog.Logger) *Chain {
	c := &Chain{
		providers:      providers,
		callTimeout:    callTimeout,
		overallTimeout: overallTimeout,
		log:            log.With(slog.String("component", "llm-chain")),
	}
	meter := otel.Meter("github.com/parlolabs/parlo-core/llm")
	if counter, err := meter.Int64Counter("llm.provider.attempts"); err == nil {
		c.attempts = counter
	}
	if counter, err := meter.Int64Counter("llm.provider.failures"); err == nil {
		c.failures = counter
	}
	return c
}

// Complete produces the assistant's next message, or ErrProvidersExhausted.
// The chain never mutates conversation state; history handling stays with
// the caller.
func (c *Chain) Complete(ctx context.Context, req Request) (Reply, error) {
	if c.overallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.overallTimeout)
		defer cancel()
	}

	var lastErr error
	for _, p := range c.providers {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		callCtx := ctx
		var cancel context.CancelFunc
		if c.callTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.callTimeout)
		}
		start := time.Now()
		reply, err := p.Complete(callCtx, req)
		if cancel != nil {
			cancel()
		}
		latency := time.Since(start)
		c.record(ctx, p.Name(), err)
		if err != nil {
			lastErr = err
			c.log.Warn("provider failed, trying next",
				slog.String("provider", p.Name()),
				slog.Duration("latency", latency),
				slog.String("error", err.Error()))
			continue
		}
		reply.Provider = p.Name()
		reply.Latency = latency
		c.log.Info("completion produced",
			slog.String("provider", p.Name()),
			slog.Duration("latency", latency))
		return reply, nil
	}
	if lastErr != nil {
		return Reply{}, fmt.Errorf("%w: %w", ErrProvidersExhausted, lastErr)
	}
	return Reply{}, ErrProvidersExhausted
}

func (c *Chain) record(ctx context.Context, provider string, err error) {
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	if c.attempts != nil {
		c.attempts.Add(ctx, 1, attrs)
	}
	if err != nil && c.failures != nil {
		c.failures.Add(ctx, 1, attrs)
	}
}
