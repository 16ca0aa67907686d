package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type ollamaProvider struct {
	name     string
	endpoint string
	model    string
}

// NewOllamaProvider builds a provider against an Ollama chat endpoint.
func NewOllamaProvider(name, endpoint, model string) Provider {
	if model == "" {
		model = "llama3.2:latest"
	}
	return &ollamaProvider{name: name, endpoint: endpoint, model: model}
}

func (p *ollamaProvider) Name() string { return p.name }

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaStreamResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool `json:"done"`
	EvalCount       int  `json:"eval_count,omitempty"`
	PromptEvalCount int  `json:"prompt_eval_count,omitempty"`
}

func (p *ollamaProvider) Complete(ctx context.Context, req Request) (Reply, error) {
	messages := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: req.System})
	}
	messages = append(messages, req.Messages...)

	payload := ollamaRequest{
		Model:    p.model,
		Messages: messages,
		Stream:   true,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Reply{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return Reply{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return Reply{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Reply{}, fmt.Errorf("ollama returned status %s", resp.Status)
	}

	var accumulated strings.Builder
	var promptTokens, completionTokens int
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return Reply{}, err
		}
		accumulated.WriteString(chunk.Message.Content)
		if chunk.EvalCount > 0 {
			completionTokens = chunk.EvalCount
		}
		if chunk.PromptEvalCount > 0 {
			promptTokens = chunk.PromptEvalCount
		}
	}
	if err := scanner.Err(); err != nil {
		return Reply{}, err
	}
	return Reply{
		Content:          strings.TrimSpace(accumulated.String()),
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	}, nil
}
