package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/voxloop/turnpipe/pkg/turnpipe"
)

// AnthropicLLM drives Anthropic's Messages API.
type AnthropicLLM struct {
	abortable
	apiKey string
	url    string
	model  string
}

func NewAnthropicLLM(apiKey, model string) *AnthropicLLM {
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
	}
	return &AnthropicLLM{
		apiKey: apiKey,
		url:    "https://api.anthropic.com/v1/messages",
		model:  model,
	}
}

func (l *AnthropicLLM) Generate(ctx context.Context, req turnpipe.LLMRequest) (turnpipe.LLMResult, error) {
	ctx, cancel := l.track(ctx)
	defer cancel()
	defer l.untrack()

	payload := map[string]interface{}{
		"model": l.model,
		"messages": []map[string]string{
			{"role": "user", "content": req.TurnText},
		},
		"max_tokens": 1024,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return turnpipe.LLMResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", l.url, bytes.NewReader(body))
	if err != nil {
		return turnpipe.LLMResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", l.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return turnpipe.LLMResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return turnpipe.LLMResult{}, fmt.Errorf("anthropic llm error (status %d): %v", resp.StatusCode, errResp)
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return turnpipe.LLMResult{}, err
	}
	if len(result.Content) == 0 {
		return turnpipe.LLMResult{}, fmt.Errorf("no content returned from anthropic")
	}

	return turnpipe.LLMResult{Text: result.Content[0].Text}, nil
}

func (l *AnthropicLLM) Name() string { return "anthropic-llm" }
