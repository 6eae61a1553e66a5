package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/voxloop/turnpipe/pkg/turnpipe"
)

// OpenAILLM drives OpenAI's chat completions API.
type OpenAILLM struct {
	abortable
	apiKey string
	url    string
	model  string
}

func NewOpenAILLM(apiKey, model string) *OpenAILLM {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAILLM{
		apiKey: apiKey,
		url:    "https://api.openai.com/v1/chat/completions",
		model:  model,
	}
}

func (l *OpenAILLM) Generate(ctx context.Context, req turnpipe.LLMRequest) (turnpipe.LLMResult, error) {
	ctx, cancel := l.track(ctx)
	defer cancel()
	defer l.untrack()

	payload := map[string]interface{}{
		"model": l.model,
		"messages": []map[string]string{
			{"role": "user", "content": req.TurnText},
		},
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
	httpReq.Header.Set("Authorization", "Bearer "+l.apiKey)

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return turnpipe.LLMResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return turnpipe.LLMResult{}, fmt.Errorf("openai llm error (status %d): %v", resp.StatusCode, errResp)
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return turnpipe.LLMResult{}, err
	}
	if len(result.Choices) == 0 {
		return turnpipe.LLMResult{}, fmt.Errorf("no choices returned from openai")
	}

	return turnpipe.LLMResult{Text: result.Choices[0].Message.Content}, nil
}

func (l *OpenAILLM) Name() string { return "openai-llm" }
