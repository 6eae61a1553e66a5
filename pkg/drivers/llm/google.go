package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/voxloop/turnpipe/pkg/turnpipe"
)

// GoogleLLM drives the Gemini generateContent API.
type GoogleLLM struct {
	abortable
	apiKey string
	url    string
	model  string
}

func NewGoogleLLM(apiKey, model string) *GoogleLLM {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GoogleLLM{
		apiKey: apiKey,
		url:    "https://generativelanguage.googleapis.com/v1beta/models/" + model + ":generateContent",
		model:  model,
	}
}

func (l *GoogleLLM) Generate(ctx context.Context, req turnpipe.LLMRequest) (turnpipe.LLMResult, error) {
	ctx, cancel := l.track(ctx)
	defer cancel()
	defer l.untrack()

	type part struct {
		Text string `json:"text"`
	}
	type content struct {
		Role  string `json:"role"`
		Parts []part `json:"parts"`
	}

	payload := map[string]interface{}{
		"contents": []content{{Role: "user", Parts: []part{{Text: req.TurnText}}}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return turnpipe.LLMResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", l.url+"?key="+l.apiKey, bytes.NewReader(body))
	if err != nil {
		return turnpipe.LLMResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return turnpipe.LLMResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return turnpipe.LLMResult{}, fmt.Errorf("google llm error (status %d): %v", resp.StatusCode, errResp)
	}

	var result struct {
		Candidates []struct {
			Content struct {
				Parts []part `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return turnpipe.LLMResult{}, err
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return turnpipe.LLMResult{}, fmt.Errorf("no response from google llm")
	}

	return turnpipe.LLMResult{Text: result.Candidates[0].Content.Parts[0].Text}, nil
}

func (l *GoogleLLM) Name() string { return "google-llm" }
