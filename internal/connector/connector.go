// Package connector is the uniform surface over LLM providers. The
// control plane treats every provider identically through this shape;
// SDK-specific details stay behind the gateway.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type Response struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

type Connector interface {
	SendMessage(ctx context.Context, prompt, systemInstruction string) (*Response, error)
	// GetCostEstimate returns the USD cost of a token count at this
	// connector's pricing.
	GetCostEstimate(inputTokens, outputTokens int64) float64
}

// HTTPConnector talks to a provider-agnostic completion gateway.
type HTTPConnector struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client

	costPerInputToken  float64
	costPerOutputToken float64
}

func NewHTTPConnector(baseURL, apiKey, model string, costPerInputToken, costPerOutputToken float64) *HTTPConnector {
	return &HTTPConnector{
		baseURL:            baseURL,
		apiKey:             apiKey,
		model:              model,
		httpClient:         &http.Client{Timeout: 120 * time.Second},
		costPerInputToken:  costPerInputToken,
		costPerOutputToken: costPerOutputToken,
	}
}

type completionRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
}

func (c *HTTPConnector) SendMessage(ctx context.Context, prompt, systemInstruction string) (*Response, error) {
	payload, err := json.Marshal(completionRequest{Model: c.model, Prompt: prompt, System: systemInstruction})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/complete", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("connector %s: %d %s", c.model, resp.StatusCode, string(body))
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPConnector) GetCostEstimate(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)*c.costPerInputToken + float64(outputTokens)*c.costPerOutputToken
}
