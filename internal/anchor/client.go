// Package anchor implements the Anchor RAG Client (C3): a single RPC to
// a Dify-compatible workflow endpoint that returns a retrieval snippet
// plus optional vector candidates.
package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client calls a Dify-compatible workflow-run endpoint.
type Client struct {
	baseURL        string
	workflowRunURL string
	workflowID     string
	apiKey         string
	httpClient     *http.Client
}

// Config configures a Client.
type Config struct {
	BaseURL        string
	WorkflowRunURL string
	WorkflowID     string
	APIKey         string
	Timeout        time.Duration
}

// New creates a Client from Config. Timeout defaults to 30s.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		workflowRunURL: cfg.WorkflowRunURL,
		workflowID:     cfg.WorkflowID,
		apiKey:         cfg.APIKey,
		httpClient:     &http.Client{Timeout: timeout},
	}
}

// Outputs is the unified shape extracted from a Dify workflow response,
// regardless of whether the payload nests outputs under "data.outputs"
// or a top-level "outputs".
type Outputs struct {
	Result           string
	ChatText         string
	VectorCandidates []map[string]any
}

type workflowRequest struct {
	Inputs       map[string]string `json:"inputs"`
	ResponseMode string            `json:"response_mode"`
	User         string            `json:"user"`
	WorkflowID   string            `json:"workflow_id,omitempty"`
}

// Call invokes the workflow-run endpoint with the given keyword and
// returns its extracted outputs. Fails when required credentials are
// missing or the endpoint returns a >=400 status.
func (c *Client) Call(ctx context.Context, keyword, user string) (Outputs, error) {
	if c.apiKey == "" {
		return Outputs{}, fmt.Errorf("anchor: missing API key")
	}

	endpoint := c.workflowRunURL
	if endpoint == "" {
		endpoint = c.baseURL + "/v1/workflows/run"
	}

	reqBody := workflowRequest{
		Inputs:       map[string]string{"keyword": keyword},
		ResponseMode: "blocking",
		User:         user,
		WorkflowID:   c.workflowID,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return Outputs{}, fmt.Errorf("anchor: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return Outputs{}, fmt.Errorf("anchor: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Outputs{}, fmt.Errorf("anchor: request cancelled: %w", ctx.Err())
		}
		return Outputs{}, fmt.Errorf("anchor: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Outputs{}, fmt.Errorf("anchor: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return Outputs{}, fmt.Errorf("anchor: upstream error: status %d", resp.StatusCode)
	}

	var parsed map[string]any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Outputs{}, fmt.Errorf("anchor: decode response: %w", err)
	}

	return extractOutputs(parsed), nil
}

// extractOutputs pulls result/chat_text/vector_candidates out of either
// data.outputs or a top-level outputs object, whichever is present.
func extractOutputs(resp map[string]any) Outputs {
	var outputs map[string]any
	if data, ok := resp["data"].(map[string]any); ok {
		if o, ok := data["outputs"].(map[string]any); ok {
			outputs = o
		}
	}
	if outputs == nil {
		if o, ok := resp["outputs"].(map[string]any); ok {
			outputs = o
		}
	}
	if outputs == nil {
		return Outputs{}
	}

	result, _ := outputs["result"].(string)
	chatText, _ := outputs["chat_text"].(string)

	var vectorCandidates []map[string]any
	if vc, ok := outputs["vector_candidates"].([]any); ok {
		vectorCandidates = make([]map[string]any, 0, len(vc))
		for _, item := range vc {
			if m, ok := item.(map[string]any); ok {
				vectorCandidates = append(vectorCandidates, m)
			}
		}
	}

	return Outputs{Result: result, ChatText: chatText, VectorCandidates: vectorCandidates}
}
