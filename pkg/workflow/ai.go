package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/beam-cloud/playground/pkg/types"
)

const (
	defaultAIBaseURL = "https://api.openai.com/v1"
	defaultAIModel   = "gpt-4o-mini"
	defaultAITimeout = 120 * time.Second
)

var ErrMissingAPIKey = errors.New("OPENAI_API_KEY is not set")

// AIClient completes a single prompt.
type AIClient interface {
	Complete(ctx context.Context, prompt, model, apiKey string) (string, error)
}

// OpenAIClient talks to any OpenAI compatible chat completions endpoint.
type OpenAIClient struct {
	baseURL      string
	apiKey       string
	defaultModel string
	httpClient   *http.Client
}

func NewOpenAIClient(config types.AIConfig) *OpenAIClient {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultAIBaseURL
	}
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	model := config.DefaultModel
	if model == "" {
		model = os.Getenv("DEFAULT_MODEL_NAME")
	}
	if model == "" {
		model = defaultAIModel
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = defaultAITimeout
	}

	return &OpenAIClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		defaultModel: model,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *OpenAIClient) Complete(ctx context.Context, prompt, model, apiKey string) (string, error) {
	if apiKey == "" {
		apiKey = c.apiKey
	}
	if apiKey == "" {
		return "", ErrMissingAPIKey
	}
	if model == "" {
		model = c.defaultModel
	}

	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ai request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read ai response: %w", err)
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("failed to decode ai response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 {
		if out.Error != nil && out.Error.Message != "" {
			return "", fmt.Errorf("ai request failed (status %d): %s", resp.StatusCode, out.Error.Message)
		}
		return "", fmt.Errorf("ai request failed with status %d", resp.StatusCode)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("ai response has no choices")
	}

	return out.Choices[0].Message.Content, nil
}
