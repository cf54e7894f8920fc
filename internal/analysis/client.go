package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"market-analysis-bot/internal/config"
)

var ErrEmptyRequest = errors.New("analysis request has no text or image")

const systemPrompt = "You are a market analyst. Answer concisely with trend, key levels and risks."

// Client OpenAI 兼容的 chat completions 客户端
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewClient(cfg config.AnalysisConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *Client) Analyze(ctx context.Context, req Request) (Result, error) {
	if req.Empty() {
		return Result{}, ErrEmptyRequest
	}

	parts := []contentPart{}
	if req.Text != "" {
		parts = append(parts, contentPart{Type: "text", Text: req.Text})
	}
	if req.ImageURL != "" {
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: req.ImageURL}})
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: parts},
		},
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, errors.Wrap(err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, errors.Wrap(err, "read response")
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return Result{}, errors.Wrapf(err, "decode response (status %d)", resp.StatusCode)
	}
	if chatResp.Error != nil {
		return Result{}, fmt.Errorf("analysis API error: %s - %s", chatResp.Error.Type, chatResp.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("analysis API returned status %d", resp.StatusCode)
	}
	if len(chatResp.Choices) == 0 {
		return Result{}, errors.New("empty response from analysis API")
	}

	return Result{Text: chatResp.Choices[0].Message.Content, Model: chatResp.Model}, nil
}
