// Package reasoning asks a vision-capable Claude model for the next browser
// action given a capture of the page and the task context.
package reasoning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/shehryarbajwa/browserpilot/internal/agent"
	"github.com/shehryarbajwa/browserpilot/internal/retry"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultModel     = "claude-sonnet-4-5"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
)

// ErrNoAction is returned when the model's reply holds no usable action.
var ErrNoAction = errors.New("no action in model reply")

// Options configures a Client.
type Options struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	// RPS paces calls across all sessions sharing the client (0 = unlimited).
	RPS        float64
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client calls the Claude Messages API. It implements agent.Decider.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
	limiter    *rate.Limiter
}

func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.HTTPClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		opts.HTTPClient = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), 1)
	}

	return &Client{
		apiKey:     opts.APIKey,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		model:      opts.Model,
		maxTokens:  opts.MaxTokens,
		httpClient: opts.HTTPClient,
		limiter:    limiter,
	}
}

// Decide sends the capture and task context and parses the action the model
// chose. Client errors other than 429 are wrapped with retry.Permanent.
func (c *Client) Decide(ctx context.Context, image []byte, tc agent.TaskContext) (models.Action, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return models.Action{}, fmt.Errorf("wait for reasoning slot: %w", err)
	}

	req := messagesRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    systemPrompt,
		Messages: []message{{
			Role: "user",
			Content: []content{
				{
					Type: "image",
					Source: &imageSource{
						Type:      "base64",
						MediaType: mediaType(image),
						Data:      base64.StdEncoding.EncodeToString(image),
					},
				},
				{Type: "text", Text: buildPrompt(tc)},
			},
		}},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return models.Action{}, fmt.Errorf("marshal reasoning request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return models.Action{}, retry.Permanent(err)
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	httpReq.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return models.Action{}, fmt.Errorf("reasoning request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("reasoning request failed: %s: %s", resp.Status, strings.TrimSpace(string(detail)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return models.Action{}, retry.Permanent(err)
		}
		return models.Action{}, err
	}

	var out messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Action{}, fmt.Errorf("decode reasoning response: %w", err)
	}

	log.Debug().
		Str("model", out.Model).
		Int("input_tokens", out.Usage.InputTokens).
		Int("output_tokens", out.Usage.OutputTokens).
		Int("step", tc.Step).
		Msg("reasoning call completed")

	return ParseAction(out.text())
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string    `json:"role"`
	Content []content `json:"content"`
}

type content struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type messagesResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (r messagesResponse) text() string {
	var parts []string
	for _, c := range r.Content {
		if c.Type == "" || c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func mediaType(image []byte) string {
	switch ct := http.DetectContentType(image); ct {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return ct
	}
	return "image/png"
}
