package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.anthropic.com"

// Client is a minimal streaming chat client speaking the Anthropic Messages
// event-stream protocol.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	defaultModel string
}

func NewClient(baseURL, apiKey, defaultModel string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		httpClient:   &http.Client{Timeout: 10 * time.Minute},
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		apiKey:       apiKey,
		defaultModel: defaultModel,
	}
}

func (c *Client) Name() string { return "anthropic" }

type streamDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type contentBlockDeltaEvent struct {
	Delta streamDelta `json:"delta"`
}

type messageDeltaEvent struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type messageStartEvent struct {
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// ChatStream posts the request with stream enabled and decodes the SSE body
// line by line, forwarding text deltas through onChunk.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	body, err := json.Marshal(map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages":   req.Messages,
		"stream":     true,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("provider: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	result := &ChatResponse{FinishReason: "stop"}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var currentEvent string

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "message_start":
			var ev messageStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil && ev.Message.Usage.InputTokens > 0 {
				if result.Usage == nil {
					result.Usage = &Usage{}
				}
				result.Usage.PromptTokens = ev.Message.Usage.InputTokens
			}
		case "content_block_delta":
			var ev contentBlockDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil && ev.Delta.Type == "text_delta" {
				result.Content += ev.Delta.Text
				if onChunk != nil {
					onChunk(StreamChunk{Content: ev.Delta.Text})
				}
			}
		case "message_delta":
			var ev messageDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				if ev.Delta.StopReason == "max_tokens" {
					result.FinishReason = "length"
				}
				if ev.Usage.OutputTokens > 0 {
					if result.Usage == nil {
						result.Usage = &Usage{}
					}
					result.Usage.CompletionTokens = ev.Usage.OutputTokens
				}
			}
		case "message_stop":
			if onChunk != nil {
				onChunk(StreamChunk{Done: true})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("provider: stream read: %w", err)
	}
	if result.Usage != nil {
		result.Usage.TotalTokens = result.Usage.PromptTokens + result.Usage.CompletionTokens
	}
	return result, nil
}
