package handler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// OpenAIMessage is one chat message in OpenAI wire format
type OpenAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

// OpenAIChatRequest is the OpenAI-compatible request body
type OpenAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

// OpenAIChoice is one completion choice
type OpenAIChoice struct {
	Index        int            `json:"index"`
	Message      OpenAIMessage  `json:"message,omitempty"`
	Delta        *OpenAIMessage `json:"delta,omitempty"`
	FinishReason *string        `json:"finish_reason"`
}

// OpenAIUsage reports token usage
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAIChatResponse is the OpenAI-compatible response body
type OpenAIChatResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   *OpenAIUsage   `json:"usage,omitempty"`
}

// AnthropicMessage is one message in Anthropic wire format
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnthropicRequest is the Anthropic messages request body
type AnthropicRequest struct {
	Model         string             `json:"model"`
	System        string             `json:"system,omitempty"`
	Messages      []AnthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   float64            `json:"temperature,omitempty"`
	TopP          float64            `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

// AnthropicResponse is the Anthropic messages response body
type AnthropicResponse struct {
	ID         string `json:"id"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// AnthropicStreamEvent is one SSE event from the Anthropic stream
type AnthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`
}

// convertToAnthropic translates an OpenAI chat request to the Anthropic wire
// format, folding system messages into the system field
func convertToAnthropic(req *OpenAIChatRequest, model string) *AnthropicRequest {
	out := &AnthropicRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = 4096
	}
	if len(req.Stop) > 0 {
		out.StopSequences = req.Stop
	}

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			if out.System != "" {
				out.System += "\n"
			}
			out.System += msg.Content
			continue
		}
		role := "user"
		if msg.Role == "assistant" {
			role = "assistant"
		}
		out.Messages = append(out.Messages, AnthropicMessage{Role: role, Content: msg.Content})
	}
	return out
}

// convertToOpenAI translates an Anthropic response back to OpenAI format
func convertToOpenAI(resp *AnthropicResponse, model string) *OpenAIChatResponse {
	var content strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			content.WriteString(c.Text)
		}
	}

	finishReason := "stop"
	if resp.StopReason == "max_tokens" {
		finishReason = "length"
	}

	return &OpenAIChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []OpenAIChoice{
			{
				Index:        0,
				Message:      OpenAIMessage{Role: "assistant", Content: content.String()},
				FinishReason: &finishReason,
			},
		},
		Usage: &OpenAIUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

// streamAnthropicAsOpenAI re-emits an Anthropic SSE stream as OpenAI chunks.
// Returns the bytes written to the client.
func streamAnthropicAsOpenAI(c *gin.Context, resp *http.Response, model string) (int64, error) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	scanner := bufio.NewScanner(resp.Body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	responseID := "chatcmpl-" + uuid.New().String()[:8]
	var written int64

	emit := func(chunk *OpenAIChatResponse) error {
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		n, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data)
		written += int64(n)
		if err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var event AnthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta != nil && event.Delta.Text != "" {
				err := emit(&OpenAIChatResponse{
					ID:      responseID,
					Object:  "chat.completion.chunk",
					Created: time.Now().Unix(),
					Model:   model,
					Choices: []OpenAIChoice{{Index: 0, Delta: &OpenAIMessage{Content: event.Delta.Text}}},
				})
				if err != nil {
					return written, err
				}
			}
		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				finishReason := "stop"
				if event.Delta.StopReason == "max_tokens" {
					finishReason = "length"
				}
				err := emit(&OpenAIChatResponse{
					ID:      responseID,
					Object:  "chat.completion.chunk",
					Created: time.Now().Unix(),
					Model:   model,
					Choices: []OpenAIChoice{{Index: 0, Delta: &OpenAIMessage{}, FinishReason: &finishReason}},
				})
				if err != nil {
					return written, err
				}
			}
		case "message_stop":
			n, _ := fmt.Fprint(c.Writer, "data: [DONE]\n\n")
			written += int64(n)
			c.Writer.Flush()
			return written, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return written, err
	}

	n, _ := fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	written += int64(n)
	c.Writer.Flush()
	return written, nil
}
