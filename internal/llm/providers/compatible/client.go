// internal/llm/providers/compatible/client.go
package compatible

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Corphon/SerialWriter/internal/llm"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// ThinkingStyle 推理模式的请求方式
type ThinkingStyle int

const (
	// ThinkingIgnored 不支持推理参数，忽略 ThinkingEnabled
	ThinkingIgnored ThinkingStyle = iota
	// ThinkingDashScope 百炼兼容模式：流式 + enable_thinking / thinking_budget
	ThinkingDashScope
)

// Client OpenAI 兼容协议的聊天客户端
type Client struct {
	client   openai.Client
	thinking ThinkingStyle
}

// NewClient 创建客户端，重试交给调用方决定
func NewClient(apiKey, baseURL string, thinking ThinkingStyle, httpClient *http.Client) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &Client{client: openai.NewClient(opts...), thinking: thinking}
}

func toParams(model string, messages []llm.Message, opts llm.CompletionOptions) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
	}
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case llm.RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature != nil {
		params.Temperature = openai.Float(*opts.Temperature)
	}
	if opts.TopP != nil {
		params.TopP = openai.Float(*opts.TopP)
	}
	return params
}

// Complete 推理模式走流式，只拼接回答增量
func (c *Client) Complete(ctx context.Context, model string, messages []llm.Message, opts llm.CompletionOptions) (string, error) {
	params := toParams(model, messages, opts)

	if opts.ThinkingEnabled && c.thinking == ThinkingDashScope {
		return c.stream(ctx, params,
			option.WithJSONSet("enable_thinking", true),
			option.WithJSONSet("thinking_budget", opts.ThinkingBudget),
		)
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", describe(err)
	}
	if len(resp.Choices) == 0 {
		return "", llm.ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", llm.ErrEmptyResponse
	}
	return text, nil
}

func (c *Client) stream(ctx context.Context, params openai.ChatCompletionNewParams, extra ...option.RequestOption) (string, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, params, extra...)
	defer stream.Close()

	var answer strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		// reasoning_content 不在 Delta.Content 中，这里自然被忽略
		answer.WriteString(chunk.Choices[0].Delta.Content)
	}
	if err := stream.Err(); err != nil {
		return "", describe(err)
	}

	text := strings.TrimSpace(answer.String())
	if text == "" {
		return "", llm.ErrEmptyResponse
	}
	return text, nil
}

// describe 保留状态码，401 单独标记为密钥被拒绝
func describe(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: status %d", llm.ErrCredentialRejected, apiErr.StatusCode)
		}
		return fmt.Errorf("API 错误: status %d: %w", apiErr.StatusCode, err)
	}
	return err
}
