// internal/llm/providers/compatible/presets.go
package compatible

import (
	"context"
	"strings"

	"github.com/Corphon/SerialWriter/internal/llm"
)

// Preset 一个 OpenAI 兼容服务商
type Preset struct {
	Name     string
	BaseURL  string
	Models   []string
	Thinking ThinkingStyle
}

var presets = []Preset{
	{Name: "openai", BaseURL: "https://api.openai.com/v1", Models: []string{"gpt-4.1", "gpt-4.1-mini"}},
	{Name: "deepseek", BaseURL: "https://api.deepseek.com/v1", Models: []string{"deepseek-chat", "deepseek-reasoner"}},
	{Name: "glm", BaseURL: "https://open.bigmodel.cn/api/paas/v4", Models: []string{"glm-4.5", "glm-4.5-air"}},
	{Name: "grok", BaseURL: "https://api.x.ai/v1", Models: []string{"grok-4", "grok-4.1-fast"}},
	{Name: "openrouter", BaseURL: "https://openrouter.ai/api/v1", Models: []string{"x-ai/grok-4.1-fast:free"}},
	{Name: "githubmodels", BaseURL: "https://models.inference.ai.azure.com", Models: []string{"gpt-4.1-mini"}},
}

func init() {
	for _, p := range presets {
		preset := p
		llm.Register(preset.Name, func() llm.Provider { return NewProvider(preset) })
	}
}

// Provider 基于预设的 llm.Provider
type Provider struct {
	preset Preset
	client *Client
}

// NewProvider 按预设创建，Initialize 后可用
func NewProvider(preset Preset) *Provider {
	return &Provider{preset: preset}
}

// Initialize api_key 必填，base_url 可覆盖
func (p *Provider) Initialize(config map[string]string) error {
	apiKey := strings.TrimSpace(config["api_key"])
	if apiKey == "" {
		return llm.ErrMissingCredential
	}
	baseURL := p.preset.BaseURL
	if u := strings.TrimSpace(config["base_url"]); u != "" {
		baseURL = u
	}
	p.client = NewClient(apiKey, baseURL, p.preset.Thinking, nil)
	return nil
}

func (p *Provider) GetName() string { return p.preset.Name }

func (p *Provider) GetSupportedModels() []string { return p.preset.Models }

func (p *Provider) Complete(ctx context.Context, model string, messages []llm.Message, opts llm.CompletionOptions) (string, error) {
	if p.client == nil {
		return "", llm.ErrMissingCredential
	}
	return p.client.Complete(ctx, model, messages, opts)
}
