// internal/llm/providers/qwen/qwen.go
package qwen

import (
	"context"
	"net/http"
	"strings"

	"github.com/Corphon/SerialWriter/internal/llm"
	"github.com/Corphon/SerialWriter/internal/llm/providers/compatible"
)

// DefaultBaseURL 百炼 OpenAI 兼容模式
const DefaultBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"

func init() {
	llm.Register("qwen", func() llm.Provider {
		return &Provider{
			recommendedModels: []string{
				"qwen-max",
				"qwen-plus",
				"qwen-turbo",
			},
			baseURL: DefaultBaseURL,
		}
	})
}

// Provider 千问。规划模型开启 thinking 时走流式
type Provider struct {
	baseURL           string
	recommendedModels []string
	httpClient        *http.Client
	client            *compatible.Client
}

// New 直接构造，测试里注入 httpClient
func New(apiKey, baseURL string, httpClient *http.Client) (*Provider, error) {
	p := &Provider{baseURL: DefaultBaseURL, httpClient: httpClient}
	if err := p.Initialize(map[string]string{"api_key": apiKey, "base_url": baseURL}); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey := strings.TrimSpace(config["api_key"])
	if apiKey == "" {
		return llm.ErrMissingCredential
	}
	if baseURL := strings.TrimSpace(config["base_url"]); baseURL != "" {
		p.baseURL = baseURL
	}
	p.client = compatible.NewClient(apiKey, p.baseURL, compatible.ThinkingDashScope, p.httpClient)
	return nil
}

func (p *Provider) GetName() string {
	return "Qwen"
}

func (p *Provider) GetSupportedModels() []string {
	return p.recommendedModels
}

func (p *Provider) Complete(ctx context.Context, model string, messages []llm.Message, opts llm.CompletionOptions) (string, error) {
	if p.client == nil {
		return "", llm.ErrMissingCredential
	}
	return p.client.Complete(ctx, model, messages, opts)
}
