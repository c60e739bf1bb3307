// internal/llm/interface.go
package llm

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// 错误定义
var (
	ErrUnknownProvider = errors.New("未知的AI提供者")
	// ErrMissingCredential 未配置 API 密钥
	ErrMissingCredential = errors.New("未配置API密钥")
	// ErrCredentialRejected 上游拒绝了已配置的密钥（401）
	ErrCredentialRejected = errors.New("API密钥被拒绝")
	// ErrEmptyResponse 模型返回空内容
	ErrEmptyResponse = errors.New("模型返回空内容")
)

// Role 消息角色
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 一条对话消息
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// System 构造 system 消息
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User 构造 user 消息
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// CompletionOptions 单次调用参数
type CompletionOptions struct {
	// ThinkingEnabled 开启推理模式；只返回最终回答，推理过程丢弃
	ThinkingEnabled bool
	ThinkingBudget  int
	MaxTokens       int
	Temperature     *float64
	TopP            *float64
}

// Provider 定义所有LLM提供者必须实现的接口
type Provider interface {
	// 初始化提供者，传入配置（api_key / base_url）
	Initialize(config map[string]string) error

	// 获取提供者名称
	GetName() string

	// 获取支持的模型列表
	GetSupportedModels() []string

	// Complete 发送消息并返回完整文本
	Complete(ctx context.Context, model string, messages []Message, opts CompletionOptions) (string, error)
}

// ProviderFactory 提供者工厂
type ProviderFactory func() Provider

var (
	providers   = make(map[string]ProviderFactory)
	providersMu sync.RWMutex
)

// Register 注册提供者工厂
func Register(name string, factory ProviderFactory) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[name] = factory
}

// GetProvider 创建指定名称的提供者实例
func GetProvider(name string, config map[string]string) (Provider, error) {
	providersMu.RLock()
	factory, exists := providers[name]
	providersMu.RUnlock()
	if !exists {
		return nil, ErrUnknownProvider
	}

	provider := factory()
	if err := provider.Initialize(config); err != nil {
		return nil, err
	}
	return provider, nil
}

// ListProviders 返回所有已注册的提供者名称
func ListProviders() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetSupportedModelsForProvider 获取指定提供商支持的模型列表
func GetSupportedModelsForProvider(name string) []string {
	providersMu.RLock()
	factory, exists := providers[name]
	providersMu.RUnlock()
	if !exists {
		return []string{}
	}
	return factory().GetSupportedModels()
}
