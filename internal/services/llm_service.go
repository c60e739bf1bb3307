// internal/services/llm_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/Corphon/SerialWriter/internal/errors"
	"github.com/Corphon/SerialWriter/internal/llm"
	"github.com/Corphon/SerialWriter/internal/utils"
)

// ErrLLMNotReady 尚未配置可用的提供者
var ErrLLMNotReady = errors.New("llm service not ready")

// LLMStatus 就绪状态
type LLMStatus struct {
	Provider string   `json:"provider"`
	Ready    bool     `json:"ready"`
	State    string   `json:"state"`
	Models   []string `json:"models,omitempty"`

	// Available 已注册的全部提供者
	Available []string `json:"available"`
}

// LLMService 提供统一的大语言模型调用接口
// 负责就绪状态、热切换和错误归类，不做重试
type LLMService struct {
	providerMutex sync.RWMutex
	provider      llm.Provider
	providerName  string
	isReady       bool
	readyState    string

	metrics *utils.GenerationMetrics
	logger  *utils.Logger
}

// NewLLMService 创建未就绪的服务，需调用 Configure 或 SetProvider
func NewLLMService(metrics *utils.GenerationMetrics, logger *utils.Logger) *LLMService {
	if logger == nil {
		logger = utils.GetLogger()
	}
	if metrics == nil {
		metrics = utils.NewGenerationMetrics(nil, logger)
	}
	return &LLMService{
		readyState: "未配置LLM提供者",
		metrics:    metrics,
		logger:     logger,
	}
}

// Configure 通过注册表创建提供者。缺少密钥时服务保持未就绪并返回 ConfigurationError
func (s *LLMService) Configure(name string, config map[string]string, rateInterval time.Duration) error {
	provider, err := llm.GetProvider(name, config)
	if err != nil {
		if errors.Is(err, llm.ErrUnknownProvider) {
			err = fmt.Errorf("%w: %s，可用: %s", err, name, strings.Join(llm.ListProviders(), ", "))
		}
		s.providerMutex.Lock()
		s.providerName = name
		s.provider = nil
		s.isReady = false
		s.readyState = err.Error()
		s.providerMutex.Unlock()

		s.logger.Warn("LLM provider not ready", map[string]interface{}{"provider": name, "error": err.Error()})
		return apperrors.NewConfigurationError(fmt.Sprintf("LLM提供者 %s 配置失败", name), err)
	}

	s.SetProvider(name, llm.WithRateLimit(provider, rateInterval))
	return nil
}

// SetProvider 直接替换提供者（热切换）
func (s *LLMService) SetProvider(name string, provider llm.Provider) {
	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()

	s.provider = provider
	s.providerName = name
	s.isReady = provider != nil
	if s.isReady {
		s.readyState = "ready"
	} else {
		s.readyState = "未配置LLM提供者"
	}
	s.logger.Info("LLM provider switched", map[string]interface{}{"provider": name, "ready": s.isReady})
}

// IsReady 是否可以调用
func (s *LLMService) IsReady() bool {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.isReady
}

// Status 当前状态
func (s *LLMService) Status() LLMStatus {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	st := LLMStatus{
		Provider:  s.providerName,
		Ready:     s.isReady,
		State:     s.readyState,
		Available: llm.ListProviders(),
	}
	if s.provider != nil {
		st.Models = s.provider.GetSupportedModels()
	} else if s.providerName != "" {
		// 未就绪时仍列出该提供者声明的模型，便于排查配置
		st.Models = llm.GetSupportedModelsForProvider(s.providerName)
	}
	return st
}

// Complete 调用模型并归类错误：
// 未就绪或未配置密钥为 ConfigurationError；密钥被上游拒绝等其余失败为 ProviderError
func (s *LLMService) Complete(ctx context.Context, stage, model string, messages []llm.Message, opts llm.CompletionOptions) (string, error) {
	s.providerMutex.RLock()
	provider, ready := s.provider, s.isReady
	s.providerMutex.RUnlock()

	if !ready || provider == nil {
		return "", apperrors.NewConfigurationError("LLM服务未就绪", ErrLLMNotReady)
	}

	start := time.Now()
	text, err := provider.Complete(ctx, model, messages, opts)
	s.metrics.RecordLLMCall(stage, model, time.Since(start), err)

	switch {
	case err == nil:
		return text, nil
	case errors.Is(err, llm.ErrMissingCredential):
		return "", apperrors.NewConfigurationError("LLM未配置密钥", err)
	case errors.Is(err, llm.ErrCredentialRejected):
		return "", apperrors.NewProviderError("LLM密钥被上游拒绝", err)
	case errors.Is(err, context.DeadlineExceeded):
		return "", apperrors.NewProviderError(fmt.Sprintf("%s 阶段调用超时", stage), err)
	default:
		return "", apperrors.NewProviderError(fmt.Sprintf("%s 阶段调用失败", stage), err)
	}
}
