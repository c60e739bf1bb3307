// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// AppConfig 包含应用程序的所有配置
type AppConfig struct {
	// 基础配置
	Port           string        `env:"PORT" envDefault:"29147"`
	DataDir        string        `env:"DATA_DIR" envDefault:"data"`
	StorageBackend string        `env:"STORAGE_BACKEND" envDefault:"file"` // file | sqlite
	DebugMode      bool          `env:"DEBUG_MODE" envDefault:"false"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string        `env:"LOG_FORMAT" envDefault:"text"`
	LogFile        string        `env:"LOG_FILE"`
	AuthSecret     string        `env:"AUTH_SECRET"`
	AuthTokenTTL   time.Duration `env:"AUTH_TOKEN_TTL" envDefault:"720h"`
	// GenerationInterval 同一调用方两次生成请求的最小间隔
	GenerationInterval time.Duration `env:"API_GENERATION_INTERVAL" envDefault:"0s"`

	// LLM相关配置
	LLMProvider     string        `env:"LLM_PROVIDER" envDefault:"qwen"`
	DashScopeAPIKey string        `env:"DASHSCOPE_API_KEY"`
	LLMAPIKey       string        `env:"LLM_API_KEY"`
	LLMBaseURL      string        `env:"LLM_BASE_URL"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10m"`
	LLMRateInterval time.Duration `env:"LLM_RATE_INTERVAL" envDefault:"0s"`

	Generation GenerationConfig
}

// GenerationConfig 生成流程的模型与篇幅参数
type GenerationConfig struct {
	PlanningModel           string `env:"MODEL_PLANNING" envDefault:"qwen-max"`
	PlanningThinking        bool   `env:"MODEL_PLANNING_THINKING" envDefault:"true"`
	ContentModel            string `env:"MODEL_CONTENT" envDefault:"qwen-plus"`
	ChapterMinChars         int    `env:"CHAPTER_MIN_CHARS" envDefault:"6000"`
	ChapterMaxChars         int    `env:"CHAPTER_MAX_CHARS" envDefault:"8000"`
	ChapterMaxTokens        int    `env:"CHAPTER_MAX_TOKENS" envDefault:"12000"`
	DirectionThinkingBudget int    `env:"DIRECTION_THINKING_BUDGET" envDefault:"8000"`
	SummaryThinkingBudget   int    `env:"SUMMARY_THINKING_BUDGET" envDefault:"4000"`
	CompactionThreshold     int    `env:"COMPACTION_THRESHOLD" envDefault:"3"`
}

// DefaultGenerationConfig 与环境变量默认值一致，测试和嵌入使用
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		PlanningModel:           "qwen-max",
		PlanningThinking:        true,
		ContentModel:            "qwen-plus",
		ChapterMinChars:         6000,
		ChapterMaxChars:         8000,
		ChapterMaxTokens:        12000,
		DirectionThinkingBudget: 8000,
		SummaryThinkingBudget:   4000,
		CompactionThreshold:     3,
	}
}

// Load 从 .env 和环境变量加载配置
func Load() (*AppConfig, error) {
	// .env 可选
	_ = godotenv.Load()

	cfg, err := env.ParseAs[AppConfig]()
	if err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查明显不合理的取值
func (c *AppConfig) Validate() error {
	switch c.StorageBackend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("不支持的存储后端: %s", c.StorageBackend)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DATA_DIR 不能为空")
	}
	if c.RequestTimeout < 0 || c.LLMRateInterval < 0 || c.GenerationInterval < 0 {
		return fmt.Errorf("超时和限速间隔不能为负")
	}
	return c.Generation.Validate()
}

// Validate 检查生成参数
func (g GenerationConfig) Validate() error {
	if g.PlanningModel == "" || g.ContentModel == "" {
		return fmt.Errorf("模型名称不能为空")
	}
	if g.ChapterMinChars <= 0 || g.ChapterMaxChars < g.ChapterMinChars {
		return fmt.Errorf("章节字数范围不合法: %d-%d", g.ChapterMinChars, g.ChapterMaxChars)
	}
	if g.ChapterMaxTokens <= 0 {
		return fmt.Errorf("CHAPTER_MAX_TOKENS 必须为正数")
	}
	if g.DirectionThinkingBudget <= 0 || g.SummaryThinkingBudget <= 0 {
		return fmt.Errorf("思考预算必须为正数")
	}
	if g.CompactionThreshold < 1 {
		return fmt.Errorf("COMPACTION_THRESHOLD 至少为 1")
	}
	return nil
}

// APIKey 当前提供者使用的密钥。qwen 优先读 DASHSCOPE_API_KEY
func (c *AppConfig) APIKey() string {
	if c.LLMProvider == "qwen" && c.DashScopeAPIKey != "" {
		return c.DashScopeAPIKey
	}
	return c.LLMAPIKey
}

// ProviderConfig 传给 llm.GetProvider 的配置表
func (c *AppConfig) ProviderConfig() map[string]string {
	m := map[string]string{
		"api_key": c.APIKey(),
	}
	if c.LLMBaseURL != "" {
		m["base_url"] = c.LLMBaseURL
	}
	return m
}

// EnsureDataDir 确保数据目录存在
func (c *AppConfig) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}
	return nil
}
