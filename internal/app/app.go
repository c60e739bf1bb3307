// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Corphon/SerialWriter/internal/api"
	"github.com/Corphon/SerialWriter/internal/auth"
	"github.com/Corphon/SerialWriter/internal/config"
	"github.com/Corphon/SerialWriter/internal/services"
	"github.com/Corphon/SerialWriter/internal/storage"
	"github.com/Corphon/SerialWriter/internal/utils"
	"github.com/gin-gonic/gin"

	// 注册模型提供者
	_ "github.com/Corphon/SerialWriter/internal/llm/providers/compatible"
	_ "github.com/Corphon/SerialWriter/internal/llm/providers/google"
	_ "github.com/Corphon/SerialWriter/internal/llm/providers/qwen"
)

const (
	shutdownTimeout = 30 * time.Second
	taskCleanupTick = 10 * time.Minute
	taskMaxAge      = time.Hour
)

// server 便于测试替换
type server interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// App 持有全部服务和 HTTP 服务器
type App struct {
	config  *config.AppConfig
	logger  *utils.Logger
	metrics *utils.MetricsCollector

	backend    storage.Backend
	locks      *services.LockManager
	store      *services.NarrativeStore
	llm        *services.LLMService
	progress   *services.ProgressService
	generation *services.GenerationService
	handler    *api.Handler

	router   *gin.Engine
	server   server
	stopChan chan os.Signal

	ctx    context.Context
	cancel context.CancelFunc
}

// New 按配置装配所有组件。模型未配置时仍可启动，生成接口返回 503
func New(cfg *config.AppConfig) (*App, error) {
	if err := utils.InitLogger(utils.LoggerOptions{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	}); err != nil {
		return nil, err
	}
	logger := utils.GetLogger()

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}

	backend, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("storage ready", map[string]interface{}{"backend": cfg.StorageBackend, "data_dir": cfg.DataDir})

	ctx, cancel := context.WithCancel(context.Background())
	metrics := utils.GetMetricsCollector()
	genMetrics := utils.NewGenerationMetrics(metrics, logger)

	locks := services.NewLockManager()
	store := services.NewNarrativeStore(backend, locks, logger)

	var tokens utils.TokenCounter
	if cfg.DebugMode {
		tokens = utils.NewTiktokenCounter()
	}
	contexts := services.NewContextService(store, tokens, logger)

	llmService := services.NewLLMService(genMetrics, logger)
	if err := llmService.Configure(cfg.LLMProvider, cfg.ProviderConfig(), cfg.LLMRateInterval); err != nil {
		logger.Warn("LLM provider not configured, generation disabled", map[string]interface{}{
			"provider": cfg.LLMProvider,
			"error":    err.Error(),
		})
	}

	progress := services.NewProgressService()
	generation := services.NewGenerationService(services.GenerationServiceOptions{
		Store:    store,
		Contexts: contexts,
		LLM:      llmService,
		Progress: progress,
		Metrics:  genMetrics,
		Logger:   logger,
		Config:   cfg.Generation,
		Timeout:  cfg.RequestTimeout,
	})

	handler := api.NewHandler(api.HandlerDeps{
		Store:       store,
		Generation:  generation,
		LLM:         llmService,
		Progress:    progress,
		Settings:    config.NewSettingsStore(cfg.DataDir),
		Metrics:     metrics,
		Logger:      logger,
		BaseContext: ctx,
	})

	router := api.SetupRouter(handler, api.RouterOptions{
		Debug:           cfg.DebugMode,
		Tokens:          auth.NewTokenConfig(cfg.AuthSecret, cfg.AuthTokenTTL),
		Metrics:         genMetrics,
		Logger:          logger,
		GenerationEvery: cfg.GenerationInterval,
	})

	a := &App{
		config:     cfg,
		logger:     logger,
		metrics:    metrics,
		backend:    backend,
		locks:      locks,
		store:      store,
		llm:        llmService,
		progress:   progress,
		generation: generation,
		handler:    handler,
		router:     router,
		server: &http.Server{
			Addr:    ":" + cfg.Port,
			Handler: router,
		},
		stopChan: make(chan os.Signal, 1),
		ctx:      ctx,
		cancel:   cancel,
	}

	go a.cleanupTasks()
	return a, nil
}

func openBackend(cfg *config.AppConfig) (storage.Backend, error) {
	switch cfg.StorageBackend {
	case "sqlite":
		s, err := storage.OpenSQLite(filepath.Join(cfg.DataDir, "serial.db"))
		if err != nil {
			return nil, fmt.Errorf("打开 SQLite 失败: %w", err)
		}
		return s, nil
	default:
		s, err := storage.NewFileStorage(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("初始化文件存储失败: %w", err)
		}
		return s, nil
	}
}

// cleanupTasks 定期清理已结束的进度任务
func (a *App) cleanupTasks() {
	ticker := time.NewTicker(taskCleanupTick)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if n := a.progress.CleanupCompletedTasks(taskMaxAge); n > 0 {
				a.logger.Debug("progress tasks cleaned", map[string]interface{}{"count": n})
			}
		}
	}
}

// GetConfig 获取应用配置
func (a *App) GetConfig() *config.AppConfig {
	return a.config
}

// Handler 返回 HTTP 处理器，嵌入和测试使用
func (a *App) Handler() http.Handler {
	return a.router
}

// Run 启动服务器并阻塞到收到退出信号或服务器出错
func (a *App) Run() error {
	signal.Notify(a.stopChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(a.stopChan)

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", map[string]interface{}{"port": a.config.Port})
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-a.stopChan:
		a.logger.Info("shutdown signal received", nil)
	case err := <-serverErr:
		runErr = fmt.Errorf("启动服务器失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil && runErr == nil {
		runErr = fmt.Errorf("服务器强制关闭: %w", err)
	}

	// 后台生成任务跟随 baseCtx 取消
	a.cancel()
	a.handler.WaitTasks()

	if err := a.cleanup(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Stop 触发与信号相同的关闭流程
func (a *App) Stop() {
	select {
	case a.stopChan <- syscall.SIGTERM:
	default:
	}
}

func (a *App) cleanup() error {
	if a.cancel != nil {
		a.cancel()
	}
	var err error
	if a.backend != nil {
		if cerr := a.backend.Close(); cerr != nil {
			err = fmt.Errorf("关闭存储失败: %w", cerr)
		}
	}
	if a.locks != nil {
		a.locks.Close()
	}
	a.logger.Info("cleanup finished", nil)
	return err
}
