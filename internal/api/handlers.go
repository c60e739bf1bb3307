// internal/api/handlers.go
package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Corphon/SerialWriter/internal/config"
	apperrors "github.com/Corphon/SerialWriter/internal/errors"
	"github.com/Corphon/SerialWriter/internal/models"
	"github.com/Corphon/SerialWriter/internal/services"
	"github.com/Corphon/SerialWriter/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"
)

// Handler 处理API请求
type Handler struct {
	Store      *services.NarrativeStore
	Generation *services.GenerationService
	LLM        *services.LLMService
	Progress   *services.ProgressService
	Settings   *config.SettingsStore
	Metrics    *utils.MetricsCollector
	WebSocket  *WebSocketManager
	Response   *ResponseHelper

	logger *utils.Logger
	// baseCtx 后台生成任务的上下文，关闭服务时取消
	baseCtx context.Context
	tasks   sync.WaitGroup
}

// HandlerDeps 构造 Handler 所需的服务
type HandlerDeps struct {
	Store      *services.NarrativeStore
	Generation *services.GenerationService
	LLM        *services.LLMService
	Progress   *services.ProgressService
	Settings   *config.SettingsStore
	Metrics    *utils.MetricsCollector
	Logger     *utils.Logger
	// BaseContext 为空时使用 context.Background()
	BaseContext context.Context
}

// NewHandler 创建处理器
func NewHandler(deps HandlerDeps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = utils.GetLogger()
	}
	base := deps.BaseContext
	if base == nil {
		base = context.Background()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = utils.GetMetricsCollector()
	}
	return &Handler{
		Store:      deps.Store,
		Generation: deps.Generation,
		LLM:        deps.LLM,
		Progress:   deps.Progress,
		Settings:   deps.Settings,
		Metrics:    metrics,
		WebSocket:  NewWebSocketManager(logger),
		Response:   NewResponseHelper(),
		logger:     logger,
		baseCtx:    base,
	}
}

// WaitTasks 等待后台生成任务结束
func (h *Handler) WaitTasks() {
	h.tasks.Wait()
}

// ------------------------------------------------
// 项目

type createProjectRequest struct {
	Name string `json:"name" binding:"required"`
	models.ProjectSettings
}

// ListProjects GET /api/projects
func (h *Handler) ListProjects(c *gin.Context) {
	list, err := h.Store.ListProjects(c.Request.Context())
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, list)
}

// CreateProject POST /api/projects
func (h *Handler) CreateProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求数据", err.Error())
		return
	}
	id, err := h.Store.CreateProject(c.Request.Context(), req.Name, req.ProjectSettings)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Created(c, gin.H{"project_id": id})
}

// GetProject GET /api/projects/:id
func (h *Handler) GetProject(c *gin.Context) {
	p, err := h.Store.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, p)
}

// UpdateProject PUT /api/projects/:id，只修改提供的字段
func (h *Handler) UpdateProject(c *gin.Context) {
	var patch models.ProjectPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		h.Response.BadRequest(c, "无效的请求数据", err.Error())
		return
	}
	if patch.IsEmpty() {
		h.Response.Success(c, nil, "ok")
		return
	}

	ctx := c.Request.Context()
	projectID := c.Param("id")
	// 存储层对不存在的项目静默忽略，HTTP 层需要明确返回 404
	if _, err := h.Store.GetProject(ctx, projectID); err != nil {
		h.Response.FromError(c, err)
		return
	}
	if err := h.Store.UpdateProject(ctx, projectID, patch); err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, nil, "ok")
}

// ------------------------------------------------
// 生成

type generateChapterRequest struct {
	models.GenerateChapterRequest
	models.GenerationSettingsPatch
	// Async 为 true 时立即返回任务ID，结果通过任务接口获取
	Async bool `json:"async"`
}

// settingsFor 已保存设置叠加本次请求的覆盖值
func (h *Handler) settingsFor(c *gin.Context, patch models.GenerationSettingsPatch) (models.GenerationSettings, bool) {
	if err := patch.Validate(); err != nil {
		h.Response.BadRequest(c, "采样参数不合法", err.Error())
		return models.GenerationSettings{}, false
	}
	return patch.Apply(h.Settings.Get()), true
}

// optionalSettings 摘要/压缩接口的请求体可以为空
func (h *Handler) optionalSettings(c *gin.Context) (models.GenerationSettings, bool) {
	var patch models.GenerationSettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil && err != io.EOF {
		h.Response.BadRequest(c, "无效的请求数据", err.Error())
		return models.GenerationSettings{}, false
	}
	return h.settingsFor(c, patch)
}

// RequireLLM 模型未就绪时直接返回 503，异步任务也不会被创建
func (h *Handler) RequireLLM(c *gin.Context) {
	if !h.LLM.IsReady() {
		h.Response.Error(c, http.StatusServiceUnavailable, ErrorLLMServiceUnavailable,
			"LLM服务未就绪: "+h.LLM.Status().State)
		c.Abort()
		return
	}
	c.Next()
}

// GenerateChapter POST /api/generate-chapter
func (h *Handler) GenerateChapter(c *gin.Context) {
	var req generateChapterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求数据", err.Error())
		return
	}
	settings, ok := h.settingsFor(c, req.GenerationSettingsPatch)
	if !ok {
		return
	}

	if !req.Async {
		result, err := h.Generation.GenerateChapter(c.Request.Context(), req.GenerateChapterRequest, settings)
		if err != nil {
			h.Response.FromError(c, err)
			return
		}
		h.Response.Success(c, result)
		return
	}

	if req.TaskID == "" {
		req.TaskID = ksuid.New().String()
	}
	if _, created := h.Progress.CreateTrackerIfAbsent(req.TaskID); !created {
		h.Response.Error(c, http.StatusConflict, ErrorConflict, "任务ID已存在")
		return
	}

	h.tasks.Add(1)
	go func(genReq models.GenerateChapterRequest) {
		defer h.tasks.Done()
		if _, err := h.Generation.GenerateChapter(h.baseCtx, genReq, settings); err != nil {
			h.logger.Warn("async generation failed", map[string]interface{}{"task_id": genReq.TaskID, "error": err.Error()})
		}
	}(req.GenerateChapterRequest)

	h.Response.Accepted(c, gin.H{"task_id": req.TaskID}, "章节生成已开始，请订阅进度更新")
}

// ResummarizeChapter POST /api/projects/:id/chapters/:cid/summarize
func (h *Handler) ResummarizeChapter(c *gin.Context) {
	settings, ok := h.optionalSettings(c)
	if !ok {
		return
	}
	summary, err := h.Generation.ResummarizeChapter(c.Request.Context(), c.Param("id"), c.Param("cid"), settings)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, gin.H{"summary": summary})
}

// CompactVolume POST /api/projects/:id/volumes/:vidx/compact
func (h *Handler) CompactVolume(c *gin.Context) {
	volumeIdx, err := strconv.Atoi(c.Param("vidx"))
	if err != nil {
		h.Response.BadRequest(c, "卷号必须是整数")
		return
	}
	settings, ok := h.optionalSettings(c)
	if !ok {
		return
	}
	summary, err := h.Generation.CompactVolume(c.Request.Context(), c.Param("id"), volumeIdx, settings)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, gin.H{"volume_idx": volumeIdx, "summary": summary})
}

// ------------------------------------------------
// 章节与版本

// GetChapter GET /api/projects/:id/chapters/:cid
func (h *Handler) GetChapter(c *gin.Context) {
	detail, err := h.Store.GetChapter(c.Request.Context(), c.Param("id"), c.Param("cid"))
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, detail)
}

type updateChapterRequest struct {
	Content *string `json:"content" binding:"required"`
}

// UpdateChapter PUT /api/projects/:id/chapters/:cid，草稿编辑，不生成版本
func (h *Handler) UpdateChapter(c *gin.Context) {
	var req updateChapterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求数据", err.Error())
		return
	}
	if err := h.Store.SetChapterContent(c.Request.Context(), c.Param("id"), c.Param("cid"), *req.Content); err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, nil, "ok")
}

type addVersionRequest struct {
	ProjectID string  `json:"project_id" binding:"required"`
	ChapterID string  `json:"chapter_id" binding:"required"`
	Content   *string `json:"content" binding:"required"`
	Note      string  `json:"note"`
}

// AddVersion POST /api/versions
func (h *Handler) AddVersion(c *gin.Context) {
	var req addVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求数据", err.Error())
		return
	}
	vid, err := h.Store.AddVersion(c.Request.Context(), req.ProjectID, req.ChapterID, *req.Content, req.Note)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Created(c, gin.H{"version_id": vid}, "ok")
}

// GetVersion GET /api/projects/:id/chapters/:cid/versions/:vid
func (h *Handler) GetVersion(c *gin.Context) {
	content, err := h.Store.GetVersionContent(c.Request.Context(), c.Param("id"), c.Param("cid"), c.Param("vid"))
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, gin.H{"content": content})
}

// DiffVersion GET /api/projects/:id/chapters/:cid/versions/:vid/diff
func (h *Handler) DiffVersion(c *gin.Context) {
	diff, err := h.Store.CompareVersion(c.Request.Context(), c.Param("id"), c.Param("cid"), c.Param("vid"))
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, diff)
}

// ------------------------------------------------
// 设置、状态

// GetSettings GET /api/settings
func (h *Handler) GetSettings(c *gin.Context) {
	h.Response.Success(c, h.Settings.Get())
}

// UpdateSettings PUT /api/settings
func (h *Handler) UpdateSettings(c *gin.Context) {
	var patch models.GenerationSettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		h.Response.BadRequest(c, "无效的请求数据", err.Error())
		return
	}
	if err := patch.Validate(); err != nil {
		h.Response.BadRequest(c, "采样参数不合法", err.Error())
		return
	}
	settings, err := h.Settings.Save(patch)
	if err != nil {
		h.Response.FromError(c, apperrors.NewStorageError("保存设置失败", err))
		return
	}
	h.Response.Success(c, settings, "设置保存成功")
}

// GetMetrics GET /api/metrics
func (h *Handler) GetMetrics(c *gin.Context) {
	h.Response.Success(c, h.Metrics.Snapshot())
}

// Health GET /api/health
func (h *Handler) Health(c *gin.Context) {
	llmStatus := h.LLM.Status()
	status := "ok"
	if !llmStatus.Ready {
		status = "degraded"
	}
	h.Response.Success(c, gin.H{
		"status":    status,
		"llm":       llmStatus,
		"websocket": h.WebSocket.GetStatus(),
		"time":      time.Now().Format(time.RFC3339),
	})
}

// ------------------------------------------------
// 任务进度

func (h *Handler) tracker(c *gin.Context) (*services.ProgressTracker, bool) {
	tracker, exists := h.Progress.GetTracker(c.Param("taskId"))
	if !exists {
		h.Response.NotFound(c, "任务")
	}
	return tracker, exists
}

// GetTask GET /api/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	if tracker, ok := h.tracker(c); ok {
		h.Response.Success(c, tracker.Snapshot())
	}
}

// TaskEvents GET /api/tasks/:taskId/events，SSE 推送进度
func (h *Handler) TaskEvents(c *gin.Context) {
	tracker, ok := h.tracker(c)
	if !ok {
		return
	}

	updates := tracker.Subscribe()
	defer tracker.Unsubscribe(updates)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case update, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("progress", update)
			return update.Status == services.TaskRunning
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"time": time.Now().Unix()})
			return true
		}
	})
}

// TaskWebSocket GET /ws/tasks/:taskId
func (h *Handler) TaskWebSocket(c *gin.Context) {
	if tracker, ok := h.tracker(c); ok {
		h.WebSocket.ServeTask(c, tracker)
	}
}
