// internal/services/generation_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Corphon/SerialWriter/internal/config"
	apperrors "github.com/Corphon/SerialWriter/internal/errors"
	"github.com/Corphon/SerialWriter/internal/llm"
	"github.com/Corphon/SerialWriter/internal/models"
	"github.com/Corphon/SerialWriter/internal/utils"
)

// 生成阶段名，同时用作指标标签
const (
	StageContext    = "context"
	StageDirection  = "direction"
	StageContent    = "content"
	StageSummary    = "summary"
	StagePersist    = "persist"
	StageCompaction = "compaction"
)

// GenerationService 章节生成流水线：走向 → 正文 → 摘要 → 保存 → 卷压缩
type GenerationService struct {
	store    *NarrativeStore
	contexts *ContextService
	llm      *LLMService
	progress *ProgressService
	metrics  *utils.GenerationMetrics
	logger   *utils.Logger

	cfg     config.GenerationConfig
	timeout time.Duration
}

// GenerationServiceOptions 构造参数，Progress/Metrics/Logger 可为空
type GenerationServiceOptions struct {
	Store    *NarrativeStore
	Contexts *ContextService
	LLM      *LLMService
	Progress *ProgressService
	Metrics  *utils.GenerationMetrics
	Logger   *utils.Logger

	Config config.GenerationConfig
	// Timeout 单次请求的总时限，0 表示不限
	Timeout time.Duration
}

// NewGenerationService 创建生成服务
func NewGenerationService(opts GenerationServiceOptions) *GenerationService {
	logger := opts.Logger
	if logger == nil {
		logger = utils.GetLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = utils.NewGenerationMetrics(nil, logger)
	}
	contexts := opts.Contexts
	if contexts == nil {
		contexts = NewContextService(opts.Store, nil, logger)
	}
	return &GenerationService{
		store:    opts.Store,
		contexts: contexts,
		llm:      opts.LLM,
		progress: opts.Progress,
		metrics:  metrics,
		logger:   logger,
		cfg:      opts.Config,
		timeout:  opts.Timeout,
	}
}

func (s *GenerationService) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

func sampling(settings models.GenerationSettings) llm.CompletionOptions {
	temperature, topP := settings.Temperature, settings.TopP
	return llm.CompletionOptions{Temperature: &temperature, TopP: &topP}
}

// call 调用模型并去掉首尾空白；空输出视为提供者错误
func (s *GenerationService) call(ctx context.Context, stage, model string, messages []llm.Message, opts llm.CompletionOptions) (string, error) {
	text, err := s.llm.Complete(ctx, stage, model, messages, opts)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperrors.NewProviderError(fmt.Sprintf("%s 阶段返回空内容", stage), llm.ErrEmptyResponse)
	}
	return text, nil
}

// stageReporter 进度回调，未指定任务时为空操作
type stageReporter func(stage string, progress int, message string)

func (s *GenerationService) reporter(taskID string) (stageReporter, *ProgressTracker) {
	if s.progress == nil || taskID == "" {
		return func(string, int, string) {}, nil
	}
	tracker := s.progress.CreateTracker(taskID)
	return tracker.UpdateStage, tracker
}

// GenerateChapter 生成并保存一章。保存之前任何阶段失败都不会留下数据
func (s *GenerationService) GenerateChapter(ctx context.Context, req models.GenerateChapterRequest, settings models.GenerationSettings) (*models.GenerateChapterResult, error) {
	report, tracker := s.reporter(req.TaskID)
	result, err := s.generateChapter(ctx, req, settings, report)
	if tracker != nil {
		if err != nil {
			tracker.Fail(err.Error())
		} else {
			tracker.Complete("章节生成完成", result)
		}
	}
	return result, err
}

func (s *GenerationService) generateChapter(ctx context.Context, req models.GenerateChapterRequest, settings models.GenerationSettings, report stageReporter) (*models.GenerateChapterResult, error) {
	if req.ProjectID == "" {
		return nil, apperrors.NewInvalidInputError("缺少项目ID", nil)
	}
	if req.VolumeIdx < 0 || req.ChapterIdx < 0 {
		return nil, apperrors.NewInvalidInputError("卷号和章号不能为负", nil)
	}
	if strings.TrimSpace(req.UserDirection) == "" {
		return nil, apperrors.NewInvalidInputError("剧情走向不能为空", nil)
	}

	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	if _, err := s.store.GetProject(ctx, req.ProjectID); err != nil {
		if apperrors.IsNotFoundError(err) {
			return nil, apperrors.NewInvalidInputError("项目不存在", err)
		}
		return nil, err
	}

	log := s.logger.With(map[string]interface{}{
		"project_id": req.ProjectID,
		"volume":     req.VolumeIdx,
		"chapter":    req.ChapterIdx,
	})
	started := time.Now()

	report(StageContext, 5, "构建上下文")
	contextText, err := s.contexts.BuildContext(ctx, req.ProjectID, req.VolumeIdx)
	if err != nil {
		return nil, err
	}

	report(StageDirection, 10, "规划本章走向")
	dirOpts := sampling(settings)
	dirOpts.ThinkingEnabled = s.cfg.PlanningThinking
	dirOpts.ThinkingBudget = s.cfg.DirectionThinkingBudget
	direction, err := s.call(ctx, StageDirection, s.cfg.PlanningModel,
		directionMessages(contextText, req.UserDirection, req.VolumeIdx, req.ChapterIdx), dirOpts)
	if err != nil {
		log.Warn("direction stage failed", map[string]interface{}{"error": err.Error()})
		return nil, err
	}

	report(StageContent, 35, "撰写正文")
	contentOpts := sampling(settings)
	contentOpts.MaxTokens = s.cfg.ChapterMaxTokens
	content, err := s.call(ctx, StageContent, s.cfg.ContentModel,
		contentMessages(contextText, direction, req.VolumeIdx, req.ChapterIdx, s.cfg.ChapterMinChars, s.cfg.ChapterMaxChars), contentOpts)
	if err != nil {
		log.Warn("content stage failed", map[string]interface{}{"error": err.Error()})
		return nil, err
	}

	report(StageSummary, 75, "生成章节摘要")
	summary, err := s.summarize(ctx, direction, content, settings)
	if err != nil {
		log.Warn("summary stage failed", map[string]interface{}{"error": err.Error()})
		return nil, err
	}

	report(StagePersist, 90, "保存章节")
	chapterID, err := s.store.AddChapter(ctx, req.ProjectID, req.VolumeIdx, req.ChapterIdx, direction, content, summary)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordChapterGenerated(utils.RuneCount(content))

	result := &models.GenerateChapterResult{
		ChapterID: chapterID,
		Direction: direction,
		Content:   content,
		Summary:   summary,
	}

	report(StageCompaction, 95, "检查卷摘要")
	volumeSummary, compacted, err := s.compact(ctx, req.ProjectID, req.VolumeIdx, settings, s.cfg.CompactionThreshold)
	switch {
	case err != nil:
		// 章节已保存，压缩失败只报告不回滚
		result.CompactionError = err.Error()
		log.Error("volume compaction failed", map[string]interface{}{"chapter_id": chapterID, "error": err.Error()})
	case compacted:
		result.VolumeSummary = volumeSummary
	}

	log.Info("chapter generated", map[string]interface{}{
		"chapter_id": chapterID,
		"runes":      utils.RuneCount(content),
		"compacted":  compacted,
		"elapsed_ms": time.Since(started).Milliseconds(),
	})
	return result, nil
}

func (s *GenerationService) summarize(ctx context.Context, direction, content string, settings models.GenerationSettings) (string, error) {
	opts := sampling(settings)
	opts.ThinkingEnabled = s.cfg.PlanningThinking
	opts.ThinkingBudget = s.cfg.SummaryThinkingBudget
	return s.call(ctx, StageSummary, s.cfg.PlanningModel, summaryMessages(direction, content), opts)
}

// ResummarizeChapter 按当前正文重新生成章节摘要，不触发卷压缩
func (s *GenerationService) ResummarizeChapter(ctx context.Context, projectID, chapterID string, settings models.GenerationSettings) (string, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	detail, err := s.store.GetChapter(ctx, projectID, chapterID)
	if err != nil {
		return "", err
	}

	summary, err := s.summarize(ctx, detail.Direction, detail.Content, settings)
	if err != nil {
		return "", err
	}
	if err := s.store.UpdateChapterSummary(ctx, projectID, chapterID, summary); err != nil {
		return "", err
	}

	s.logger.Info("chapter resummarized", map[string]interface{}{"project_id": projectID, "chapter_id": chapterID})
	return summary, nil
}

// CompactVolume 手动重新压缩卷摘要，只要卷内有章节即执行
func (s *GenerationService) CompactVolume(ctx context.Context, projectID string, volumeIdx int, settings models.GenerationSettings) (string, error) {
	if volumeIdx < 0 {
		return "", apperrors.NewInvalidInputError("卷号不能为负", nil)
	}
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	summary, compacted, err := s.compact(ctx, projectID, volumeIdx, settings, 1)
	if err != nil {
		return "", err
	}
	if !compacted {
		return "", apperrors.NewInvalidInputError(fmt.Sprintf("第%d卷没有章节", volumeIdx+1), nil)
	}
	return summary, nil
}

// compact 重新读取项目，卷内章节数达到阈值时把各章摘要压缩为卷摘要并覆盖保存
func (s *GenerationService) compact(ctx context.Context, projectID string, volumeIdx int, settings models.GenerationSettings, threshold int) (string, bool, error) {
	p, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return "", false, err
	}
	if volumeIdx >= len(p.Volumes) {
		return "", false, nil
	}
	vol := p.Volumes[volumeIdx]
	if len(vol.Chapters) == 0 || len(vol.Chapters) < threshold {
		return "", false, nil
	}

	// 按卷内保存顺序取摘要，找不到的章节记为空
	summaries := make([]string, len(vol.Chapters))
	for i, id := range vol.Chapters {
		if ch, ok := p.FindChapter(id); ok {
			summaries[i] = ch.Summary
		}
	}

	opts := sampling(settings)
	opts.ThinkingEnabled = s.cfg.PlanningThinking
	opts.ThinkingBudget = s.cfg.SummaryThinkingBudget
	summary, err := s.call(ctx, StageCompaction, s.cfg.PlanningModel, volumeMessages(summaries), opts)
	if err == nil {
		err = s.store.UpdateVolumeSummary(ctx, projectID, volumeIdx, summary)
	}
	s.metrics.RecordCompaction(err)
	if err != nil {
		return "", false, err
	}

	s.logger.Info("volume compacted", map[string]interface{}{
		"project_id": projectID,
		"volume":     volumeIdx,
		"chapters":   len(vol.Chapters),
	})
	return summary, true, nil
}
