// internal/services/context_service.go
package services

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/Corphon/SerialWriter/internal/errors"
	"github.com/Corphon/SerialWriter/internal/models"
	"github.com/Corphon/SerialWriter/internal/utils"
)

const sectionSeparator = "\n\n"

// AssembleContext 为第 n 卷（从 0 开始）构建生成上下文：
//   - 设定：世界、背景、人物、大纲，非空才输出
//   - 卷 0..n-2：只用卷摘要，空摘要跳过
//   - 卷 n-1 与卷 n：逐章，摘要优先，其次走向，都为空则跳过
//
// 纯函数，输出只依赖 project 与 n，不做截断
func AssembleContext(p *models.Project, n int) string {
	if p == nil {
		return ""
	}

	var parts []string
	add := func(label, body string) {
		if body != "" {
			parts = append(parts, label+"\n"+body)
		}
	}

	add("【世界设定】", p.WorldSetting)
	add("【背景设定】", p.BackgroundSetting)
	add("【人物设定】", p.CharacterSetting)
	add("【整体大纲】", p.Outline)

	for v := 0; v <= n-2 && v < len(p.Volumes); v++ {
		add(fmt.Sprintf("【第%d卷摘要】", v+1), p.Volumes[v].Summary)
	}

	chapterDetail := func(volumeIdx int) {
		for _, ch := range p.VolumeChapters(volumeIdx) {
			body := ch.Summary
			if body == "" {
				body = ch.Direction
			}
			add(fmt.Sprintf("【第%d卷 第%d章】", volumeIdx+1, ch.ChapterIdx+1), body)
		}
	}
	if n >= 1 {
		chapterDetail(n - 1)
	}
	if n >= 0 {
		chapterDetail(n)
	}

	return strings.Join(parts, sectionSeparator)
}

// ContextService 读取项目并构建上下文
type ContextService struct {
	store  *NarrativeStore
	tokens utils.TokenCounter
	logger *utils.Logger
}

// NewContextService tokens 可为 nil，此时不做 token 估算
func NewContextService(store *NarrativeStore, tokens utils.TokenCounter, logger *utils.Logger) *ContextService {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &ContextService{store: store, tokens: tokens, logger: logger}
}

// BuildContext 项目不存在时返回空上下文
func (s *ContextService) BuildContext(ctx context.Context, projectID string, volumeIdx int) (string, error) {
	p, err := s.store.GetProject(ctx, projectID)
	if apperrors.IsNotFoundError(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	text := AssembleContext(p, volumeIdx)

	fields := map[string]interface{}{
		"project_id": projectID,
		"volume":     volumeIdx,
		"runes":      utils.RuneCount(text),
	}
	if s.tokens != nil {
		fields["tokens"] = s.tokens.Count(text)
	}
	s.logger.Debug("context assembled", fields)
	return text, nil
}
