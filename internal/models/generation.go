// internal/models/generation.go
package models

import "fmt"

// GenerationSettings 采样参数，作为显式值传给每次调用
type GenerationSettings struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

// DefaultGenerationSettings 默认采样参数
func DefaultGenerationSettings() GenerationSettings {
	return GenerationSettings{Temperature: 0.8, TopP: 0.9}
}

// GenerationSettingsPatch 部分更新采样参数
type GenerationSettingsPatch struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

// Apply 合并补丁
func (p GenerationSettingsPatch) Apply(s GenerationSettings) GenerationSettings {
	if p.Temperature != nil {
		s.Temperature = *p.Temperature
	}
	if p.TopP != nil {
		s.TopP = *p.TopP
	}
	return s
}

// Validate temperature 取 [0,2]，top_p 取 (0,1]
func (p GenerationSettingsPatch) Validate() error {
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		return fmt.Errorf("temperature 超出范围 [0,2]: %v", *p.Temperature)
	}
	if p.TopP != nil && (*p.TopP <= 0 || *p.TopP > 1) {
		return fmt.Errorf("top_p 超出范围 (0,1]: %v", *p.TopP)
	}
	return nil
}

// GenerateChapterRequest 生成新章节的请求
type GenerateChapterRequest struct {
	ProjectID     string `json:"project_id"`
	VolumeIdx     int    `json:"volume_idx"`
	ChapterIdx    int    `json:"chapter_idx"`
	UserDirection string `json:"user_direction"`
	// TaskID 非空时推送进度
	TaskID string `json:"task_id,omitempty"`
}

// GenerateChapterResult 生成结果
type GenerateChapterResult struct {
	ChapterID string `json:"chapter_id"`
	Direction string `json:"direction"`
	Content   string `json:"content"`
	Summary   string `json:"summary"`
	// VolumeSummary 本次触发了卷压缩时的新卷摘要
	VolumeSummary string `json:"volume_summary,omitempty"`
	// CompactionError 章节已保存但卷压缩失败
	CompactionError string `json:"compaction_error,omitempty"`
}

// ChapterDetail 章节元数据加当前正文
type ChapterDetail struct {
	Chapter
	Content string `json:"content"`
}

// DiffOp 行级差异类型
type DiffOp string

const (
	DiffEqual  DiffOp = "equal"
	DiffDelete DiffOp = "delete"
	DiffInsert DiffOp = "insert"
)

// DiffLine 一行差异
type DiffLine struct {
	Op   DiffOp `json:"op"`
	Text string `json:"text"`
}

// VersionDiff 版本快照与当前正文的对比
type VersionDiff struct {
	ChapterID string     `json:"chapter_id"`
	VersionID string     `json:"version_id"`
	Identical bool       `json:"identical"`
	Added     int        `json:"added"`
	Removed   int        `json:"removed"`
	Lines     []DiffLine `json:"lines"`
}
