// internal/models/project.go
package models

import (
	"time"
)

// InitialVersionNote 章节首次生成时自动记录的版本备注
const InitialVersionNote = "初始生成"

// Project 一部连载作品的全部元数据
// 章节是扁平列表，卷只保存章节 ID 的引用
type Project struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	WorldSetting      string    `json:"world_setting"`
	BackgroundSetting string    `json:"background_setting"`
	CharacterSetting  string    `json:"character_setting"`
	Outline           string    `json:"outline"`
	Volumes           []Volume  `json:"volumes"`
	Chapters          []Chapter `json:"chapters"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Volume 卷。Chapters 按生成顺序保存章节 ID
type Volume struct {
	Chapters []string `json:"chapters"`
	Summary  string   `json:"summary"`
}

// Chapter 章节元数据，正文单独存储
type Chapter struct {
	ID         string       `json:"id"`
	VolumeIdx  int          `json:"volume_idx"`
	ChapterIdx int          `json:"chapter_idx"`
	Direction  string       `json:"direction"`
	Summary    string       `json:"summary"`
	CreatedAt  time.Time    `json:"created_at"`
	Versions   []VersionRef `json:"versions"`
}

// VersionRef 版本记录，快照内容单独存储且不可变
type VersionRef struct {
	ID        string    `json:"id"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}

// ProjectSettings 创建项目时的设定文本
type ProjectSettings struct {
	WorldSetting      string `json:"world_setting"`
	BackgroundSetting string `json:"background_setting"`
	CharacterSetting  string `json:"character_setting"`
	Outline           string `json:"outline"`
}

// ProjectPatch 部分更新，nil 表示不修改
type ProjectPatch struct {
	Name              *string `json:"name,omitempty"`
	WorldSetting      *string `json:"world_setting,omitempty"`
	BackgroundSetting *string `json:"background_setting,omitempty"`
	CharacterSetting  *string `json:"character_setting,omitempty"`
	Outline           *string `json:"outline,omitempty"`
}

// IsEmpty 没有任何字段需要修改
func (p ProjectPatch) IsEmpty() bool {
	return p.Name == nil && p.WorldSetting == nil && p.BackgroundSetting == nil &&
		p.CharacterSetting == nil && p.Outline == nil
}

// Apply 只覆盖提供了的字段
func (p ProjectPatch) Apply(project *Project) {
	if p.Name != nil {
		project.Name = *p.Name
	}
	if p.WorldSetting != nil {
		project.WorldSetting = *p.WorldSetting
	}
	if p.BackgroundSetting != nil {
		project.BackgroundSetting = *p.BackgroundSetting
	}
	if p.CharacterSetting != nil {
		project.CharacterSetting = *p.CharacterSetting
	}
	if p.Outline != nil {
		project.Outline = *p.Outline
	}
}

// ProjectSummary 项目列表条目
type ProjectSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	VolumeCount  int       `json:"volume_count"`
	ChapterCount int       `json:"chapter_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Summarize 生成列表条目
func (p *Project) Summarize() ProjectSummary {
	return ProjectSummary{
		ID:           p.ID,
		Name:         p.Name,
		VolumeCount:  len(p.Volumes),
		ChapterCount: len(p.Chapters),
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

// EnsureVolume 懒扩展卷列表直到包含 idx，不留空洞
func (p *Project) EnsureVolume(idx int) *Volume {
	for len(p.Volumes) <= idx {
		p.Volumes = append(p.Volumes, Volume{Chapters: []string{}})
	}
	return &p.Volumes[idx]
}

// FindChapter 按 ID 查找章节
func (p *Project) FindChapter(chapterID string) (*Chapter, bool) {
	for i := range p.Chapters {
		if p.Chapters[i].ID == chapterID {
			return &p.Chapters[i], true
		}
	}
	return nil, false
}

// VolumeChapters 按卷内存储顺序返回章节，缺失的引用跳过
func (p *Project) VolumeChapters(volumeIdx int) []Chapter {
	if volumeIdx < 0 || volumeIdx >= len(p.Volumes) {
		return nil
	}
	ids := p.Volumes[volumeIdx].Chapters
	out := make([]Chapter, 0, len(ids))
	for _, id := range ids {
		if ch, ok := p.FindChapter(id); ok {
			out = append(out, *ch)
		}
	}
	return out
}
