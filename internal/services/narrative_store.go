// internal/services/narrative_store.go
package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	apperrors "github.com/Corphon/SerialWriter/internal/errors"
	"github.com/Corphon/SerialWriter/internal/models"
	"github.com/Corphon/SerialWriter/internal/storage"
	"github.com/Corphon/SerialWriter/internal/utils"
	"github.com/segmentio/ksuid"
	"golang.org/x/sync/errgroup"
)

// listConcurrency ListProjects 并发读取的上限
const listConcurrency = 8

// NarrativeStore 项目/卷/章节/版本的持久化与修改
// 每个修改操作在项目写锁内完成完整的 读-改-写
type NarrativeStore struct {
	backend storage.Backend
	locks   *LockManager
	logger  *utils.Logger

	now   func() time.Time
	newID func() string
}

// NewNarrativeStore 创建叙事存储
func NewNarrativeStore(backend storage.Backend, locks *LockManager, logger *utils.Logger) *NarrativeStore {
	if locks == nil {
		locks = NewLockManager()
	}
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &NarrativeStore{
		backend: backend,
		locks:   locks,
		logger:  logger,
		now:     time.Now,
		newID:   func() string { return ksuid.New().String() },
	}
}

// classify 把存储层错误映射为应用错误，"不存在"与"读失败"分开
func classify(err error, message string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, storage.ErrNotFound):
		return apperrors.NewNotFoundError(message+": 不存在", err)
	case errors.Is(err, storage.ErrInvalidID):
		return apperrors.NewInvalidInputError(message+": 非法的ID", err)
	default:
		return apperrors.NewStorageError(message, err)
	}
}

// loadForUpdate 调用方已持有项目写锁
func (s *NarrativeStore) loadForUpdate(ctx context.Context, projectID string) (*models.Project, error) {
	p, err := s.backend.LoadProject(ctx, projectID)
	if err != nil {
		return nil, classify(err, "读取项目")
	}
	return p, nil
}

// CreateProject 创建空项目，返回项目 ID
func (s *NarrativeStore) CreateProject(ctx context.Context, name string, settings models.ProjectSettings) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", apperrors.NewInvalidInputError("项目名称不能为空", nil)
	}

	now := s.now()
	project := &models.Project{
		ID:                s.newID(),
		Name:              name,
		WorldSetting:      settings.WorldSetting,
		BackgroundSetting: settings.BackgroundSetting,
		CharacterSetting:  settings.CharacterSetting,
		Outline:           settings.Outline,
		Volumes:           []models.Volume{},
		Chapters:          []models.Chapter{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err := s.locks.ExecuteWithProjectLock(project.ID, func() error {
		return classify(s.backend.SaveProject(ctx, project), "保存项目")
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("project created", map[string]interface{}{"project_id": project.ID, "name": name})
	return project.ID, nil
}

// GetProject 读取项目。不存在返回 NotFound，记录损坏返回 StorageError
// 读锁保证看到的是最近一次已提交的写入，不会读到写到一半的记录
func (s *NarrativeStore) GetProject(ctx context.Context, projectID string) (*models.Project, error) {
	var project *models.Project
	err := s.locks.ExecuteWithProjectReadLock(projectID, func() error {
		p, err := s.backend.LoadProject(ctx, projectID)
		if err != nil {
			return classify(err, "读取项目")
		}
		project = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

// ListProjects 列出全部项目，按更新时间倒序；损坏的记录跳过并告警
func (s *NarrativeStore) ListProjects(ctx context.Context) ([]models.ProjectSummary, error) {
	ids, err := s.backend.ListProjectIDs(ctx)
	if err != nil {
		return nil, classify(err, "列出项目")
	}

	summaries := make([]*models.ProjectSummary, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			p, err := s.GetProject(gctx, id)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.logger.Warn("skip unreadable project", map[string]interface{}{"project_id": id, "error": err.Error()})
				return nil
			}
			summary := p.Summarize()
			summaries[i] = &summary
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]models.ProjectSummary, 0, len(ids))
	for _, summary := range summaries {
		if summary != nil {
			out = append(out, *summary)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// UpdateProject 只合并补丁中提供的字段；项目不存在时静默返回
func (s *NarrativeStore) UpdateProject(ctx context.Context, projectID string, patch models.ProjectPatch) error {
	if patch.IsEmpty() {
		return nil
	}
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return apperrors.NewInvalidInputError("项目名称不能为空", nil)
	}

	return s.locks.ExecuteWithProjectLock(projectID, func() error {
		p, err := s.loadForUpdate(ctx, projectID)
		if apperrors.IsNotFoundError(err) {
			return nil
		}
		if err != nil {
			return err
		}
		patch.Apply(p)
		p.UpdatedAt = s.now()
		return classify(s.backend.SaveProject(ctx, p), "保存项目")
	})
}

// AddChapter 追加章节：懒扩展卷、写正文、记录"初始生成"版本
// 元数据最后写入，之前的任何失败都不会让项目记录指向缺失的正文
func (s *NarrativeStore) AddChapter(ctx context.Context, projectID string, volumeIdx, chapterIdx int, direction, content, summary string) (string, error) {
	if volumeIdx < 0 || chapterIdx < 0 {
		return "", apperrors.NewInvalidInputError("卷号和章号不能为负", nil)
	}

	var chapterID string
	err := s.locks.ExecuteWithProjectLock(projectID, func() error {
		p, err := s.loadForUpdate(ctx, projectID)
		if err != nil {
			return err
		}

		now := s.now()
		chapterID = s.newID()
		versionID := s.newID()

		if err := s.backend.SaveChapterContent(ctx, projectID, chapterID, content); err != nil {
			return classify(err, "保存章节正文")
		}
		if err := s.backend.SaveVersionContent(ctx, projectID, chapterID, versionID, content); err != nil {
			return classify(err, "保存版本快照")
		}

		vol := p.EnsureVolume(volumeIdx)
		vol.Chapters = append(vol.Chapters, chapterID)
		p.Chapters = append(p.Chapters, models.Chapter{
			ID:         chapterID,
			VolumeIdx:  volumeIdx,
			ChapterIdx: chapterIdx,
			Direction:  direction,
			Summary:    summary,
			CreatedAt:  now,
			Versions: []models.VersionRef{{
				ID:        versionID,
				Note:      models.InitialVersionNote,
				CreatedAt: now,
			}},
		})
		p.UpdatedAt = now

		return classify(s.backend.SaveProject(ctx, p), "保存项目")
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("chapter added", map[string]interface{}{
		"project_id": projectID,
		"chapter_id": chapterID,
		"volume":     volumeIdx,
		"chapter":    chapterIdx,
	})
	return chapterID, nil
}

// AddVersion 为已有章节保存快照，不修改当前正文
func (s *NarrativeStore) AddVersion(ctx context.Context, projectID, chapterID, content, note string) (string, error) {
	var versionID string
	err := s.locks.ExecuteWithProjectLock(projectID, func() error {
		p, err := s.loadForUpdate(ctx, projectID)
		if err != nil {
			return err
		}
		ch, ok := p.FindChapter(chapterID)
		if !ok {
			return apperrors.NewNotFoundError("章节不存在", nil)
		}

		versionID = s.newID()
		if err := s.backend.SaveVersionContent(ctx, projectID, chapterID, versionID, content); err != nil {
			return classify(err, "保存版本快照")
		}
		now := s.now()
		ch.Versions = append(ch.Versions, models.VersionRef{ID: versionID, Note: note, CreatedAt: now})
		p.UpdatedAt = now
		return classify(s.backend.SaveProject(ctx, p), "保存项目")
	})
	if err != nil {
		return "", err
	}
	return versionID, nil
}

// chapterOf 读取项目并定位章节
func (s *NarrativeStore) chapterOf(ctx context.Context, projectID, chapterID string) (*models.Project, *models.Chapter, error) {
	p, err := s.GetProject(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	ch, ok := p.FindChapter(chapterID)
	if !ok {
		return nil, nil, apperrors.NewNotFoundError("章节不存在", nil)
	}
	return p, ch, nil
}

// loadContent 章节存在但正文文件缺失时视为空正文
func (s *NarrativeStore) loadContent(ctx context.Context, projectID, chapterID string) (string, error) {
	content, err := s.backend.LoadChapterContent(ctx, projectID, chapterID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", classify(err, "读取章节正文")
	}
	return content, nil
}

// GetChapter 章节元数据加当前正文
func (s *NarrativeStore) GetChapter(ctx context.Context, projectID, chapterID string) (*models.ChapterDetail, error) {
	_, ch, err := s.chapterOf(ctx, projectID, chapterID)
	if err != nil {
		return nil, err
	}
	content, err := s.loadContent(ctx, projectID, chapterID)
	if err != nil {
		return nil, err
	}
	return &models.ChapterDetail{Chapter: *ch, Content: content}, nil
}

// GetChapterContent 当前正文
func (s *NarrativeStore) GetChapterContent(ctx context.Context, projectID, chapterID string) (string, error) {
	if _, _, err := s.chapterOf(ctx, projectID, chapterID); err != nil {
		return "", err
	}
	return s.loadContent(ctx, projectID, chapterID)
}

// SetChapterContent 覆盖当前正文，不创建版本（草稿编辑）
func (s *NarrativeStore) SetChapterContent(ctx context.Context, projectID, chapterID, content string) error {
	return s.locks.ExecuteWithProjectLock(projectID, func() error {
		p, err := s.loadForUpdate(ctx, projectID)
		if err != nil {
			return err
		}
		if _, ok := p.FindChapter(chapterID); !ok {
			return apperrors.NewNotFoundError("章节不存在", nil)
		}
		return classify(s.backend.SaveChapterContent(ctx, projectID, chapterID, content), "保存章节正文")
	})
}

// GetVersionContent 版本快照。版本记录存在但快照缺失属于存储错误
func (s *NarrativeStore) GetVersionContent(ctx context.Context, projectID, chapterID, versionID string) (string, error) {
	_, ch, err := s.chapterOf(ctx, projectID, chapterID)
	if err != nil {
		return "", err
	}
	known := false
	for _, v := range ch.Versions {
		if v.ID == versionID {
			known = true
			break
		}
	}
	if !known {
		return "", apperrors.NewNotFoundError("版本不存在", nil)
	}

	content, err := s.backend.LoadVersionContent(ctx, projectID, chapterID, versionID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", apperrors.NewStorageError("版本快照缺失", err)
	}
	if err != nil {
		return "", classify(err, "读取版本快照")
	}
	return content, nil
}

// UpdateChapterSummary 覆盖章节摘要
func (s *NarrativeStore) UpdateChapterSummary(ctx context.Context, projectID, chapterID, summary string) error {
	return s.locks.ExecuteWithProjectLock(projectID, func() error {
		p, err := s.loadForUpdate(ctx, projectID)
		if err != nil {
			return err
		}
		ch, ok := p.FindChapter(chapterID)
		if !ok {
			return apperrors.NewNotFoundError("章节不存在", nil)
		}
		ch.Summary = summary
		p.UpdatedAt = s.now()
		return classify(s.backend.SaveProject(ctx, p), "保存项目")
	})
}

// UpdateVolumeSummary 覆盖卷摘要，必要时懒扩展卷列表
func (s *NarrativeStore) UpdateVolumeSummary(ctx context.Context, projectID string, volumeIdx int, summary string) error {
	if volumeIdx < 0 {
		return apperrors.NewInvalidInputError("卷号不能为负", nil)
	}
	return s.locks.ExecuteWithProjectLock(projectID, func() error {
		p, err := s.loadForUpdate(ctx, projectID)
		if err != nil {
			return err
		}
		p.EnsureVolume(volumeIdx).Summary = summary
		p.UpdatedAt = s.now()
		return classify(s.backend.SaveProject(ctx, p), "保存项目")
	})
}

// CompareVersion 版本快照与当前正文的行级差异
func (s *NarrativeStore) CompareVersion(ctx context.Context, projectID, chapterID, versionID string) (*models.VersionDiff, error) {
	snapshot, err := s.GetVersionContent(ctx, projectID, chapterID, versionID)
	if err != nil {
		return nil, err
	}
	current, err := s.loadContent(ctx, projectID, chapterID)
	if err != nil {
		return nil, err
	}

	diff := &models.VersionDiff{
		ChapterID: chapterID,
		VersionID: versionID,
		Identical: snapshot == current,
	}
	for _, c := range utils.DiffLines(snapshot, current) {
		line := models.DiffLine{Text: c.Text}
		switch c.Delta {
		case utils.LineInserted:
			line.Op = models.DiffInsert
			diff.Added++
		case utils.LineDeleted:
			line.Op = models.DiffDelete
			diff.Removed++
		default:
			line.Op = models.DiffEqual
		}
		diff.Lines = append(diff.Lines, line)
	}
	return diff, nil
}
