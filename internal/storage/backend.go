// internal/storage/backend.go
package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/Corphon/SerialWriter/internal/models"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("记录不存在")
	// ErrCorrupt 记录存在但无法解析
	ErrCorrupt = errors.New("记录已损坏")
	// ErrInvalidID ID 为空或含路径字符
	ErrInvalidID = errors.New("非法的ID")
)

// Backend 三级寻址：项目元数据 / 章节正文 / 版本快照
type Backend interface {
	LoadProject(ctx context.Context, projectID string) (*models.Project, error)
	SaveProject(ctx context.Context, project *models.Project) error
	ListProjectIDs(ctx context.Context) ([]string, error)

	LoadChapterContent(ctx context.Context, projectID, chapterID string) (string, error)
	SaveChapterContent(ctx context.Context, projectID, chapterID, content string) error

	LoadVersionContent(ctx context.Context, projectID, chapterID, versionID string) (string, error)
	SaveVersionContent(ctx context.Context, projectID, chapterID, versionID, content string) error

	Close() error
}

// ValidID 拒绝空 ID 和可能逃逸数据目录的 ID
func ValidID(id string) bool {
	if strings.TrimSpace(id) == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\_`) && !strings.Contains(id, "..")
}

func checkIDs(ids ...string) error {
	for _, id := range ids {
		if !ValidID(id) {
			return ErrInvalidID
		}
	}
	return nil
}
