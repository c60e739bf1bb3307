// internal/storage/file_storage.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Corphon/SerialWriter/internal/models"
	"github.com/patrickmn/go-cache"
)

const (
	projectsDir  = "projects"
	metaFile     = "meta.json"
	chaptersDir  = "chapters"
	versionsDir  = "versions"
	textFileExt  = ".txt"
	cacheExpiry  = 5 * time.Minute
	cacheCleanup = 2 * time.Minute
)

// FileStorage 提供文件存储服务
//
//	<base>/projects/<pid>/meta.json
//	<base>/projects/<pid>/chapters/<cid>.txt
//	<base>/projects/<pid>/versions/<cid>_<vid>.txt
type FileStorage struct {
	BaseDir string

	// 文件级别锁 path -> *sync.RWMutex
	fileLocks sync.Map

	// 已读文件内容缓存，写入时失效
	cache *cache.Cache
}

// NewFileStorage 创建文件存储服务
func NewFileStorage(baseDir string) (*FileStorage, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, projectsDir), 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}

	return &FileStorage{
		BaseDir: baseDir,
		cache:   cache.New(cacheExpiry, cacheCleanup),
	}, nil
}

// 获取文件锁
func (fs *FileStorage) getFileLock(fullPath string) *sync.RWMutex {
	value, _ := fs.fileLocks.LoadOrStore(fullPath, &sync.RWMutex{})
	return value.(*sync.RWMutex)
}

// SaveTextFile 原子写入：先写临时文件再 rename
func (fs *FileStorage) SaveTextFile(dirPath, filename string, content []byte) error {
	fullDirPath := filepath.Join(fs.BaseDir, dirPath)
	fullPath := filepath.Join(fullDirPath, filename)

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(fullDirPath, 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	tempPath := fullPath + ".tmp"
	if err := os.WriteFile(tempPath, content, 0644); err != nil {
		return fmt.Errorf("保存临时文件失败: %w", err)
	}
	if err := os.Rename(tempPath, fullPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("保存文件失败: %w", err)
	}

	fs.cache.Delete(fullPath)
	return nil
}

// SaveJSONFile 保存JSON文件
func (fs *FileStorage) SaveJSONFile(dirPath, filename string, data interface{}) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化JSON失败: %w", err)
	}
	return fs.SaveTextFile(dirPath, filename, content)
}

// LoadTextFile 读取文本文件，文件不存在时错误链包含 iofs.ErrNotExist
func (fs *FileStorage) LoadTextFile(dirPath, filename string) ([]byte, error) {
	fullPath := filepath.Join(fs.BaseDir, dirPath, filename)

	if data, ok := fs.cache.Get(fullPath); ok {
		return data.([]byte), nil
	}

	lock := fs.getFileLock(fullPath)
	lock.RLock()
	defer lock.RUnlock()

	content, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}

	fs.cache.SetDefault(fullPath, content)
	return content, nil
}

// LoadJSONFile 读取并解析JSON文件
func (fs *FileStorage) LoadJSONFile(dirPath, filename string, v interface{}) error {
	content, err := fs.LoadTextFile(dirPath, filename)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(content, v); err != nil {
		return fmt.Errorf("解析JSON失败: %w: %v", ErrCorrupt, err)
	}
	return nil
}

// ListDirs 列出目录下的所有子目录
func (fs *FileStorage) ListDirs(dirPath string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(fs.BaseDir, dirPath))
	if err != nil {
		return nil, fmt.Errorf("读取目录失败: %w", err)
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

func projectDir(projectID string) string {
	return filepath.Join(projectsDir, projectID)
}

func notFoundOr(err error) error {
	if errors.Is(err, iofs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// LoadProject 读取项目元数据
func (fs *FileStorage) LoadProject(ctx context.Context, projectID string) (*models.Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkIDs(projectID); err != nil {
		return nil, err
	}

	var project models.Project
	if err := fs.LoadJSONFile(projectDir(projectID), metaFile, &project); err != nil {
		return nil, notFoundOr(err)
	}
	// 旧数据的 meta.json 没有 id 字段，以目录名为准
	project.ID = projectID
	return &project, nil
}

// SaveProject 写入项目元数据
func (fs *FileStorage) SaveProject(ctx context.Context, project *models.Project) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkIDs(project.ID); err != nil {
		return err
	}
	return fs.SaveJSONFile(projectDir(project.ID), metaFile, project)
}

// ListProjectIDs 含 meta.json 的项目目录
func (fs *FileStorage) ListProjectIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirs, err := fs.ListDirs(projectsDir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if _, statErr := os.Stat(filepath.Join(fs.BaseDir, projectsDir, d, metaFile)); statErr == nil {
			ids = append(ids, d)
		}
	}
	return ids, nil
}

// LoadChapterContent 章节当前正文
func (fs *FileStorage) LoadChapterContent(ctx context.Context, projectID, chapterID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := checkIDs(projectID, chapterID); err != nil {
		return "", err
	}
	data, err := fs.LoadTextFile(filepath.Join(projectDir(projectID), chaptersDir), chapterID+textFileExt)
	if err != nil {
		return "", notFoundOr(err)
	}
	return string(data), nil
}

// SaveChapterContent 覆盖章节当前正文
func (fs *FileStorage) SaveChapterContent(ctx context.Context, projectID, chapterID, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkIDs(projectID, chapterID); err != nil {
		return err
	}
	return fs.SaveTextFile(filepath.Join(projectDir(projectID), chaptersDir), chapterID+textFileExt, []byte(content))
}

// LoadVersionContent 版本快照
func (fs *FileStorage) LoadVersionContent(ctx context.Context, projectID, chapterID, versionID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := checkIDs(projectID, chapterID, versionID); err != nil {
		return "", err
	}
	data, err := fs.LoadTextFile(filepath.Join(projectDir(projectID), versionsDir), chapterID+"_"+versionID+textFileExt)
	if err != nil {
		return "", notFoundOr(err)
	}
	return string(data), nil
}

// SaveVersionContent 写入版本快照，写入后不再修改
func (fs *FileStorage) SaveVersionContent(ctx context.Context, projectID, chapterID, versionID, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkIDs(projectID, chapterID, versionID); err != nil {
		return err
	}
	return fs.SaveTextFile(filepath.Join(projectDir(projectID), versionsDir), chapterID+"_"+versionID+textFileExt, []byte(content))
}

// Close 清空缓存
func (fs *FileStorage) Close() error {
	fs.cache.Flush()
	return nil
}
