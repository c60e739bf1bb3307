// internal/storage/sqlite_storage.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	iofs "io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Corphon/SerialWriter/internal/models"
	"github.com/Corphon/SerialWriter/internal/storage/migrations"
	_ "modernc.org/sqlite"
)

const migrationTable = "schema_migrations"

// SQLiteStorage 单文件数据库后端，寻址方式与 FileStorage 相同
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLite 打开数据库并执行内置迁移
func OpenSQLite(path string) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 写入串行化，避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// applyMigrations 每个 .sql 文件最多执行一次
func applyMigrations(db *sql.DB, migrationFS iofs.FS) error {
	entries, err := iofs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, name := range files {
		var count int
		if err := db.QueryRow(`SELECT COUNT(1) FROM `+migrationTable+` WHERE name = ?`, name).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}
		content, err := iofs.ReadFile(migrationFS, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		if _, err := tx.Exec(`INSERT INTO `+migrationTable+` (name, applied_at) VALUES (?, ?)`, name, time.Now().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the SQLite handle.
func (s *SQLiteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func noRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// LoadProject 读取项目元数据
func (s *SQLiteStorage) LoadProject(ctx context.Context, projectID string) (*models.Project, error) {
	if err := checkIDs(projectID); err != nil {
		return nil, err
	}
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM projects WHERE id = ?`, projectID).Scan(&data)
	if err != nil {
		return nil, noRows(err)
	}
	var project models.Project
	if err := json.Unmarshal([]byte(data), &project); err != nil {
		return nil, fmt.Errorf("解析项目记录失败: %w: %v", ErrCorrupt, err)
	}
	project.ID = projectID
	return &project, nil
}

// SaveProject upsert 项目元数据
func (s *SQLiteStorage) SaveProject(ctx context.Context, project *models.Project) error {
	if err := checkIDs(project.ID); err != nil {
		return err
	}
	data, err := json.Marshal(project)
	if err != nil {
		return fmt.Errorf("序列化JSON失败: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO projects (id, data, updated_at) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		project.ID, string(data), project.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("保存项目失败: %w", err)
	}
	return nil
}

// ListProjectIDs 按 ID 排序
func (s *SQLiteStorage) ListProjectIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM projects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("查询项目列表失败: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LoadChapterContent 章节当前正文
func (s *SQLiteStorage) LoadChapterContent(ctx context.Context, projectID, chapterID string) (string, error) {
	if err := checkIDs(projectID, chapterID); err != nil {
		return "", err
	}
	var content string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM chapter_contents WHERE project_id = ? AND chapter_id = ?`,
		projectID, chapterID).Scan(&content)
	if err != nil {
		return "", noRows(err)
	}
	return content, nil
}

// SaveChapterContent 覆盖章节当前正文
func (s *SQLiteStorage) SaveChapterContent(ctx context.Context, projectID, chapterID, content string) error {
	if err := checkIDs(projectID, chapterID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO chapter_contents (project_id, chapter_id, content) VALUES (?, ?, ?)
ON CONFLICT(project_id, chapter_id) DO UPDATE SET content = excluded.content`,
		projectID, chapterID, content)
	if err != nil {
		return fmt.Errorf("保存章节正文失败: %w", err)
	}
	return nil
}

// LoadVersionContent 版本快照
func (s *SQLiteStorage) LoadVersionContent(ctx context.Context, projectID, chapterID, versionID string) (string, error) {
	if err := checkIDs(projectID, chapterID, versionID); err != nil {
		return "", err
	}
	var content string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM version_contents WHERE project_id = ? AND chapter_id = ? AND version_id = ?`,
		projectID, chapterID, versionID).Scan(&content)
	if err != nil {
		return "", noRows(err)
	}
	return content, nil
}

// SaveVersionContent 快照只插入不覆盖
func (s *SQLiteStorage) SaveVersionContent(ctx context.Context, projectID, chapterID, versionID, content string) error {
	if err := checkIDs(projectID, chapterID, versionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO version_contents (project_id, chapter_id, version_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		projectID, chapterID, versionID, content, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("保存版本快照失败: %w", err)
	}
	return nil
}
