// internal/config/settings.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Corphon/SerialWriter/internal/models"
)

// SettingsStore 持久化默认采样参数（data/settings.json）
// 调用方每次读取得到值拷贝，不存在进程级可变全局量
type SettingsStore struct {
	path string
	mu   sync.Mutex
}

// NewSettingsStore 创建设置存储
func NewSettingsStore(dataDir string) *SettingsStore {
	return &SettingsStore{path: filepath.Join(dataDir, "settings.json")}
}

// Get 返回当前设置，文件缺失或损坏时用默认值
func (s *SettingsStore) Get() models.GenerationSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *SettingsStore) load() models.GenerationSettings {
	out := models.DefaultGenerationSettings()
	data, err := os.ReadFile(s.path)
	if err != nil {
		return out
	}
	var patch models.GenerationSettingsPatch
	if err := json.Unmarshal(data, &patch); err != nil {
		return out
	}
	return patch.Apply(out)
}

// Save 合并并保存，返回合并后的完整设置
func (s *SettingsStore) Save(patch models.GenerationSettingsPatch) (models.GenerationSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := patch.Apply(s.load())
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return merged, fmt.Errorf("创建配置目录失败: %w", err)
	}
	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return merged, fmt.Errorf("序列化配置失败: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return merged, fmt.Errorf("保存配置失败: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return merged, fmt.Errorf("保存配置失败: %w", err)
	}
	return merged, nil
}
