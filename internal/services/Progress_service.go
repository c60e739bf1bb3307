// internal/services/Progress_service.go
package services

import (
	"fmt"
	"sync"
	"time"
)

// 任务状态
const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// ProgressUpdate 表示进度更新
type ProgressUpdate struct {
	TaskID   string      `json:"task_id"`
	Progress int         `json:"progress"` // 进度百分比 (0-100)
	Stage    string      `json:"stage,omitempty"`
	Message  string      `json:"message"`
	Status   string      `json:"status"` // running, completed, failed
	Result   interface{} `json:"result,omitempty"`
}

// ProgressTracker 跟踪一次章节生成的进度
type ProgressTracker struct {
	TaskID      string
	Progress    int
	Stage       string
	Message     string
	Status      string
	Result      interface{}
	StartTime   time.Time
	UpdateTime  time.Time
	Subscribers map[chan ProgressUpdate]bool
	Done        chan struct{}
	mutex       sync.Mutex
}

// ProgressService 管理所有进度跟踪器
type ProgressService struct {
	trackers map[string]*ProgressTracker
	mutex    sync.RWMutex
}

// NewProgressService 创建进度服务实例
func NewProgressService() *ProgressService {
	return &ProgressService{
		trackers: make(map[string]*ProgressTracker),
	}
}

// CreateTracker 创建新的进度跟踪器，已存在时返回现有的
func (s *ProgressService) CreateTracker(taskID string) *ProgressTracker {
	tracker, _ := s.CreateTrackerIfAbsent(taskID)
	return tracker
}

// CreateTrackerIfAbsent 检查与创建在同一把锁内完成；created 为 false 表示任务ID已被占用
func (s *ProgressService) CreateTrackerIfAbsent(taskID string) (*ProgressTracker, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if tracker, exists := s.trackers[taskID]; exists {
		return tracker, false
	}

	now := time.Now()
	tracker := &ProgressTracker{
		TaskID:      taskID,
		Message:     "任务初始化中...",
		Status:      TaskRunning,
		StartTime:   now,
		UpdateTime:  now,
		Subscribers: make(map[chan ProgressUpdate]bool),
		Done:        make(chan struct{}),
	}
	s.trackers[taskID] = tracker
	return tracker, true
}

// GetTracker 获取进度跟踪器
func (s *ProgressService) GetTracker(taskID string) (*ProgressTracker, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	tracker, exists := s.trackers[taskID]
	return tracker, exists
}

func (t *ProgressTracker) snapshot() ProgressUpdate {
	return ProgressUpdate{
		TaskID:   t.TaskID,
		Progress: t.Progress,
		Stage:    t.Stage,
		Message:  t.Message,
		Status:   t.Status,
		Result:   t.Result,
	}
}

// broadcast 非阻塞发送，通道已满则跳过
func (t *ProgressTracker) broadcast() {
	update := t.snapshot()
	for subscriber := range t.Subscribers {
		select {
		case subscriber <- update:
		default:
		}
	}
}

// Snapshot 当前状态
func (t *ProgressTracker) Snapshot() ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.snapshot()
}

// UpdateStage 进入新阶段，进度只增不减
func (t *ProgressTracker) UpdateStage(stage string, progress int, message string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.Status != TaskRunning {
		return
	}

	if progress > t.Progress {
		t.Progress = progress
	}
	t.Stage = stage
	if message != "" {
		t.Message = message
	}
	t.UpdateTime = time.Now()
	t.broadcast()
}

// Complete 标记任务完成并附带结果
func (t *ProgressTracker) Complete(message string, result interface{}) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.Status != TaskRunning {
		return
	}

	t.Progress = 100
	t.Message = message
	if t.Message == "" {
		t.Message = "任务已完成"
	}
	t.Status = TaskCompleted
	t.Result = result
	t.UpdateTime = time.Now()
	t.broadcast()
	close(t.Done)
}

// Fail 标记任务失败
func (t *ProgressTracker) Fail(errorMsg string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.Status != TaskRunning {
		return
	}

	t.Message = fmt.Sprintf("任务失败: %s", errorMsg)
	t.Status = TaskFailed
	t.UpdateTime = time.Now()
	t.broadcast()
	close(t.Done)
}

// Subscribe 订阅进度更新，立即收到当前状态
func (t *ProgressTracker) Subscribe() chan ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	subscriber := make(chan ProgressUpdate, 10)
	t.Subscribers[subscriber] = true
	subscriber <- t.snapshot()
	return subscriber
}

// Unsubscribe 取消订阅
func (t *ProgressTracker) Unsubscribe(subscriber chan ProgressUpdate) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, ok := t.Subscribers[subscriber]; ok {
		delete(t.Subscribers, subscriber)
		close(subscriber)
	}
}

// CleanupCompletedTasks 清理已结束且超过 maxAge 的任务
func (s *ProgressService) CleanupCompletedTasks(maxAge time.Duration) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	removed := 0
	now := time.Now()
	for id, tracker := range s.trackers {
		tracker.mutex.Lock()
		finished := tracker.Status != TaskRunning
		isOld := now.Sub(tracker.UpdateTime) > maxAge
		tracker.mutex.Unlock()

		if finished && isOld {
			delete(s.trackers, id)
			removed++
		}
	}
	return removed
}
