// internal/services/lock_manager.go
package services

import (
	"sync"
	"time"
)

// LockManager 按项目划分的读写锁
// 同一项目的所有写操作在锁内完成整个 读-改-写 周期
type LockManager struct {
	projectLocks  map[string]*LockInfo
	globalLock    sync.Mutex
	lockTTL       time.Duration
	cleanupTicker *time.Ticker
	stop          chan struct{}
	stopOnce      sync.Once
}

// LockInfo 包装锁和相关信息
type LockInfo struct {
	Mutex          sync.RWMutex
	LastUsed       time.Time
	ReferenceCount int32 // 正在等待或持有的调用数，>0 时不会被清理
}

// NewLockManager 创建锁管理器
func NewLockManager() *LockManager {
	lm := &LockManager{
		projectLocks: make(map[string]*LockInfo),
		lockTTL:      30 * time.Minute,
		stop:         make(chan struct{}),
	}
	lm.startCleanup(5 * time.Minute)
	return lm
}

// acquire 取得锁信息并增加引用
func (lm *LockManager) acquire(projectID string) *LockInfo {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	info, exists := lm.projectLocks[projectID]
	if !exists {
		info = &LockInfo{}
		lm.projectLocks[projectID] = info
	}
	info.ReferenceCount++
	info.LastUsed = time.Now()
	return info
}

func (lm *LockManager) release(info *LockInfo) {
	lm.globalLock.Lock()
	info.ReferenceCount--
	info.LastUsed = time.Now()
	lm.globalLock.Unlock()
}

// ExecuteWithProjectLock 在项目写锁保护下执行操作
func (lm *LockManager) ExecuteWithProjectLock(projectID string, fn func() error) error {
	info := lm.acquire(projectID)
	defer lm.release(info)

	info.Mutex.Lock()
	defer info.Mutex.Unlock()
	return fn()
}

// ExecuteWithProjectReadLock 在项目读锁保护下执行操作
func (lm *LockManager) ExecuteWithProjectReadLock(projectID string, fn func() error) error {
	info := lm.acquire(projectID)
	defer lm.release(info)

	info.Mutex.RLock()
	defer info.Mutex.RUnlock()
	return fn()
}

// 定期清理未使用的锁
func (lm *LockManager) startCleanup(every time.Duration) {
	lm.cleanupTicker = time.NewTicker(every)
	go func() {
		for {
			select {
			case <-lm.cleanupTicker.C:
				lm.cleanupUnusedLocks(time.Now())
			case <-lm.stop:
				return
			}
		}
	}()
}

func (lm *LockManager) cleanupUnusedLocks(now time.Time) int {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	removed := 0
	for id, info := range lm.projectLocks {
		if info.ReferenceCount == 0 && now.Sub(info.LastUsed) > lm.lockTTL {
			delete(lm.projectLocks, id)
			removed++
		}
	}
	return removed
}

// Close 停止清理协程
func (lm *LockManager) Close() {
	lm.stopOnce.Do(func() {
		lm.cleanupTicker.Stop()
		close(lm.stop)
	})
}
