// internal/api/websocket.go
package api

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Corphon/SerialWriter/internal/services"
	"github.com/Corphon/SerialWriter/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = wsPongWait * 9 / 10
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketManager 记录按任务划分的进度连接
type WebSocketManager struct {
	mutex       sync.RWMutex
	connections map[string]int // taskID -> 连接数
	total       int64
	logger      *utils.Logger
}

// NewWebSocketManager 创建管理器
func NewWebSocketManager(logger *utils.Logger) *WebSocketManager {
	return &WebSocketManager{
		connections: make(map[string]int),
		logger:      logger,
	}
}

func (m *WebSocketManager) register(taskID string) {
	m.mutex.Lock()
	m.connections[taskID]++
	m.mutex.Unlock()
	atomic.AddInt64(&m.total, 1)
}

func (m *WebSocketManager) unregister(taskID string) {
	m.mutex.Lock()
	if m.connections[taskID]--; m.connections[taskID] <= 0 {
		delete(m.connections, taskID)
	}
	m.mutex.Unlock()
}

// GetStatus 当前连接情况
func (m *WebSocketManager) GetStatus() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	active := 0
	for _, n := range m.connections {
		active += n
	}
	return map[string]interface{}{
		"active_tasks":       len(m.connections),
		"active_connections": active,
		"total_connections":  atomic.LoadInt64(&m.total),
	}
}

// ServeTask 把任务进度推送给 WebSocket 客户端，任务结束后关闭连接
func (m *WebSocketManager) ServeTask(c *gin.Context, tracker *services.ProgressTracker) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", map[string]interface{}{"task_id": tracker.TaskID, "error": err.Error()})
		return
	}
	defer conn.Close()

	m.register(tracker.TaskID)
	defer m.unregister(tracker.TaskID)

	updates := tracker.Subscribe()
	defer tracker.Unsubscribe(updates)

	// 读循环只处理 pong 和关闭
	gone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(update); err != nil {
				return
			}
			if update.Status != services.TaskRunning {
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, update.Status))
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
