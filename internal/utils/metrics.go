// internal/utils/metrics.go
package utils

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector collects application metrics
type MetricsCollector struct {
	counters   map[string]*int64
	gauges     map[string]*int64
	histograms map[string]*Histogram

	mu sync.RWMutex
}

// Histogram 只记录 count/sum/min/max
type Histogram struct {
	count int64
	sum   int64
	min   int64
	max   int64
	mu    sync.Mutex
}

// HistogramSnapshot 直方图快照
type HistogramSnapshot struct {
	Count int64 `json:"count"`
	Sum   int64 `json:"sum"`
	Min   int64 `json:"min"`
	Max   int64 `json:"max"`
}

// MetricsSnapshot /api/metrics 的返回内容
type MetricsSnapshot struct {
	Counters   map[string]int64             `json:"counters"`
	Gauges     map[string]int64             `json:"gauges"`
	Histograms map[string]HistogramSnapshot `json:"histograms"`
}

var (
	globalMetrics *MetricsCollector
	metricsOnce   sync.Once
)

// NewMetricsCollector 创建独立的收集器
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:   make(map[string]*int64),
		gauges:     make(map[string]*int64),
		histograms: make(map[string]*Histogram),
	}
}

// GetMetricsCollector returns the global metrics collector
func GetMetricsCollector() *MetricsCollector {
	metricsOnce.Do(func() {
		globalMetrics = NewMetricsCollector()
	})
	return globalMetrics
}

// slot 读锁快路径，缺失时加写锁创建
func (m *MetricsCollector) slot(set map[string]*int64, name string) *int64 {
	m.mu.RLock()
	v, ok := set[name]
	m.mu.RUnlock()
	if ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok = set[name]; !ok {
		v = new(int64)
		set[name] = v
	}
	return v
}

// IncrementCounter increments a counter metric
func (m *MetricsCollector) IncrementCounter(name string) {
	m.AddCounter(name, 1)
}

// AddCounter adds a value to a counter metric
func (m *MetricsCollector) AddCounter(name string, value int64) {
	atomic.AddInt64(m.slot(m.counters, name), value)
}

// GetCounterValue gets the current value of a counter
func (m *MetricsCollector) GetCounterValue(name string) int64 {
	m.mu.RLock()
	v, ok := m.counters[name]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v)
}

// AddGauge 增减 gauge
func (m *MetricsCollector) AddGauge(name string, delta int64) {
	atomic.AddInt64(m.slot(m.gauges, name), delta)
}

// GetGauge gets the current value of a gauge
func (m *MetricsCollector) GetGauge(name string) int64 {
	m.mu.RLock()
	v, ok := m.gauges[name]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v)
}

// RecordHistogram records a value in a histogram
func (m *MetricsCollector) RecordHistogram(name string, value int64) {
	m.mu.RLock()
	h, ok := m.histograms[name]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		if h, ok = m.histograms[name]; !ok {
			h = &Histogram{min: value, max: value}
			m.histograms[name] = h
		}
		m.mu.Unlock()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	if value < h.min {
		h.min = value
	}
	if value > h.max {
		h.max = value
	}
}

// Snapshot returns a copy of all metrics
func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		Counters:   make(map[string]int64, len(m.counters)),
		Gauges:     make(map[string]int64, len(m.gauges)),
		Histograms: make(map[string]HistogramSnapshot, len(m.histograms)),
	}
	for name, v := range m.counters {
		snap.Counters[name] = atomic.LoadInt64(v)
	}
	for name, v := range m.gauges {
		snap.Gauges[name] = atomic.LoadInt64(v)
	}
	for name, h := range m.histograms {
		h.mu.Lock()
		snap.Histograms[name] = HistogramSnapshot{Count: h.count, Sum: h.sum, Min: h.min, Max: h.max}
		h.mu.Unlock()
	}
	return snap
}

// GenerationMetrics 生成流程的指标
type GenerationMetrics struct {
	metrics *MetricsCollector
	logger  *Logger
}

// NewGenerationMetrics 绑定收集器与日志
func NewGenerationMetrics(metrics *MetricsCollector, logger *Logger) *GenerationMetrics {
	if metrics == nil {
		metrics = GetMetricsCollector()
	}
	if logger == nil {
		logger = GetLogger()
	}
	return &GenerationMetrics{metrics: metrics, logger: logger}
}

// Collector 底层收集器
func (gm *GenerationMetrics) Collector() *MetricsCollector {
	return gm.metrics
}

// RecordLLMCall 记录一次模型调用（direction/content/summary/compaction）
func (gm *GenerationMetrics) RecordLLMCall(stage, model string, duration time.Duration, err error) {
	gm.metrics.IncrementCounter("llm_calls_total")
	gm.metrics.IncrementCounter("llm_calls_" + stage)
	gm.metrics.RecordHistogram("llm_latency_ms_"+stage, duration.Milliseconds())
	if err != nil {
		gm.metrics.IncrementCounter("llm_failures_total")
		gm.metrics.IncrementCounter("llm_failures_" + stage)
	}

	gm.logger.Debug("LLM call completed", map[string]interface{}{
		"stage":    stage,
		"model":    model,
		"duration": duration.Milliseconds(),
		"failed":   err != nil,
	})
}

// RecordChapterGenerated 章节成功落盘
func (gm *GenerationMetrics) RecordChapterGenerated(contentRunes int) {
	gm.metrics.IncrementCounter("chapters_generated_total")
	gm.metrics.RecordHistogram("chapter_content_runes", int64(contentRunes))
}

// RecordCompaction 卷压缩
func (gm *GenerationMetrics) RecordCompaction(err error) {
	gm.metrics.IncrementCounter("volume_compactions_total")
	if err != nil {
		gm.metrics.IncrementCounter("volume_compaction_failures_total")
	}
}

// RecordAPIRequest 记录 HTTP 请求
func (gm *GenerationMetrics) RecordAPIRequest(route, method string, statusCode int, duration time.Duration) {
	gm.metrics.IncrementCounter("api_requests_total")
	gm.metrics.IncrementCounter("api_responses_" + strconv.Itoa(statusCode/100) + "xx")
	gm.metrics.RecordHistogram("api_response_time_ms", duration.Milliseconds())

	gm.logger.Debug("API request completed", map[string]interface{}{
		"route":    route,
		"method":   method,
		"status":   statusCode,
		"duration": duration.Milliseconds(),
	})
}
