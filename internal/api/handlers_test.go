package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Corphon/SerialWriter/internal/auth"
	"github.com/Corphon/SerialWriter/internal/config"
	"github.com/Corphon/SerialWriter/internal/llm"
	"github.com/Corphon/SerialWriter/internal/services"
	"github.com/Corphon/SerialWriter/internal/storage"
	"github.com/Corphon/SerialWriter/internal/utils"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// echoProvider 按系统提示返回固定文本
type echoProvider struct {
	fail error
}

func (p *echoProvider) Initialize(map[string]string) error { return nil }
func (p *echoProvider) GetName() string                    { return "echo" }
func (p *echoProvider) GetSupportedModels() []string       { return []string{"echo"} }
func (p *echoProvider) Complete(ctx context.Context, model string, messages []llm.Message, opts llm.CompletionOptions) (string, error) {
	if p.fail != nil {
		return "", p.fail
	}
	system := messages[0].Content
	switch {
	case strings.Contains(system, "小说策划"):
		return "走向", nil
	case strings.Contains(system, "小说作家"):
		return "正文第一行\n正文第二行", nil
	default:
		return "摘要", nil
	}
}

type testServer struct {
	handler  *Handler
	router   *gin.Engine
	provider *echoProvider
}

func newTestServer(t *testing.T, tokens *auth.TokenConfig) *testServer {
	t.Helper()
	dir := t.TempDir()
	logger := utils.NewLogger(io.Discard)
	collector := utils.NewMetricsCollector()
	metrics := utils.NewGenerationMetrics(collector, logger)

	fs, err := storage.NewFileStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	locks := services.NewLockManager()
	t.Cleanup(func() {
		locks.Close()
		fs.Close()
	})

	store := services.NewNarrativeStore(fs, locks, logger)
	provider := &echoProvider{}
	llmSvc := services.NewLLMService(metrics, logger)
	llmSvc.SetProvider("echo", provider)
	progress := services.NewProgressService()

	gen := services.NewGenerationService(services.GenerationServiceOptions{
		Store:    store,
		LLM:      llmSvc,
		Progress: progress,
		Metrics:  metrics,
		Logger:   logger,
		Config:   config.DefaultGenerationConfig(),
		Timeout:  time.Minute,
	})

	h := NewHandler(HandlerDeps{
		Store:      store,
		Generation: gen,
		LLM:        llmSvc,
		Progress:   progress,
		Settings:   config.NewSettingsStore(dir),
		Metrics:    collector,
		Logger:     logger,
	})
	r := SetupRouter(h, RouterOptions{Debug: true, Tokens: tokens, Metrics: metrics, Logger: logger})
	return &testServer{handler: h, router: r, provider: provider}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers ...string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp APIResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

// data 把响应中的 data 重新解码到 v
func decodeData(t *testing.T, resp APIResponse, v interface{}) {
	t.Helper()
	raw, _ := json.Marshal(resp.Data)
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func (s *testServer) createProject(t *testing.T) string {
	t.Helper()
	w, resp := s.do(t, http.MethodPost, "/api/projects", gin.H{"name": "作品", "world_setting": "世界"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create project: %d %s", w.Code, w.Body.String())
	}
	var out struct {
		ProjectID string `json:"project_id"`
	}
	decodeData(t, resp, &out)
	return out.ProjectID
}

func TestProjectEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createProject(t)

	w, resp := s.do(t, http.MethodGet, "/api/projects", nil)
	if w.Code != http.StatusOK || resp.RequestID == "" {
		t.Fatalf("list: %d %+v", w.Code, resp)
	}

	w, _ = s.do(t, http.MethodPut, "/api/projects/"+id, gin.H{"outline": "新大纲"})
	if w.Code != http.StatusOK {
		t.Fatalf("update: %d %s", w.Code, w.Body.String())
	}
	_, resp = s.do(t, http.MethodGet, "/api/projects/"+id, nil)
	var p struct {
		WorldSetting string `json:"world_setting"`
		Outline      string `json:"outline"`
	}
	decodeData(t, resp, &p)
	if p.WorldSetting != "世界" || p.Outline != "新大纲" {
		t.Fatalf("project after update: %+v", p)
	}

	if w, _ := s.do(t, http.MethodPut, "/api/projects/ghost", gin.H{"outline": "x"}); w.Code != http.StatusNotFound {
		t.Fatalf("update missing project: %d", w.Code)
	}
	if w, _ := s.do(t, http.MethodGet, "/api/projects/ghost", nil); w.Code != http.StatusNotFound {
		t.Fatalf("get missing project: %d", w.Code)
	}
	if w, _ := s.do(t, http.MethodPost, "/api/projects", gin.H{"outline": "no name"}); w.Code != http.StatusBadRequest {
		t.Fatalf("create without name: %d", w.Code)
	}
}

func TestGenerateAndEditChapter(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createProject(t)

	w, resp := s.do(t, http.MethodPost, "/api/generate-chapter", gin.H{
		"project_id": id, "volume_idx": 0, "chapter_idx": 0, "user_direction": "开篇",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("generate: %d %s", w.Code, w.Body.String())
	}
	var gen struct {
		ChapterID string `json:"chapter_id"`
		Content   string `json:"content"`
	}
	decodeData(t, resp, &gen)
	if gen.ChapterID == "" || gen.Content == "" {
		t.Fatalf("generate result: %+v", gen)
	}

	base := "/api/projects/" + id + "/chapters/" + gen.ChapterID
	if w, _ := s.do(t, http.MethodPut, base, gin.H{"content": "正文第一行\n改写"}); w.Code != http.StatusOK {
		t.Fatalf("update chapter: %d", w.Code)
	}

	_, resp = s.do(t, http.MethodGet, base, nil)
	var ch struct {
		Content  string `json:"content"`
		Versions []struct {
			ID   string `json:"id"`
			Note string `json:"note"`
		} `json:"versions"`
	}
	decodeData(t, resp, &ch)
	if ch.Content != "正文第一行\n改写" || len(ch.Versions) != 1 {
		t.Fatalf("chapter after edit: %+v", ch)
	}

	w, resp = s.do(t, http.MethodGet, base+"/versions/"+ch.Versions[0].ID+"/diff", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("diff: %d", w.Code)
	}
	var diff struct {
		Identical bool `json:"identical"`
		Added     int  `json:"added"`
	}
	decodeData(t, resp, &diff)
	if diff.Identical || diff.Added != 1 {
		t.Fatalf("diff: %+v", diff)
	}

	w, _ = s.do(t, http.MethodPost, "/api/versions", gin.H{
		"project_id": id, "chapter_id": gen.ChapterID, "content": "手动保存", "note": "修订",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("add version: %d %s", w.Code, w.Body.String())
	}
	if w, _ := s.do(t, http.MethodPost, "/api/versions", gin.H{
		"project_id": id, "chapter_id": "ghost", "content": "x",
	}); w.Code != http.StatusNotFound {
		t.Fatalf("add version to missing chapter: %d", w.Code)
	}

	w, resp = s.do(t, http.MethodPost, base+"/summarize", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("summarize: %d %s", w.Code, w.Body.String())
	}
}

func TestGenerateChapterErrorMapping(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createProject(t)

	if w, _ := s.do(t, http.MethodPost, "/api/generate-chapter", gin.H{
		"project_id": id, "user_direction": "  ",
	}); w.Code != http.StatusBadRequest {
		t.Fatalf("blank direction: %d", w.Code)
	}
	if w, _ := s.do(t, http.MethodPost, "/api/generate-chapter", gin.H{
		"project_id": id, "user_direction": "x", "temperature": 5,
	}); w.Code != http.StatusBadRequest {
		t.Fatalf("bad temperature: %d", w.Code)
	}

	s.provider.fail = errors.New("upstream down")
	w, resp := s.do(t, http.MethodPost, "/api/generate-chapter", gin.H{
		"project_id": id, "user_direction": "x",
	})
	if w.Code != http.StatusBadGateway || resp.Error == nil || resp.Error.Code != ErrorLLMProviderFailed {
		t.Fatalf("provider failure: %d %+v", w.Code, resp.Error)
	}

	s.provider.fail = llm.ErrMissingCredential
	if w, _ := s.do(t, http.MethodPost, "/api/generate-chapter", gin.H{
		"project_id": id, "user_direction": "x",
	}); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("missing credential: %d", w.Code)
	}
}

func TestAsyncGenerationTask(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createProject(t)

	w, resp := s.do(t, http.MethodPost, "/api/generate-chapter", gin.H{
		"project_id": id, "user_direction": "x", "async": true,
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("async: %d %s", w.Code, w.Body.String())
	}
	var out struct {
		TaskID string `json:"task_id"`
	}
	decodeData(t, resp, &out)
	s.handler.WaitTasks()

	_, resp = s.do(t, http.MethodGet, "/api/tasks/"+out.TaskID, nil)
	var task services.ProgressUpdate
	decodeData(t, resp, &task)
	if task.Status != services.TaskCompleted || task.Progress != 100 {
		t.Fatalf("task: %+v", task)
	}

	if w, _ := s.do(t, http.MethodGet, "/api/tasks/missing", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing task: %d", w.Code)
	}
}

func TestAsyncDuplicateTaskIDConflicts(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createProject(t)

	const n = 8
	codes := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, _ := s.do(t, http.MethodPost, "/api/generate-chapter", gin.H{
				"project_id": id, "user_direction": "x", "async": true, "task_id": "same-task",
			})
			codes <- w.Code
		}()
	}
	wg.Wait()
	close(codes)
	s.handler.WaitTasks()

	accepted, conflicts := 0, 0
	for code := range codes {
		switch code {
		case http.StatusAccepted:
			accepted++
		case http.StatusConflict:
			conflicts++
		default:
			t.Fatalf("unexpected status %d", code)
		}
	}
	if accepted != 1 || conflicts != n-1 {
		t.Fatalf("accepted=%d conflicts=%d", accepted, conflicts)
	}

	p, err := s.handler.Store.GetProject(context.Background(), id)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if len(p.Chapters) != 1 {
		t.Fatalf("only one task should have run, chapters=%d", len(p.Chapters))
	}
}

func TestGenerationRoutesRequireReadyLLM(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createProject(t)
	s.handler.LLM.SetProvider("none", nil)

	w, resp := s.do(t, http.MethodPost, "/api/generate-chapter", gin.H{
		"project_id": id, "user_direction": "x", "async": true, "task_id": "never-started",
	})
	if w.Code != http.StatusServiceUnavailable || resp.Error == nil || resp.Error.Code != ErrorLLMServiceUnavailable {
		t.Fatalf("generate with unready LLM: %d %+v", w.Code, resp.Error)
	}
	if _, exists := s.handler.Progress.GetTracker("never-started"); exists {
		t.Fatal("no task should be created while the LLM is unavailable")
	}

	if w, _ := s.do(t, http.MethodPost, "/api/projects/"+id+"/volumes/0/compact", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("compact with unready LLM: %d", w.Code)
	}

	// 非生成接口不受影响
	if w, _ := s.do(t, http.MethodGet, "/api/projects/"+id, nil); w.Code != http.StatusOK {
		t.Fatalf("get project: %d", w.Code)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	_, resp := s.do(t, http.MethodGet, "/api/settings", nil)
	var got struct {
		Temperature float64 `json:"temperature"`
		TopP        float64 `json:"top_p"`
	}
	decodeData(t, resp, &got)
	if got.Temperature != 0.8 || got.TopP != 0.9 {
		t.Fatalf("defaults: %+v", got)
	}

	w, resp := s.do(t, http.MethodPut, "/api/settings", gin.H{"temperature": 0.5})
	if w.Code != http.StatusOK {
		t.Fatalf("update: %d", w.Code)
	}
	decodeData(t, resp, &got)
	if got.Temperature != 0.5 || got.TopP != 0.9 {
		t.Fatalf("merged: %+v", got)
	}

	if w, _ := s.do(t, http.MethodPut, "/api/settings", gin.H{"top_p": 0}); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid top_p: %d", w.Code)
	}
}

func TestCompactVolumeEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createProject(t)

	if w, _ := s.do(t, http.MethodPost, "/api/projects/"+id+"/volumes/abc/compact", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("non-numeric volume: %d", w.Code)
	}
	if w, _ := s.do(t, http.MethodPost, "/api/projects/"+id+"/volumes/0/compact", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("empty volume: %d", w.Code)
	}

	s.do(t, http.MethodPost, "/api/generate-chapter", gin.H{"project_id": id, "user_direction": "x"})
	w, resp := s.do(t, http.MethodPost, "/api/projects/"+id+"/volumes/0/compact", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("compact: %d %s", w.Code, w.Body.String())
	}
	var out struct {
		Summary string `json:"summary"`
	}
	decodeData(t, resp, &out)
	if out.Summary != "摘要" {
		t.Fatalf("summary: %q", out.Summary)
	}
}

func TestAuthMiddleware(t *testing.T) {
	tokens := auth.NewTokenConfig("secret", time.Hour)
	s := newTestServer(t, tokens)

	if w, _ := s.do(t, http.MethodGet, "/api/health", nil); w.Code != http.StatusOK {
		t.Fatalf("health should be public: %d", w.Code)
	}
	if w, _ := s.do(t, http.MethodGet, "/api/projects", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", w.Code)
	}
	if w, _ := s.do(t, http.MethodGet, "/api/projects", nil, "Authorization", "Bearer junk"); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", w.Code)
	}

	token, _ := auth.GenerateToken("writer", tokens)
	if w, _ := s.do(t, http.MethodGet, "/api/projects", nil, "Authorization", "Bearer "+token); w.Code != http.StatusOK {
		t.Fatalf("valid token: %d", w.Code)
	}
}

func TestMetricsRecordRequests(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(t, http.MethodGet, "/api/projects", nil)
	s.do(t, http.MethodGet, "/api/projects/ghost", nil)

	_, resp := s.do(t, http.MethodGet, "/api/metrics", nil)
	var snap struct {
		Counters map[string]int64 `json:"counters"`
	}
	decodeData(t, resp, &snap)
	if snap.Counters["api_requests_total"] < 2 || snap.Counters["api_responses_4xx"] < 1 {
		t.Fatalf("counters: %+v", snap.Counters)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(time.Hour, 2)
	for i := 0; i < 2; i++ {
		if ok, _ := rl.Allow("k"); !ok {
			t.Fatalf("request %d should pass", i)
		}
	}
	if ok, _ := rl.Allow("k"); ok {
		t.Fatal("third request should be limited")
	}
	if ok, _ := rl.Allow("other"); !ok {
		t.Fatal("keys are independent")
	}
}

func TestSanitizeErrorMessage(t *testing.T) {
	if got := sanitizeErrorMessage("invalid api_key sk-abcdef123456"); got == "invalid api_key sk-abcdef123456" {
		t.Fatal("secret should be hidden")
	}
	if got := sanitizeErrorMessage("章节不存在"); got != "章节不存在" {
		t.Fatalf("plain message changed: %q", got)
	}
}
