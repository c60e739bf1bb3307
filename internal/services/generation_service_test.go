package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Corphon/SerialWriter/internal/config"
	apperrors "github.com/Corphon/SerialWriter/internal/errors"
	"github.com/Corphon/SerialWriter/internal/llm"
	"github.com/Corphon/SerialWriter/internal/models"
	"github.com/Corphon/SerialWriter/internal/storage"
	"github.com/Corphon/SerialWriter/internal/utils"
)

type generationFixture struct {
	store    *NarrativeStore
	fs       *storage.FileStorage
	provider *fakeProvider
	progress *ProgressService
	metrics  *utils.MetricsCollector
	svc      *GenerationService
}

func newGenerationFixture(t *testing.T, respond func(call fakeCall) (string, error)) *generationFixture {
	t.Helper()
	store, fs := newTestStore(t)
	logger := quietLogger()
	collector := utils.NewMetricsCollector()
	metrics := utils.NewGenerationMetrics(collector, logger)

	provider := newFakeProvider(respond)
	llmSvc := NewLLMService(metrics, logger)
	llmSvc.SetProvider("fake", provider)

	progress := NewProgressService()
	svc := NewGenerationService(GenerationServiceOptions{
		Store:    store,
		Contexts: NewContextService(store, nil, logger),
		LLM:      llmSvc,
		Progress: progress,
		Metrics:  metrics,
		Logger:   logger,
		Config:   config.DefaultGenerationConfig(),
		Timeout:  time.Minute,
	})
	return &generationFixture{store: store, fs: fs, provider: provider, progress: progress, metrics: collector, svc: svc}
}

// scriptedResponses 每个阶段返回带序号的固定文本
func scriptedResponses() func(call fakeCall) (string, error) {
	counts := map[string]int{}
	return func(call fakeCall) (string, error) {
		counts[call.Stage]++
		return fmt.Sprintf("  %s-%d  \n", call.Stage, counts[call.Stage]), nil
	}
}

func generate(t *testing.T, f *generationFixture, projectID string, v, c int) *models.GenerateChapterResult {
	t.Helper()
	res, err := f.svc.GenerateChapter(context.Background(), models.GenerateChapterRequest{
		ProjectID:     projectID,
		VolumeIdx:     v,
		ChapterIdx:    c,
		UserDirection: "主角出发",
	}, models.DefaultGenerationSettings())
	if err != nil {
		t.Fatalf("GenerateChapter(%d,%d): %v", v, c, err)
	}
	return res
}

func TestGenerateChapterPipeline(t *testing.T) {
	f := newGenerationFixture(t, scriptedResponses())
	id := createProject(t, f.store, models.ProjectSettings{WorldSetting: "世界"})

	res := generate(t, f, id, 0, 0)
	if res.Direction != "direction-1" || res.Content != "content-1" || res.Summary != "summary-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.VolumeSummary != "" || res.CompactionError != "" {
		t.Fatalf("no compaction expected for first chapter: %+v", res)
	}

	calls := f.provider.Calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(calls))
	}
	cfg := config.DefaultGenerationConfig()

	dir := calls[0]
	if dir.Stage != StageDirection || dir.Model != cfg.PlanningModel {
		t.Fatalf("direction call: %+v", dir)
	}
	if !dir.Opts.ThinkingEnabled || dir.Opts.ThinkingBudget != 8000 {
		t.Fatalf("direction thinking opts: %+v", dir.Opts)
	}
	if !strings.Contains(dir.user(), "【世界设定】\n世界") || !strings.Contains(dir.user(), "主角出发") ||
		!strings.Contains(dir.user(), "第1卷 第1章") {
		t.Fatalf("direction prompt missing context: %s", dir.user())
	}
	if dir.Opts.Temperature == nil || *dir.Opts.Temperature != 0.8 || dir.Opts.TopP == nil || *dir.Opts.TopP != 0.9 {
		t.Fatalf("sampling not passed: %+v", dir.Opts)
	}

	content := calls[1]
	if content.Stage != StageContent || content.Model != cfg.ContentModel || content.Opts.ThinkingEnabled || content.Opts.MaxTokens != 12000 {
		t.Fatalf("content call: %+v", content)
	}
	if !strings.Contains(content.user(), "direction-1") || !strings.Contains(content.user(), "6000–8000") {
		t.Fatalf("content prompt: %s", content.user())
	}

	summary := calls[2]
	if summary.Stage != StageSummary || summary.Opts.ThinkingBudget != 4000 || !strings.Contains(summary.user(), "content-1") {
		t.Fatalf("summary call: %+v", summary)
	}

	detail, err := f.store.GetChapter(context.Background(), id, res.ChapterID)
	if err != nil {
		t.Fatalf("GetChapter: %v", err)
	}
	if detail.Content != "content-1" || detail.Summary != "summary-1" || detail.Direction != "direction-1" {
		t.Fatalf("persisted chapter: %+v", detail)
	}
	if got := f.metrics.GetCounterValue("chapters_generated_total"); got != 1 {
		t.Fatalf("chapters_generated_total = %d", got)
	}
}

func TestGenerateChapterCompactsVolume(t *testing.T) {
	f := newGenerationFixture(t, scriptedResponses())
	ctx := context.Background()
	id := createProject(t, f.store, models.ProjectSettings{})

	generate(t, f, id, 0, 0)
	generate(t, f, id, 0, 1)
	if p, _ := f.store.GetProject(ctx, id); p.Volumes[0].Summary != "" {
		t.Fatalf("volume summary before threshold: %q", p.Volumes[0].Summary)
	}

	third := generate(t, f, id, 0, 2)
	if third.VolumeSummary != "compaction-1" {
		t.Fatalf("expected compaction on third chapter, got %+v", third)
	}
	compactions := f.provider.stageCalls(StageCompaction)
	if len(compactions) != 1 {
		t.Fatalf("expected 1 compaction call, got %d", len(compactions))
	}
	want := "第1章：summary-1\n\n第2章：summary-2\n\n第3章：summary-3"
	if !strings.Contains(compactions[0].user(), want) {
		t.Fatalf("compaction input:\n%s", compactions[0].user())
	}

	p, _ := f.store.GetProject(ctx, id)
	if p.Volumes[0].Summary != "compaction-1" {
		t.Fatalf("volume summary = %q", p.Volumes[0].Summary)
	}

	// 之后每一章都重新压缩
	fourth := generate(t, f, id, 0, 3)
	if fourth.VolumeSummary != "compaction-2" {
		t.Fatalf("compaction should re-fire, got %+v", fourth)
	}
	if got := f.metrics.GetCounterValue("volume_compactions_total"); got != 2 {
		t.Fatalf("volume_compactions_total = %d", got)
	}
}

// 卷 n 的生成上下文：卷 n-1 逐章，更早的卷只用卷摘要
func TestGenerateChapterContextAcrossVolumes(t *testing.T) {
	f := newGenerationFixture(t, scriptedResponses())
	id := createProject(t, f.store, models.ProjectSettings{})

	for c := 0; c < 3; c++ {
		generate(t, f, id, 0, c)
	}
	lastDirectionPrompt := func() string {
		calls := f.provider.stageCalls(StageDirection)
		return calls[len(calls)-1].user()
	}

	generate(t, f, id, 1, 0)
	prompt := lastDirectionPrompt()
	for c := 1; c <= 3; c++ {
		want := fmt.Sprintf("【第1卷 第%d章】\nsummary-%d", c, c)
		if !strings.Contains(prompt, want) {
			t.Fatalf("volume 1 prompt missing %q:\n%s", want, prompt)
		}
	}
	if strings.Contains(prompt, "【第1卷摘要】") {
		t.Fatalf("volume 1 prompt should not use the volume 0 summary yet:\n%s", prompt)
	}

	generate(t, f, id, 2, 0)
	prompt = lastDirectionPrompt()
	if !strings.Contains(prompt, "【第1卷摘要】\ncompaction-1") {
		t.Fatalf("volume 2 prompt missing volume 0 summary:\n%s", prompt)
	}
	if strings.Contains(prompt, "【第1卷 第") {
		t.Fatalf("volume 0 chapter detail should be dropped for volume 2:\n%s", prompt)
	}
	if !strings.Contains(prompt, "【第2卷 第1章】\nsummary-4") {
		t.Fatalf("volume 2 prompt missing volume 1 chapter detail:\n%s", prompt)
	}
	if strings.Contains(prompt, "【第2卷摘要】") {
		t.Fatalf("volume 1 has no summary below the threshold:\n%s", prompt)
	}
}

func TestGenerateChapterFailureLeavesNothing(t *testing.T) {
	for _, stage := range []string{StageDirection, StageContent, StageSummary} {
		t.Run(stage, func(t *testing.T) {
			f := newGenerationFixture(t, func(call fakeCall) (string, error) {
				if call.Stage == stage {
					return "", errors.New("upstream 500")
				}
				return "ok", nil
			})
			id := createProject(t, f.store, models.ProjectSettings{})
			metaPath := filepath.Join(f.fs.BaseDir, "projects", id, "meta.json")
			before, _ := os.ReadFile(metaPath)

			_, err := f.svc.GenerateChapter(context.Background(), models.GenerateChapterRequest{
				ProjectID: id, UserDirection: "走向",
			}, models.DefaultGenerationSettings())
			if !apperrors.IsProviderError(err) {
				t.Fatalf("expected provider error, got %v", err)
			}

			after, _ := os.ReadFile(metaPath)
			if string(before) != string(after) {
				t.Fatal("meta.json changed after failed generation")
			}
			for _, sub := range []string{"chapters", "versions"} {
				entries, _ := os.ReadDir(filepath.Join(f.fs.BaseDir, "projects", id, sub))
				if len(entries) != 0 {
					t.Fatalf("nothing should be written under %s, found %d files", sub, len(entries))
				}
			}
		})
	}
}

func TestGenerateChapterEmptyOutputIsProviderError(t *testing.T) {
	f := newGenerationFixture(t, func(call fakeCall) (string, error) {
		if call.Stage == StageContent {
			return "   ", nil
		}
		return "ok", nil
	})
	id := createProject(t, f.store, models.ProjectSettings{})
	_, err := f.svc.GenerateChapter(context.Background(), models.GenerateChapterRequest{
		ProjectID: id, UserDirection: "走向",
	}, models.DefaultGenerationSettings())
	if !apperrors.IsProviderError(err) || !errors.Is(err, llm.ErrEmptyResponse) {
		t.Fatalf("expected empty-response provider error, got %v", err)
	}
}

func TestGenerateChapterValidation(t *testing.T) {
	f := newGenerationFixture(t, scriptedResponses())
	id := createProject(t, f.store, models.ProjectSettings{})
	settings := models.DefaultGenerationSettings()

	cases := map[string]models.GenerateChapterRequest{
		"missing project":  {ProjectID: "ghost", UserDirection: "x"},
		"blank direction":  {ProjectID: id, UserDirection: "  "},
		"negative volume":  {ProjectID: id, VolumeIdx: -1, UserDirection: "x"},
		"negative chapter": {ProjectID: id, ChapterIdx: -1, UserDirection: "x"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.GenerateChapter(context.Background(), req, settings)
			if !apperrors.IsInvalidInputError(err) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
	if n := len(f.provider.Calls()); n != 0 {
		t.Fatalf("validation failures must not call the model, got %d calls", n)
	}
}

func TestCompactionFailureKeepsChapter(t *testing.T) {
	f := newGenerationFixture(t, func(call fakeCall) (string, error) {
		if call.Stage == StageCompaction {
			return "", errors.New("quota exceeded")
		}
		return "ok", nil
	})
	f.svc.cfg.CompactionThreshold = 1
	id := createProject(t, f.store, models.ProjectSettings{})

	res, err := f.svc.GenerateChapter(context.Background(), models.GenerateChapterRequest{
		ProjectID: id, UserDirection: "走向",
	}, models.DefaultGenerationSettings())
	if err != nil {
		t.Fatalf("compaction failure must not fail the request: %v", err)
	}
	if res.CompactionError == "" {
		t.Fatal("expected compaction error in result")
	}
	if _, err := f.store.GetChapter(context.Background(), id, res.ChapterID); err != nil {
		t.Fatalf("chapter should be persisted: %v", err)
	}
}

func TestResummarizeDoesNotCompact(t *testing.T) {
	f := newGenerationFixture(t, scriptedResponses())
	ctx := context.Background()
	id := createProject(t, f.store, models.ProjectSettings{})
	var last string
	for c := 0; c < 3; c++ {
		last = generate(t, f, id, 0, c).ChapterID
	}
	compactionsBefore := len(f.provider.stageCalls(StageCompaction))

	if err := f.store.SetChapterContent(ctx, id, last, "改写后的正文"); err != nil {
		t.Fatalf("SetChapterContent: %v", err)
	}
	summary, err := f.svc.ResummarizeChapter(ctx, id, last, models.DefaultGenerationSettings())
	if err != nil {
		t.Fatalf("ResummarizeChapter: %v", err)
	}
	if summary != "summary-4" {
		t.Fatalf("summary = %q", summary)
	}
	calls := f.provider.stageCalls(StageSummary)
	if !strings.Contains(calls[len(calls)-1].user(), "改写后的正文") {
		t.Fatal("resummarize should use the current content")
	}
	if got := len(f.provider.stageCalls(StageCompaction)); got != compactionsBefore {
		t.Fatalf("resummarize must not compact: %d -> %d", compactionsBefore, got)
	}

	detail, _ := f.store.GetChapter(ctx, id, last)
	if detail.Summary != "summary-4" {
		t.Fatalf("stored summary = %q", detail.Summary)
	}

	if _, err := f.svc.ResummarizeChapter(ctx, id, "ghost", models.DefaultGenerationSettings()); !apperrors.IsNotFoundError(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCompactVolumeManual(t *testing.T) {
	f := newGenerationFixture(t, scriptedResponses())
	ctx := context.Background()
	id := createProject(t, f.store, models.ProjectSettings{})
	generate(t, f, id, 0, 0)

	summary, err := f.svc.CompactVolume(ctx, id, 0, models.DefaultGenerationSettings())
	if err != nil {
		t.Fatalf("CompactVolume: %v", err)
	}
	if summary != "compaction-1" {
		t.Fatalf("summary = %q", summary)
	}

	if _, err := f.svc.CompactVolume(ctx, id, 5, models.DefaultGenerationSettings()); !apperrors.IsInvalidInputError(err) {
		t.Fatalf("expected invalid input for empty volume, got %v", err)
	}
	if _, err := f.svc.CompactVolume(ctx, "ghost", 0, models.DefaultGenerationSettings()); !apperrors.IsNotFoundError(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGenerateChapterReportsProgress(t *testing.T) {
	f := newGenerationFixture(t, scriptedResponses())
	id := createProject(t, f.store, models.ProjectSettings{})

	tracker := f.progress.CreateTracker("task-1")
	updates := tracker.Subscribe()

	_, err := f.svc.GenerateChapter(context.Background(), models.GenerateChapterRequest{
		ProjectID: id, UserDirection: "走向", TaskID: "task-1",
	}, models.DefaultGenerationSettings())
	if err != nil {
		t.Fatalf("GenerateChapter: %v", err)
	}

	<-tracker.Done
	final := tracker.Snapshot()
	if final.Status != TaskCompleted || final.Progress != 100 {
		t.Fatalf("final state: %+v", final)
	}
	if _, ok := final.Result.(*models.GenerateChapterResult); !ok {
		t.Fatalf("result not attached: %T", final.Result)
	}

	seen := map[string]bool{}
	for len(updates) > 0 {
		u := <-updates
		seen[u.Stage] = true
	}
	for _, stage := range []string{StageDirection, StageContent, StageSummary} {
		if !seen[stage] {
			t.Errorf("stage %s not reported", stage)
		}
	}
}

func TestLLMNotReadyIsConfigurationError(t *testing.T) {
	store, _ := newTestStore(t)
	svc := NewGenerationService(GenerationServiceOptions{
		Store:  store,
		LLM:    NewLLMService(nil, quietLogger()),
		Logger: quietLogger(),
		Config: config.DefaultGenerationConfig(),
	})
	id := createProject(t, store, models.ProjectSettings{})
	_, err := svc.GenerateChapter(context.Background(), models.GenerateChapterRequest{
		ProjectID: id, UserDirection: "走向",
	}, models.DefaultGenerationSettings())
	if !apperrors.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestMissingCredentialIsConfigurationError(t *testing.T) {
	f := newGenerationFixture(t, func(call fakeCall) (string, error) {
		return "", fmt.Errorf("no key: %w", llm.ErrMissingCredential)
	})
	id := createProject(t, f.store, models.ProjectSettings{})
	_, err := f.svc.GenerateChapter(context.Background(), models.GenerateChapterRequest{
		ProjectID: id, UserDirection: "走向",
	}, models.DefaultGenerationSettings())
	if !apperrors.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
