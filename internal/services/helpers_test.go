package services

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/Corphon/SerialWriter/internal/llm"
	"github.com/Corphon/SerialWriter/internal/storage"
	"github.com/Corphon/SerialWriter/internal/utils"
)

func quietLogger() *utils.Logger {
	return utils.NewLogger(io.Discard)
}

// newTestStore 基于临时目录的文件存储
func newTestStore(t *testing.T) (*NarrativeStore, *storage.FileStorage) {
	t.Helper()
	fs, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	locks := NewLockManager()
	t.Cleanup(func() {
		locks.Close()
		fs.Close()
	})
	return NewNarrativeStore(fs, locks, quietLogger()), fs
}

// fakeCall 记录一次模型调用
type fakeCall struct {
	Stage    string
	Model    string
	Messages []llm.Message
	Opts     llm.CompletionOptions
}

func (c fakeCall) user() string {
	for _, m := range c.Messages {
		if m.Role == llm.RoleUser {
			return m.Content
		}
	}
	return ""
}

// stageOf 根据提示词判断调用属于哪个阶段
func stageOf(messages []llm.Message) string {
	var system, user string
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			system = m.Content
		case llm.RoleUser:
			user = m.Content
		}
	}
	switch {
	case strings.Contains(system, "小说策划"):
		return StageDirection
	case strings.Contains(system, "小说作家"):
		return StageContent
	case strings.Contains(user, "【各章摘要】"):
		return StageCompaction
	default:
		return StageSummary
	}
}

// fakeProvider 按阶段返回预设结果
type fakeProvider struct {
	mu      sync.Mutex
	calls   []fakeCall
	respond func(call fakeCall) (string, error)
}

func newFakeProvider(respond func(call fakeCall) (string, error)) *fakeProvider {
	return &fakeProvider{respond: respond}
}

func (f *fakeProvider) Initialize(map[string]string) error { return nil }
func (f *fakeProvider) GetName() string                    { return "fake" }
func (f *fakeProvider) GetSupportedModels() []string       { return []string{"qwen-max", "qwen-plus"} }

func (f *fakeProvider) Complete(ctx context.Context, model string, messages []llm.Message, opts llm.CompletionOptions) (string, error) {
	call := fakeCall{Stage: stageOf(messages), Model: model, Messages: messages, Opts: opts}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return f.respond(call)
}

func (f *fakeProvider) Calls() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeCall(nil), f.calls...)
}

func (f *fakeProvider) stageCalls(stage string) []fakeCall {
	var out []fakeCall
	for _, c := range f.Calls() {
		if c.Stage == stage {
			out = append(out, c)
		}
	}
	return out
}
