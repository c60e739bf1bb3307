package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubProvider struct {
	calls int
}

func (s *stubProvider) Initialize(config map[string]string) error {
	if config["api_key"] == "" {
		return ErrMissingCredential
	}
	return nil
}
func (s *stubProvider) GetName() string              { return "stub" }
func (s *stubProvider) GetSupportedModels() []string { return []string{"m1"} }
func (s *stubProvider) Complete(ctx context.Context, model string, messages []Message, opts CompletionOptions) (string, error) {
	s.calls++
	return "ok", nil
}

func TestRegistry(t *testing.T) {
	Register("stub-test", func() Provider { return &stubProvider{} })

	if _, err := GetProvider("missing-provider", nil); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("err = %v", err)
	}
	if _, err := GetProvider("stub-test", map[string]string{}); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("err = %v", err)
	}
	p, err := GetProvider("stub-test", map[string]string{"api_key": "k"})
	if err != nil || p.GetName() != "stub" {
		t.Fatalf("GetProvider = %v, %v", p, err)
	}
	if models := GetSupportedModelsForProvider("stub-test"); len(models) != 1 {
		t.Fatalf("models = %v", models)
	}
}

func TestWithRateLimit(t *testing.T) {
	inner := &stubProvider{}
	if WithRateLimit(inner, 0) != Provider(inner) {
		t.Fatalf("zero interval should return the provider unchanged")
	}

	limited := WithRateLimit(inner, time.Hour)
	ctx := context.Background()
	if _, err := limited.Complete(ctx, "m", nil, CompletionOptions{}); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := limited.Complete(ctx, "m", nil, CompletionOptions{}); err == nil {
		t.Fatalf("second call within the interval should wait and fail on deadline")
	}
	if inner.calls != 1 {
		t.Fatalf("inner calls = %d, want 1", inner.calls)
	}
}
