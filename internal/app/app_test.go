package app_test

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/surfacecoaster/Aventura-custom/internal/app"
	"github.com/surfacecoaster/Aventura-custom/internal/config"
	"github.com/surfacecoaster/Aventura-custom/internal/resilience"
	"github.com/surfacecoaster/Aventura-custom/internal/store"
	"github.com/surfacecoaster/Aventura-custom/internal/story"
	"github.com/surfacecoaster/Aventura-custom/pkg/provider/embeddings"
	embmock "github.com/surfacecoaster/Aventura-custom/pkg/provider/embeddings/mock"
	"github.com/surfacecoaster/Aventura-custom/pkg/provider/llm"
	llmmock "github.com/surfacecoaster/Aventura-custom/pkg/provider/llm/mock"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.Driver = config.StorageMemory
	cfg.Storage.DSN = ""
	return cfg
}

func narrator() *llmmock.Provider {
	return &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "The lantern "},
			{Text: "gutters.", FinishReason: "stop"},
		},
		CompleteResponse: &llm.CompletionResponse{Content: `{}`},
	}
}

func TestNew_WithLLMBuildsEngine(t *testing.T) {
	ctx := context.Background()
	a, err := app.New(ctx, memoryConfig(), &app.Providers{LLM: narrator()},
		app.WithStore(store.NewMemStore()),
		app.WithLogger(discard()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(ctx) })

	eng, err := a.Engine()
	if err != nil {
		t.Fatalf("Engine: %v", err)
	}
	sess, err := eng.Session(ctx, "tavern")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	res, err := sess.Submit(ctx, "I light the lantern.")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Narration.Content != "The lantern gutters." {
		t.Errorf("narration = %q", res.Narration.Content)
	}
	sess.Wait()

	if a.Context() == nil {
		t.Error("Context() = nil")
	}
	var names []string
	for _, c := range a.HealthCheckers() {
		names = append(names, c.Name)
		if c.Name == "persistence" {
			if !c.Optional {
				t.Error("persistence check should be optional")
			}
			if err := c.Check(ctx); err != nil {
				t.Errorf("persistence check: %v", err)
			}
		}
	}
	if strings.Join(names, ",") != "persistence" {
		t.Errorf("checkers = %v, want [persistence]", names)
	}
}

func TestNew_WithoutLLM(t *testing.T) {
	ctx := context.Background()
	a, err := app.New(ctx, memoryConfig(), nil, app.WithLogger(discard()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(ctx)

	if _, err := a.Engine(); !errors.Is(err, app.ErrNoLLM) {
		t.Errorf("Engine err = %v, want ErrNoLLM", err)
	}
	if a.Store() == nil {
		t.Error("memory driver should still open a store")
	}
	if len(a.HealthCheckers()) != 0 {
		t.Errorf("checkers = %d, want 0", len(a.HealthCheckers()))
	}
}

func TestNew_SQLiteStore(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Storage.DSN = filepath.Join(t.TempDir(), "aventura.db")

	a, err := app.New(ctx, cfg, &app.Providers{LLM: narrator()}, app.WithLogger(discard()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var storeCheck bool
	for _, c := range a.HealthCheckers() {
		if c.Name == "store" {
			storeCheck = true
			if err := c.Check(ctx); err != nil {
				t.Errorf("store ping: %v", err)
			}
		}
	}
	if !storeCheck {
		t.Error("sqlite store should register a store checker")
	}

	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// Second call is a no-op.
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestNew_InvalidDefaultMemory(t *testing.T) {
	cfg := memoryConfig()
	cfg.Memory.ChapterThreshold = 0

	_, err := app.New(context.Background(), cfg, &app.Providers{LLM: narrator()}, app.WithLogger(discard()))
	if err == nil {
		t.Fatal("expected engine init error")
	}
}

func TestNew_RetrievalCandidates(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()
	cfg.Context.RetrievalCandidates = 2

	llmp := narrator()
	emb := &embmock.Provider{Vectors: map[string][]float32{"where is the amulet": {0, 1}}}
	a, err := app.New(ctx, cfg, &app.Providers{LLM: llmp, Embeddings: emb}, app.WithLogger(discard()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(ctx)

	chapters := []story.Chapter{
		{ID: "c1", StoryID: "s1", Number: 1, Title: "The Mill", Summary: "A fire.", Embedding: []float32{1, 0}},
		{ID: "c2", StoryID: "s1", Number: 2, Title: "The Amulet", Summary: "Elena's amulet.", Embedding: []float32{0, 1}},
		{ID: "c3", StoryID: "s1", Number: 3, Title: "The Road", Summary: "Travel north.", Embedding: []float32{0.6, 0.8}},
	}
	a.Memory().DecideRetrieval(ctx, "where is the amulet", nil, chapters, cfg.Memory)

	calls := llmp.Calls()
	if len(calls) != 1 {
		t.Fatalf("Complete calls = %d, want 1", len(calls))
	}
	msg := calls[0].Req.Messages[0].Content
	if strings.Contains(msg, "id=c1 ") || !strings.Contains(msg, "id=c2 ") || !strings.Contains(msg, "id=c3 ") {
		t.Errorf("retrieval prompt should offer the two nearest chapters only:\n%s", msg)
	}
}

func TestNew_UnsupportedDriver(t *testing.T) {
	cfg := memoryConfig()
	cfg.Storage.Driver = "etcd"

	_, err := app.New(context.Background(), cfg, nil, app.WithLogger(discard()))
	if err == nil || !strings.Contains(err.Error(), "etcd") {
		t.Fatalf("err = %v, want unsupported driver", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// BuildProviders
// ─────────────────────────────────────────────────────────────────────────────

func mockRegistry(llms map[string]llm.Provider) *config.Registry {
	reg := config.NewRegistry()
	for name, p := range llms {
		reg.RegisterLLM(name, func(config.ProviderEntry) (llm.Provider, error) { return p, nil })
	}
	reg.RegisterEmbeddings("mock", func(config.ProviderEntry) (embeddings.Provider, error) {
		return &embmock.Provider{}, nil
	})
	return reg
}

func TestBuildProviders(t *testing.T) {
	primary := narrator()
	reg := mockRegistry(map[string]llm.Provider{"primary": primary})

	cfg := memoryConfig()
	cfg.Providers.LLM = config.ProviderEntry{Name: "primary"}
	cfg.Providers.Embeddings = config.ProviderEntry{Name: "mock"}

	p, err := app.BuildProviders(cfg, reg, discard(), nil)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if p.LLM != primary {
		t.Error("without fallbacks the primary should be used directly")
	}
	if p.Embeddings == nil {
		t.Error("embeddings provider not built")
	}
}

func TestBuildProviders_Fallback(t *testing.T) {
	reg := mockRegistry(map[string]llm.Provider{
		"primary": narrator(),
		"backup":  narrator(),
	})
	cfg := memoryConfig()
	cfg.Providers.LLM = config.ProviderEntry{Name: "primary"}
	cfg.Providers.FallbackLLM = []config.ProviderEntry{{Name: "backup"}}

	p, err := app.BuildProviders(cfg, reg, discard(), nil)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	fb, ok := p.LLM.(*resilience.LLMFallback)
	if !ok {
		t.Fatalf("LLM = %T, want *resilience.LLMFallback", p.LLM)
	}
	if got := strings.Join(fb.Names(), ","); got != "primary,backup#1" {
		t.Errorf("names = %q", got)
	}
}

func TestBuildProviders_Errors(t *testing.T) {
	reg := mockRegistry(map[string]llm.Provider{"primary": narrator()})

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown llm", func(c *config.Config) { c.Providers.LLM.Name = "nope" }},
		{"unknown fallback", func(c *config.Config) {
			c.Providers.LLM.Name = "primary"
			c.Providers.FallbackLLM = []config.ProviderEntry{{Name: "nope"}}
		}},
		{"unknown embeddings", func(c *config.Config) { c.Providers.Embeddings.Name = "nope" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := memoryConfig()
			tt.mutate(cfg)
			_, err := app.BuildProviders(cfg, reg, discard(), nil)
			if !errors.Is(err, config.ErrProviderNotRegistered) {
				t.Errorf("err = %v, want ErrProviderNotRegistered", err)
			}
		})
	}
}

func TestBuildProviders_NoLLM(t *testing.T) {
	p, err := app.BuildProviders(memoryConfig(), config.NewRegistry(), discard(), nil)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if p.LLM != nil || p.Embeddings != nil {
		t.Errorf("providers = %+v, want empty", p)
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)

	got := strings.Join(reg.LLMNames(), ",")
	for _, want := range []string{"anthropic", "ollama", "openai", "openai-compatible"} {
		if !strings.Contains(got, want) {
			t.Errorf("LLMNames() = %s, missing %s", got, want)
		}
	}

	_, err := reg.CreateLLM(config.ProviderEntry{
		Name:    "openai-compatible",
		APIKey:  "sk-test",
		Model:   "gpt-4o-mini",
		Options: map[string]any{"timeout": "soon"},
	})
	if err == nil || !strings.Contains(err.Error(), "options.timeout") {
		t.Errorf("err = %v, want options.timeout parse error", err)
	}
}
