package config_test

import (
	"slices"
	"testing"

	"github.com/surfacecoaster/Aventura-custom/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Providers.FallbackLLM = []config.ProviderEntry{{Name: "ollama", Options: map[string]any{"k": 1}}}
	other := config.Default()
	other.Providers.FallbackLLM = []config.ProviderEntry{{Name: "ollama", Options: map[string]any{"k": 1}}}

	d := config.Diff(cfg, other)
	if d.Changed() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level alone should not require restart, got %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   []string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":1" }, []string{"server"}},
		{"model", func(c *config.Config) { c.Providers.LLM.Model = "gpt-4o" }, []string{"providers"}},
		{"role model", func(c *config.Config) { c.Models.Memory = "small" }, []string{"models"}},
		{"narrator", func(c *config.Config) { c.Narrator.MaxTokens = 99 }, []string{"narrator"}},
		{"memory", func(c *config.Config) { c.Memory.ChapterThreshold = 7 }, []string{"memory"}},
		{"context", func(c *config.Config) { c.Context.EnableTier3 = true }, []string{"context"}},
		{
			name: "several",
			mutate: func(c *config.Config) {
				c.Storage.DSN = "other.db"
				c.Providers.FallbackLLM = append(c.Providers.FallbackLLM, config.ProviderEntry{Name: "groq"})
			},
			want: []string{"providers", "storage"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := config.Default()
			new := config.Default()
			tt.mutate(new)

			d := config.Diff(old, new)
			if !slices.Equal(d.RestartRequired, tt.want) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.want)
			}
			if d.LogLevelChanged {
				t.Error("LogLevelChanged should be false")
			}
		})
	}
}
