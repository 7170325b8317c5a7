package app

import (
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/surfacecoaster/Aventura-custom/internal/config"
	"github.com/surfacecoaster/Aventura-custom/internal/observe"
	"github.com/surfacecoaster/Aventura-custom/internal/resilience"
	"github.com/surfacecoaster/Aventura-custom/pkg/provider/embeddings"
	ollamaembed "github.com/surfacecoaster/Aventura-custom/pkg/provider/embeddings/ollama"
	oaembed "github.com/surfacecoaster/Aventura-custom/pkg/provider/embeddings/openai"
	"github.com/surfacecoaster/Aventura-custom/pkg/provider/llm"
	"github.com/surfacecoaster/Aventura-custom/pkg/provider/llm/anyllm"
	oaillm "github.com/surfacecoaster/Aventura-custom/pkg/provider/llm/openai"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured.
type Providers struct {
	// LLM serves narration and the memory pipeline. When fallbacks are
	// configured it is a [resilience.LLMFallback].
	LLM        llm.Provider
	Embeddings embeddings.Provider
}

// anyllmBackends are the any-llm-go backends that authenticate with an API key.
var anyllmBackends = []string{"openai", "anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// RegisterBuiltinProviders registers every provider factory shipped with
// Aventura on reg.
func RegisterBuiltinProviders(reg *config.Registry) {
	for _, name := range anyllmBackends {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(name, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err := anyllm.New("ollama", entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// openai-compatible talks to any Chat Completions endpoint (vLLM,
	// OpenRouter, LM Studio) through the official SDK.
	reg.RegisterLLM("openai-compatible", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		if d, err := optDuration(entry, "timeout"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, oaillm.WithTimeout(d))
		}
		if _, ok := entry.Options["max_retries"]; ok {
			opts = append(opts, oaillm.WithMaxRetries(optInt(entry, "max_retries")))
		}
		p, err := oaillm.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if n := optInt(entry, "dimensions"); n > 0 {
			opts = append(opts, oaembed.WithDimensions(n))
		}
		if d, err := optDuration(entry, "timeout"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, oaembed.WithTimeout(d))
		}
		p, err := oaembed.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if n := optInt(entry, "dimensions"); n > 0 {
			opts = append(opts, ollamaembed.WithDimensions(n))
		}
		if d, err := optDuration(entry, "timeout"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, ollamaembed.WithTimeout(d))
		}
		p, err := ollamaembed.New(entry.BaseURL, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

// BuildProviders instantiates the configured providers from reg. A missing
// providers.llm leaves Providers.LLM nil; offline commands work without it.
func BuildProviders(cfg *config.Config, reg *config.Registry, log *slog.Logger, metrics *observe.Metrics) (*Providers, error) {
	if log == nil {
		log = slog.Default()
	}
	p := &Providers{}

	if entry := cfg.Providers.LLM; entry.Name != "" {
		primary, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("app: create llm provider %q: %w", entry.Name, err)
		}
		p.LLM = primary

		if len(cfg.Providers.FallbackLLM) > 0 {
			fb := resilience.NewLLMFallback(entry.Name, primary, resilience.GroupConfig{
				Metrics: metrics,
				Logger:  log,
			})
			for i, fe := range cfg.Providers.FallbackLLM {
				alt, err := reg.CreateLLM(fe)
				if err != nil {
					return nil, fmt.Errorf("app: create fallback llm %d %q: %w", i, fe.Name, err)
				}
				fb.AddFallback(fmt.Sprintf("%s#%d", fe.Name, i+1), alt)
			}
			p.LLM = fb
			log.Info("llm fallback enabled", "order", fb.Names())
		}
	}

	if entry := cfg.Providers.Embeddings; entry.Name != "" {
		e, err := reg.CreateEmbeddings(entry)
		if err != nil {
			return nil, fmt.Errorf("app: create embeddings provider %q: %w", entry.Name, err)
		}
		p.Embeddings = e
	}
	return p, nil
}

// ─── Option helpers ──────────────────────────────────────────────────────────

func optString(entry config.ProviderEntry, key string) string {
	s, _ := entry.Options[key].(string)
	return s
}

func optInt(entry config.ProviderEntry, key string) int {
	switch v := entry.Options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func optDuration(entry config.ProviderEntry, key string) (time.Duration, error) {
	s := optString(entry, key)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("options.%s: %w", key, err)
	}
	return d, nil
}
