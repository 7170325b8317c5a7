package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "openai-compatible", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default], expands
// ${VAR} references in secrets and endpoints, and validates the result.
// An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandSecrets(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} with the value of the environment variable VAR.
// A bare $ is left alone so DSN passwords survive.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(envRef.FindStringSubmatch(m)[1])
	})
}

func expandSecrets(cfg *Config) {
	expandEntry := func(e *ProviderEntry) {
		e.APIKey = expandEnv(e.APIKey)
		e.BaseURL = expandEnv(e.BaseURL)
	}
	expandEntry(&cfg.Providers.LLM)
	expandEntry(&cfg.Providers.Embeddings)
	for i := range cfg.Providers.FallbackLLM {
		expandEntry(&cfg.Providers.FallbackLLM[i])
	}
	cfg.Storage.DSN = expandEnv(cfg.Storage.DSN)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	for i, fb := range cfg.Providers.FallbackLLM {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.fallback_llm[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	if len(cfg.Providers.FallbackLLM) > 0 && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.fallback_llm requires providers.llm"))
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; only offline commands will work")
	}

	// Narrator
	if t := cfg.Narrator.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("narrator.temperature %.2f is out of range [0, 2]", t))
	}
	if cfg.Narrator.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("narrator.max_tokens %d must not be negative", cfg.Narrator.MaxTokens))
	}
	if cfg.Narrator.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("narrator.history_limit %d must not be negative", cfg.Narrator.HistoryLimit))
	}

	// Memory
	if err := cfg.Memory.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	}

	// Context
	l := cfg.Context.Limits
	for _, f := range []struct {
		name string
		v    int
	}{
		{"stickiness_window", l.StickinessWindow},
		{"recent_window", l.RecentWindow},
		{"max_tier1", l.MaxTier1},
		{"max_tier2", l.MaxTier2},
		{"max_tier3", l.MaxTier3},
		{"retrieval_candidates", cfg.Context.RetrievalCandidates},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("context.%s %d must not be negative", f.name, f.v))
		}
	}

	// Storage
	switch {
	case !cfg.Storage.Driver.IsValid():
		errs = append(errs, fmt.Errorf("storage.driver %q is invalid; valid values: sqlite, postgres, memory", cfg.Storage.Driver))
	case cfg.Storage.Driver != StorageMemory && cfg.Storage.DSN == "":
		errs = append(errs, fmt.Errorf("storage.dsn is required for driver %q", cfg.Storage.Driver))
	}
	if cfg.Storage.Driver == StoragePostgres && cfg.Storage.EmbeddingDimensions <= 0 {
		errs = append(errs, errors.New("storage.embedding_dimensions must be positive for driver \"postgres\""))
	}
	if cfg.Providers.Embeddings.Name != "" && cfg.Storage.Driver != StoragePostgres {
		slog.Warn("providers.embeddings is configured but only the postgres driver stores chapter embeddings",
			"driver", cfg.Storage.Driver,
		)
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
