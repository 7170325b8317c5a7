package anyllm

import (
	"testing"

	"github.com/surfacecoaster/Aventura-custom/pkg/provider/llm"
)

// ── convertMessage ────────────────────────────────────────────────────────────

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		role, content string
	}{
		{llm.RoleSystem, "You are the narrator."},
		{llm.RoleUser, "I open the door."},
		{llm.RoleAssistant, "The hinges groan."},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			t.Parallel()
			got := convertMessage(llm.Message{Role: tt.role, Content: tt.content})
			if got.Role != tt.role {
				t.Errorf("Role = %q, want %q", got.Role, tt.role)
			}
			if got.ContentString() != tt.content {
				t.Errorf("ContentString() = %q, want %q", got.ContentString(), tt.content)
			}
		})
	}
}

// ── buildParams ───────────────────────────────────────────────────────────────

func TestBuildParams_SystemPromptAndModelOverride(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Return JSON only.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		Model:        "gpt-4o-mini",
		Temperature:  0.2,
		MaxTokens:    512,
	})

	if params.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q, want gpt-4o-mini", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(params.Messages))
	}
	if params.Messages[0].Role != "system" {
		t.Errorf("first message role = %q, want system", params.Messages[0].Role)
	}
	if params.Temperature == nil || *params.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 512 {
		t.Errorf("MaxTokens = %v, want 512", params.MaxTokens)
	}
}

func TestBuildParams_Defaults(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "llama3"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if params.Model != "llama3" {
		t.Errorf("Model = %q, want llama3", params.Model)
	}
	if params.Temperature != nil {
		t.Errorf("Temperature = %v, want nil", *params.Temperature)
	}
	if params.MaxTokens != nil {
		t.Errorf("MaxTokens = %v, want nil", *params.MaxTokens)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("New(\"\", model) error = nil, want error")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("New(openai, \"\") error = nil, want error")
	}
	if _, err := New("nonexistent", "m"); err == nil {
		t.Error("New(nonexistent) error = nil, want error")
	}
}
