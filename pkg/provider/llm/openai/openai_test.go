package openai

import (
	"testing"

	"github.com/surfacecoaster/Aventura-custom/pkg/provider/llm"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("New with empty key: error = nil, want error")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("New with empty model: error = nil, want error")
	}
	if _, err := New("sk-test", "gpt-4o", WithBaseURL("http://localhost:1234/v1")); err != nil {
		t.Errorf("New() error = %v", err)
	}
}

func TestConvertMessage_UnknownRole(t *testing.T) {
	t.Parallel()

	if _, err := convertMessage(llm.Message{Role: "tool", Content: "x"}); err == nil {
		t.Error("convertMessage(tool) error = nil, want error")
	}
	for _, role := range []string{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant} {
		if _, err := convertMessage(llm.Message{Role: role, Content: "x"}); err != nil {
			t.Errorf("convertMessage(%s) error = %v", role, err)
		}
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p, err := New("sk-test", "gpt-4o")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "JSON only.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "classify"}},
		Model:        "gpt-4o-mini",
		MaxTokens:    256,
	})
	if err != nil {
		t.Fatalf("buildParams() error = %v", err)
	}
	if string(params.Model) != "gpt-4o-mini" {
		t.Errorf("Model = %q, want gpt-4o-mini", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Errorf("len(Messages) = %d, want 2", len(params.Messages))
	}
	if params.MaxCompletionTokens.Value != 256 {
		t.Errorf("MaxCompletionTokens = %d, want 256", params.MaxCompletionTokens.Value)
	}
	if params.ResponseFormat.OfJSONObject != nil {
		t.Error("plain request sent with a JSON response format")
	}
}

func TestBuildParams_JSONMode(t *testing.T) {
	t.Parallel()

	p, err := New("sk-test", "gpt-4o", WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	params, err := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Reply in JSON."}},
		JSON:     true,
	})
	if err != nil {
		t.Fatalf("buildParams() error = %v", err)
	}
	if params.ResponseFormat.OfJSONObject == nil {
		t.Error("JSON request has no json_object response format")
	}
	if string(params.Model) != "gpt-4o" {
		t.Errorf("Model = %q, want the provider default gpt-4o", params.Model)
	}
}
