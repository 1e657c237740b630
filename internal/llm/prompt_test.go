package llm

import (
	"strings"
	"testing"
)

func TestBuildPromptOrdersHistory(t *testing.T) {
	req := Request{
		Prompt: "why was I charged twice?",
		History: []Exchange{
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi, how can I help?"},
		},
	}
	prompt := BuildPrompt(req)

	wantLines := []string{
		"USER: hello",
		"ASSISTANT: hi, how can I help?",
		"USER: why was I charged twice?",
	}
	last := -1
	for _, line := range wantLines {
		idx := strings.Index(prompt, line)
		if idx < 0 {
			t.Fatalf("prompt missing line %q:\n%s", line, prompt)
		}
		if idx < last {
			t.Fatalf("line %q out of order:\n%s", line, prompt)
		}
		last = idx
	}
}

func TestSystemPromptProfiles(t *testing.T) {
	if !strings.Contains(SystemPrompt("customer_service"), "call center") {
		t.Fatal("expected call center instruction for customer_service")
	}
	if !strings.Contains(SystemPrompt("lead_generation"), "lead-gen") {
		t.Fatal("expected lead-gen instruction for lead_generation")
	}
	if SystemPrompt("unknown") != SystemPrompt("customer_service") {
		t.Fatal("unknown profile should fall back to customer service")
	}
}

func TestAnalysisRequestIncludesHistory(t *testing.T) {
	req := AnalysisRequest("s1", []Exchange{
		{Role: "user", Content: "my invoice doubled"},
		{Role: "assistant", Content: "let me check that"},
	})
	if !strings.Contains(req.Prompt, "Customer: my invoice doubled") {
		t.Fatalf("analysis prompt missing customer line:\n%s", req.Prompt)
	}
	if !strings.Contains(req.Prompt, "Assistant: let me check that") {
		t.Fatalf("analysis prompt missing assistant line:\n%s", req.Prompt)
	}
	if req.System == "" {
		t.Fatal("analysis request should carry its own system instruction")
	}
}
