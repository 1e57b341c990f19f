package prompt_test

import (
	"strings"
	"testing"

	"github.com/signalnine/tribunal/internal/dataset"
	"github.com/signalnine/tribunal/internal/prompt"
	"github.com/signalnine/tribunal/internal/provider"
)

func TestDefaultPolicyPrependsSystemPrompt(t *testing.T) {
	example := &dataset.Example{
		ID:           "e1",
		JudgeMode:    "rubric",
		Instructions: "Explain adverse possession.",
		Messages:     []provider.Message{{Role: "user", Content: "Explain adverse possession."}},
		Metadata:     map[string]any{},
	}
	messages := prompt.BuildCandidateMessages(example, "You are a careful legal assistant.")
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2: %v", len(messages), messages)
	}
	if messages[0].Role != "system" || messages[0].Content != "You are a careful legal assistant." {
		t.Errorf("system message = %+v", messages[0])
	}
	if messages[1].Role != "user" {
		t.Errorf("user message = %+v", messages[1])
	}
}

func TestPrbenchSuppressesSystemPromptAndAddsDomain(t *testing.T) {
	example := &dataset.Example{
		ID:        "e2",
		JudgeMode: "rubric",
		Messages: []provider.Message{
			{Role: "user", Content: "First turn"},
			{Role: "assistant", Content: "Reply"},
			{Role: "user", Content: "Second turn"},
		},
		Metadata: map[string]any{"policy_id": "prbench_v1", "domain": "Securities"},
	}
	messages := prompt.BuildCandidateMessages(example, "default system")
	if messages[0].Role == "system" {
		t.Fatal("prbench must not inject the default system prompt")
	}
	last := messages[len(messages)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "Domain: Securities") {
		t.Errorf("guidance turn = %+v", last)
	}
}

func TestApexMergesGuidanceIntoFirstUserMessage(t *testing.T) {
	example := &dataset.Example{
		ID:        "e3",
		JudgeMode: "rubric",
		Messages: []provider.Message{
			{Role: "user", Content: "Question about the attached filing."},
		},
		Metadata: map[string]any{
			"policy_id": "apexv1_extended_v1",
			"attachment_contents": []dataset.AttachmentContent{
				{Path: "filing.pdf", Kind: "pdf", Text: "Section 1. Parties."},
			},
		},
	}
	messages := prompt.BuildCandidateMessages(example, "default system")
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1 merged user turn: %v", len(messages), messages)
	}
	content := messages[0].Content
	if !strings.HasPrefix(content, "Question about the attached filing.") {
		t.Errorf("original question must lead: %q", content)
	}
	if !strings.Contains(content, "==== Attached files content: ====") {
		t.Errorf("attachment block missing: %q", content)
	}
	if !strings.Contains(content, "File: filing.pdf (pdf)\nSection 1. Parties.") {
		t.Errorf("attachment text missing: %q", content)
	}
	if !strings.Contains(content, "If key factual material is missing") {
		t.Errorf("missing-material rule absent: %q", content)
	}
}

func TestMCQAppendsJSONInstruction(t *testing.T) {
	example := &dataset.Example{
		ID:           "e4",
		JudgeMode:    "mcq",
		Instructions: "Pick one.",
		Messages:     []provider.Message{{Role: "user", Content: "Pick one."}},
		Metadata:     map[string]any{},
	}
	messages := prompt.BuildCandidateMessages(example, "sys")
	last := messages[len(messages)-1]
	if !strings.Contains(last.Content, `{"answer": "<choice_id>"`) {
		t.Errorf("MCQ JSON instruction missing: %q", last.Content)
	}
}

func TestFallbackBuildsSingleUserMessage(t *testing.T) {
	example := &dataset.Example{
		ID:           "e5",
		JudgeMode:    "reference",
		Instructions: "Define laches.",
		Context:      "Equity course, week 3.",
		Metadata:     map[string]any{},
	}
	messages := prompt.BuildCandidateMessages(example, "sys")
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want system + user", len(messages))
	}
	content := messages[1].Content
	if !strings.Contains(content, "Define laches.") || !strings.Contains(content, "Context:\nEquity course, week 3.") {
		t.Errorf("fallback content = %q", content)
	}
}
