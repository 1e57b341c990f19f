// Package prompt assembles provider-ready candidate messages from a
// normalized example and its dataset policy.
package prompt

import (
	"fmt"
	"strings"

	"github.com/signalnine/tribunal/internal/dataset"
	"github.com/signalnine/tribunal/internal/provider"
)

const mcqJSONInstruction = "Return only valid JSON with no markdown. " +
	`Use this schema exactly: {"answer": "<choice_id>", "reasoning": "<short text>"}. ` +
	"The answer must be exactly one of the provided choice IDs."

const sameLanguageRule = "Write your final answer in the same language as the question unless explicitly asked otherwise."

const missingMaterialRule = "If key factual material is missing, state what is missing explicitly before giving your best qualified answer."

func policyGuidance(example *dataset.Example, policy dataset.Policy) string {
	var parts []string
	if policy.GenerationPrefix != "" {
		parts = append(parts, policy.GenerationPrefix)
	}
	if policy.IncludeDomainHeader {
		if domain, _ := example.Metadata["domain"].(string); strings.TrimSpace(domain) != "" {
			parts = append(parts, "Domain: "+strings.TrimSpace(domain))
		}
	}
	if policy.RequireSameLanguage {
		parts = append(parts, sameLanguageRule)
	}
	if policy.CitationStyleHint != "" {
		parts = append(parts, policy.CitationStyleHint)
	}
	if policy.HandleMissingMaterial {
		parts = append(parts, missingMaterialRule)
	}
	if policy.IncludeAttachmentBlock {
		if rendered := renderAttachments(example); rendered != "" {
			parts = append(parts, rendered)
		}
	}

	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}

// renderAttachments prefers extracted file contents and falls back to a
// plain listing of attachment paths.
func renderAttachments(example *dataset.Example) string {
	if contents, ok := example.Metadata["attachment_contents"].([]dataset.AttachmentContent); ok && len(contents) > 0 {
		var blocks []string
		for _, item := range contents {
			path := strings.TrimSpace(item.Path)
			if path == "" {
				continue
			}
			label := path
			if item.Kind != "" {
				label = fmt.Sprintf("%s (%s)", path, item.Kind)
			}
			switch {
			case strings.TrimSpace(item.Text) != "":
				blocks = append(blocks, fmt.Sprintf("File: %s\n%s", label, strings.TrimSpace(item.Text)))
			case strings.TrimSpace(item.Error) != "":
				blocks = append(blocks, fmt.Sprintf("File: %s\n[Parsing error] %s", label, strings.TrimSpace(item.Error)))
			default:
				blocks = append(blocks, fmt.Sprintf("File: %s\n[No extractable text]", label))
			}
		}
		if len(blocks) > 0 {
			return "==== Attached files content: ====\n\n" + strings.Join(blocks, "\n\n")
		}
	}

	if attachments, ok := example.Metadata["attachments"].([]any); ok && len(attachments) > 0 {
		var lines []string
		for _, item := range attachments {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			path, _ := obj["path"].(string)
			path = strings.TrimSpace(path)
			if path == "" {
				continue
			}
			if kind, _ := obj["kind"].(string); strings.TrimSpace(kind) != "" {
				lines = append(lines, fmt.Sprintf("- %s (%s)", path, strings.TrimSpace(kind)))
			} else {
				lines = append(lines, "- "+path)
			}
		}
		if len(lines) > 0 {
			return "==== Attached files content: ====\n" + strings.Join(lines, "\n")
		}
	}
	return ""
}

// mergeIntoFirstUserMessage appends guidance to the first user turn so
// multi-turn conversations keep their shape.
func mergeIntoFirstUserMessage(messages []provider.Message, guidance string) []provider.Message {
	for i, msg := range messages {
		if msg.Role == "user" {
			messages[i].Content = strings.TrimRight(msg.Content, " \t\n") + "\n\n" + guidance
			return messages
		}
	}
	return append(messages, provider.Message{Role: "user", Content: guidance})
}

// BuildCandidateMessages produces the message list sent to a candidate
// model for one example.
func BuildCandidateMessages(example *dataset.Example, systemPrompt string) []provider.Message {
	policy := dataset.PolicyFor(example.PolicyID())
	guidance := policyGuidance(example, policy)

	var system []provider.Message
	if policy.UseDefaultSystemPrompt {
		system = append(system, provider.Message{Role: "system", Content: systemPrompt})
	}

	if len(example.Messages) > 0 {
		messages := make([]provider.Message, 0, len(system)+len(example.Messages)+2)
		messages = append(messages, system...)
		messages = append(messages, example.Messages...)
		if guidance != "" {
			if policy.ID == "apexv1_extended_v1" {
				messages = mergeIntoFirstUserMessage(messages, guidance)
			} else {
				messages = append(messages, provider.Message{Role: "user", Content: guidance})
			}
		}
		if example.JudgeMode == "mcq" && policy.MCQJSONAnswer {
			messages = append(messages, provider.Message{Role: "user", Content: mcqJSONInstruction})
		}
		return messages
	}

	parts := []string{strings.TrimSpace(example.Instructions)}
	if strings.TrimSpace(example.Context) != "" {
		parts = append(parts, "Context:\n"+strings.TrimSpace(example.Context))
	}
	if guidance != "" {
		parts = append(parts, guidance)
	}
	if example.JudgeMode == "mcq" && policy.MCQJSONAnswer {
		parts = append(parts, mcqJSONInstruction)
	}
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return append(system, provider.Message{Role: "user", Content: strings.Join(kept, "\n\n")})
}
