package dataset

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// AttachmentContent is the extracted text of one attachment referenced
// by a dataset row, or the reason extraction failed.
type AttachmentContent struct {
	Path         string `json:"path"`
	Kind         string `json:"kind"`
	Text         string `json:"text"`
	ResolvedPath string `json:"resolved_path,omitempty"`
	Error        string `json:"error,omitempty"`
}

// resolveAttachmentPath tries the dataset-relative locations an
// attachment path may live in, in order.
func resolveAttachmentPath(attachmentPath, datasetPath string) string {
	raw := strings.TrimSpace(attachmentPath)
	if raw == "" {
		return ""
	}
	if filepath.IsAbs(raw) {
		if _, err := os.Stat(raw); err == nil {
			return raw
		}
		return ""
	}

	datasetDir := filepath.Dir(datasetPath)
	cwd, _ := os.Getwd()
	candidates := []string{
		filepath.Join(datasetDir, raw),
		filepath.Join(filepath.Dir(datasetDir), raw),
		filepath.Join(filepath.Dir(datasetDir), "curated", raw),
		filepath.Join(cwd, raw),
		filepath.Join(cwd, "data", raw),
		filepath.Join(cwd, "data", "curated", raw),
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func extractPDFText(path string) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", err
	}
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func extractTextFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// extractAttachmentContents reads the referenced files and returns one
// content entry per attachment, never failing the row: unreadable or
// missing files produce an entry with Error set.
func extractAttachmentContents(attachments []any, datasetPath string) []AttachmentContent {
	var out []AttachmentContent
	for _, item := range attachments {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		rawPath, _ := obj["path"].(string)
		rawPath = strings.TrimSpace(rawPath)
		if rawPath == "" {
			continue
		}
		kind, _ := obj["kind"].(string)
		kind = strings.ToLower(strings.TrimSpace(kind))

		resolved := resolveAttachmentPath(rawPath, datasetPath)
		if resolved == "" {
			entryKind := kind
			if entryKind == "" {
				entryKind = "file"
			}
			out = append(out, AttachmentContent{
				Path:  rawPath,
				Kind:  entryKind,
				Error: "Attachment file not found on disk.",
			})
			continue
		}

		isPDF := kind == "pdf" || strings.EqualFold(filepath.Ext(resolved), ".pdf")
		var text string
		var err error
		if isPDF {
			text, err = extractPDFText(resolved)
		} else {
			text, err = extractTextFile(resolved)
		}

		entryKind := kind
		if entryKind == "" {
			if isPDF {
				entryKind = "pdf"
			} else {
				entryKind = "file"
			}
		}
		entry := AttachmentContent{
			Path:         rawPath,
			Kind:         entryKind,
			Text:         text,
			ResolvedPath: resolved,
		}
		if err != nil {
			entry.Text = ""
			entry.Error = "Failed to parse attachment: " + err.Error()
		}
		out = append(out, entry)
	}
	return out
}
