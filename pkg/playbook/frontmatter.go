package playbook

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stationd/stationd/pkg/models"
)

const frontMatterDelimiter = "---"

// parseDocument splits a playbook markdown document into its YAML front
// matter and body, and decodes the front matter into a Playbook definition.
// A leading UTF-8 byte order mark is tolerated.
func parseDocument(raw string) (*models.Playbook, string, error) {
	trimmed := strings.TrimLeft(raw, "\uFEFF\n\r")
	if !strings.HasPrefix(trimmed, frontMatterDelimiter) {
		return nil, "", fmt.Errorf("missing front matter delimiter")
	}
	rest := trimmed[len(frontMatterDelimiter):]
	idx := strings.Index(rest, "\n"+frontMatterDelimiter)
	if idx < 0 {
		return nil, "", fmt.Errorf("unterminated front matter")
	}
	head := rest[:idx]
	body := rest[idx+len(frontMatterDelimiter)+1:]
	body = strings.TrimPrefix(body, "\n")

	var pb models.Playbook
	if err := yaml.Unmarshal([]byte(head), &pb); err != nil {
		return nil, "", fmt.Errorf("invalid front matter: %w", err)
	}
	if pb.PlaybookCode == "" {
		return nil, "", fmt.Errorf("front matter missing playbook_code")
	}
	if pb.Kind == "" {
		pb.Kind = models.PlaybookKindUserWorkflow
	}
	return &pb, body, nil
}

// resourceLocale derives (code, locale) from a resource file name.
// "weekly_report.md" → ("weekly_report", "en"); "weekly_report.ko.md" →
// ("weekly_report", "ko").
func resourceLocale(name, ext string) (code, locale string, ok bool) {
	if !strings.HasSuffix(name, ext) {
		return "", "", false
	}
	stem := strings.TrimSuffix(name, ext)
	if i := strings.LastIndex(stem, "."); i > 0 {
		return stem[:i], stem[i+1:], true
	}
	return stem, defaultLocale, true
}
