package plan

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/stationd/stationd/pkg/models"
)

// MIME groups the rule planner understands.
const (
	mimeGroupDocument    = "document"
	mimeGroupSpreadsheet = "spreadsheet"
	mimeGroupImage       = "image"
)

// keywordRules map message patterns to the playbook that should handle them,
// checked in order.
var keywordRules = []struct {
	pattern  *regexp.Regexp
	packID   string
	taskType string
}{
	{regexp.MustCompile(`(?i)\b(proposal|pitch|rfp)\b`), "proposal_writing", "draft_proposal"},
	{regexp.MustCompile(`(?i)\b(yearly|annual)\b.*\breview\b|\bretrospective\b`), "yearly_review", "compile_review"},
	{regexp.MustCompile(`(?i)\bproject\b.*\b(plan|planning|roadmap|milestone)\b`), "project_planning", "draft_plan"},
	{regexp.MustCompile(`(?i)\b(habit|routine)\b`), "habit_learning", "track_habit"},
	{regexp.MustCompile(`(?i)\b(write|draft|blog|post|article|newsletter)\b`), FallbackPackID, "draft_content"},
}

// buildRules is the deterministic planner used when the LLM is off or down.
// It inspects file MIME groups, message keywords, and the workspace's
// expected artifacts. An empty task list is a legitimate "no action needed".
func (b *Builder) buildRules(req Request) *models.ExecutionPlan {
	legal := make(map[string]bool, len(req.Playbooks))
	for _, md := range req.Playbooks {
		legal[md.PlaybookCode] = true
	}

	p := b.newPlan(req)
	p.PlanSummary = "rule-based plan"
	p.UserRequestSummary = summarize(req.Message)

	seen := map[string]bool{}
	add := func(packID, taskType string, params map[string]any) {
		if !legal[packID] {
			if !legal[FallbackPackID] {
				return
			}
			packID = FallbackPackID
		}
		key := fmt.Sprintf("%s|%s|%v", packID, taskType, params)
		if seen[key] {
			return
		}
		seen[key] = true
		p.Tasks = append(p.Tasks, finishTask(models.TaskPlan{
			PackID:          packID,
			TaskType:        taskType,
			Params:          params,
			SideEffectLevel: models.SideEffectReadonly,
		}, nil, nil))
	}

	fileIDs := make([]string, 0, len(req.FileMIMEs))
	for fileID := range req.FileMIMEs {
		fileIDs = append(fileIDs, fileID)
	}
	sort.Strings(fileIDs)
	for _, fileID := range fileIDs {
		switch mimeGroup(req.FileMIMEs[fileID]) {
		case mimeGroupDocument:
			add(FallbackPackID, "summarize_document", map[string]any{"file_id": fileID})
		case mimeGroupSpreadsheet:
			add(FallbackPackID, "extract_tables", map[string]any{"file_id": fileID})
		case mimeGroupImage:
			add(FallbackPackID, "describe_image", map[string]any{"file_id": fileID})
		}
	}

	for _, rule := range keywordRules {
		if rule.pattern.MatchString(req.Message) {
			add(rule.packID, rule.taskType, nil)
			break
		}
	}

	for _, artifact := range req.ExpectedArtifacts {
		add(FallbackPackID, "produce_artifact", map[string]any{"artifact": artifact})
	}

	return p
}

func mimeGroup(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return mimeGroupImage
	case strings.Contains(mime, "spreadsheet"), strings.Contains(mime, "csv"),
		strings.Contains(mime, "excel"):
		return mimeGroupSpreadsheet
	case strings.HasPrefix(mime, "text/"), strings.Contains(mime, "pdf"),
		strings.Contains(mime, "word"), strings.Contains(mime, "document"):
		return mimeGroupDocument
	}
	return ""
}

func summarize(message string) string {
	const max = 140
	message = strings.TrimSpace(message)
	runes := []rune(message)
	if len(runes) <= max {
		return message
	}
	return string(runes[:max]) + "..."
}
