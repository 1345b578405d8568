package stream

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/stationd/stationd/pkg/config"
)

// Section placeholders substituted during truncation.
const (
	conversationPlaceholder = "(earlier conversation omitted)"
	timelinePlaceholder     = "(recent timeline omitted)"
)

// Prompt section headers. Truncation removes whole sections, never the user
// turn or the system prefix.
const (
	headerWorkspace    = "## Workspace Context:"
	headerIntents      = "## Active Intents:"
	headerTasks        = "## Current Tasks:"
	headerConversation = "## Recent Conversation:"
	headerTimeline     = "## Recent Timeline:"
)

// TokenCounter estimates prompt tokens for a model.
type TokenCounter interface {
	Count(model, text string) int
}

// tiktokenCounter counts with the model's BPE, falling back to cl100k_base
// for unknown models and to a bytes/4 estimate when no encoding loads.
type tiktokenCounter struct{}

// NewTokenCounter returns the tiktoken-backed counter.
func NewTokenCounter() TokenCounter { return tiktokenCounter{} }

func (tiktokenCounter) Count(model, text string) int {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// PromptContext is the assembled context for one turn, section by section.
type PromptContext struct {
	SystemPrefix     string
	WorkspaceContext string
	ActiveIntents    string
	CurrentTasks     string
	Conversation     string
	Timeline         string
	UserMessage      string
}

// BuildResult is the budgeted prompt.
type BuildResult struct {
	System string
	User   string

	// ContextTokens is the final estimated token count.
	ContextTokens int

	// Truncated lists the sections removed, in removal order.
	Truncated []string
}

// Build assembles the prompt and truncates deterministically until it fits
// the model's input budget: conversation first, then timeline, then collapse
// to the core sections. The user message and system prefix are never cut.
func (p PromptContext) Build(counter TokenCounter, model string) BuildResult {
	budget := config.ModelInputBudget(model)

	conversation := p.Conversation
	timeline := p.Timeline
	var truncated []string

	assemble := func() BuildResult {
		var b strings.Builder
		writeSection(&b, headerWorkspace, p.WorkspaceContext)
		writeSection(&b, headerIntents, p.ActiveIntents)
		writeSection(&b, headerTasks, p.CurrentTasks)
		writeSection(&b, headerConversation, conversation)
		writeSection(&b, headerTimeline, timeline)
		res := BuildResult{
			System:    strings.TrimSpace(p.SystemPrefix + "\n\n" + b.String()),
			User:      p.UserMessage,
			Truncated: truncated,
		}
		res.ContextTokens = counter.Count(model, res.System) + counter.Count(model, res.User)
		return res
	}

	res := assemble()
	if res.ContextTokens <= budget {
		return res
	}

	if conversation != "" && conversation != conversationPlaceholder {
		conversation = conversationPlaceholder
		truncated = append(truncated, "conversation")
		res = assemble()
		if res.ContextTokens <= budget {
			return res
		}
	}

	if timeline != "" && timeline != timelinePlaceholder {
		timeline = timelinePlaceholder
		truncated = append(truncated, "timeline")
		res = assemble()
		if res.ContextTokens <= budget {
			return res
		}
	}

	// Collapse: only workspace context, active intents, and current tasks
	// remain alongside the untouchable prefix and user turn.
	conversation = ""
	timeline = ""
	truncated = append(truncated, "collapse")
	return assemble()
}

func writeSection(b *strings.Builder, header, body string) {
	if body == "" {
		return
	}
	b.WriteString(header)
	b.WriteString("\n")
	b.WriteString(body)
	b.WriteString("\n\n")
}
