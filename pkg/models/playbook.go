package models

// PlaybookSource identifies where a playbook definition was discovered.
// Precedence on code collision: builtin < capability pack < user.
type PlaybookSource string

// Playbook sources, in ascending precedence order.
const (
	PlaybookSourceBuiltin PlaybookSource = "builtin"
	PlaybookSourcePack    PlaybookSource = "capability_pack"
	PlaybookSourceUser    PlaybookSource = "user"
)

// PlaybookKind distinguishes user-facing workflows from internal tools.
type PlaybookKind string

// Playbook kinds.
const (
	PlaybookKindUserWorkflow PlaybookKind = "user_workflow"
	PlaybookKindSystemTool   PlaybookKind = "system_tool"
)

// InteractionMode describes how a playbook interacts with the user.
type InteractionMode string

// Interaction modes.
const (
	InteractionSilent         InteractionMode = "silent"
	InteractionNeedsReview    InteractionMode = "needs_review"
	InteractionConversational InteractionMode = "conversational"
)

// PlaybookMetadata is the discoverable surface of a playbook: what the intent
// pipeline and plan builder see when choosing work to dispatch.
type PlaybookMetadata struct {
	PlaybookCode    string            `json:"playbook_code" yaml:"playbook_code"`
	Name            string            `json:"name" yaml:"name"`
	Description     string            `json:"description" yaml:"description"`
	Tags            []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	OutputTypes     []string          `json:"output_types,omitempty" yaml:"output_types,omitempty"`
	Kind            PlaybookKind      `json:"kind" yaml:"kind"`
	InteractionMode []InteractionMode `json:"interaction_mode,omitempty" yaml:"interaction_mode,omitempty"`
	Source          PlaybookSource    `json:"source" yaml:"-"`
}

// WorkflowStep is one step of a structured playbook workflow.
type WorkflowStep struct {
	PlaybookCode    string          `json:"playbook_code" yaml:"playbook_code"`
	Kind            PlaybookKind    `json:"kind,omitempty" yaml:"kind,omitempty"`
	InteractionMode InteractionMode `json:"interaction_mode,omitempty" yaml:"interaction_mode,omitempty"`
	Inputs          map[string]any  `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	InputMapping    map[string]any  `json:"input_mapping,omitempty" yaml:"input_mapping,omitempty"`
}

// Playbook is a full playbook definition: metadata plus the optional
// structured workflow.
type Playbook struct {
	PlaybookMetadata `yaml:",inline"`
	Steps            []WorkflowStep `json:"steps,omitempty" yaml:"steps,omitempty"`
}

// HandoffPlan is a linear sequence of workflow steps derived from a
// multi-step intent, each targeting a playbook.
type HandoffPlan struct {
	Steps            []WorkflowStep   `json:"steps"`
	StepDependencies map[string][]int `json:"step_dependencies,omitempty"`
}

// PlaybookRun is a loaded, executable view of a playbook: the markdown body
// plus the parsed workflow when a structured JSON definition exists.
type PlaybookRun struct {
	Playbook
	Body         string       `json:"body,omitempty"`
	WorkflowJSON *HandoffPlan `json:"workflow_json,omitempty"`
}

// HasJSON reports whether a structured workflow (HandoffPlan) can be
// generated from this run.
func (r *PlaybookRun) HasJSON() bool {
	return r.WorkflowJSON != nil && len(r.WorkflowJSON.Steps) > 0
}
