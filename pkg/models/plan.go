package models

// PlanStep is one ordered step of an execution plan.
type PlanStep struct {
	StepID        string `json:"step_id"`
	PackID        string `json:"pack_id"`
	Goal          string `json:"goal"`
	InputTemplate string `json:"input_template,omitempty"`
}

// TaskPlan describes a task the plan builder wants dispatched. AutoExecute
// defaults to true only for readonly tasks; everything else requires a CTA.
type TaskPlan struct {
	PackID          string          `json:"pack_id"`
	TaskType        string          `json:"task_type"`
	Params          map[string]any  `json:"params,omitempty"`
	SideEffectLevel SideEffectLevel `json:"side_effect_level"`
	AutoExecute     bool            `json:"auto_execute"`
	RequiresCTA     bool            `json:"requires_cta"`
}

// ProjectAssignmentDecision records how a turn was attached to a project.
type ProjectAssignmentDecision struct {
	ProjectID              string  `json:"project_id,omitempty"`
	Relation               string  `json:"relation,omitempty"`
	Confidence             float64 `json:"confidence"`
	RequiresUIConfirmation bool    `json:"requires_ui_confirmation"`
}

// ExecutionPlan is the per-turn plan produced by the plan builder. Every
// task's PackID is either in the effective playbook set or a well-known
// capability code.
type ExecutionPlan struct {
	ID                        string                     `json:"id"`
	WorkspaceID               string                     `json:"workspace_id"`
	MessageID                 string                     `json:"message_id"`
	Steps                     []PlanStep                 `json:"steps"`
	Tasks                     []TaskPlan                 `json:"tasks"`
	AITeamMembers             []string                   `json:"ai_team_members,omitempty"`
	PlanSummary               string                     `json:"plan_summary,omitempty"`
	UserRequestSummary        string                     `json:"user_request_summary,omitempty"`
	ProjectID                 string                     `json:"project_id,omitempty"`
	ProjectAssignmentDecision *ProjectAssignmentDecision `json:"project_assignment_decision,omitempty"`
}
