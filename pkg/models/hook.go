package models

import "time"

// HookRunStatus is the terminal state of a hook execution.
type HookRunStatus string

// Hook run statuses.
const (
	HookRunCompleted HookRunStatus = "completed"
	HookRunFailed    HookRunStatus = "failed"
)

// HookRun is one row of the idempotency ledger. IdempotencyKey is unique; a
// second run with the same key returns the stored summary without executing.
type HookRun struct {
	IdempotencyKey string         `json:"idempotency_key"`
	HookType       string         `json:"hook_type"`
	WorkspaceID    string         `json:"workspace_id"`
	Status         HookRunStatus  `json:"status"`
	ResultSummary  map[string]any `json:"result_summary,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Receipt is an IDE-side attestation that a given step has already been
// completed, short-circuiting the core's hook.
type Receipt struct {
	Step        string `json:"step"`
	TraceID     string `json:"trace_id,omitempty"`
	OutputHash  string `json:"output_hash,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// ReceiptReason is the closed set of receipt evaluation outcomes.
type ReceiptReason string

// Receipt evaluation reasons, in rule order.
const (
	ReasonNoReceipt         ReceiptReason = "no_receipt"
	ReasonMissingTraceID    ReceiptReason = "missing_trace_id"
	ReasonInvalidOutputHash ReceiptReason = "invalid_output_hash"
	ReasonFutureCompletedAt ReceiptReason = "future_completed_at"
	ReasonReceiptAccepted   ReceiptReason = "receipt_accepted"
)

// ReceiptDecision is the structured result of evaluating a receipt for a
// hook step. Emitted into the event log as receipt_accepted or
// receipt_rejected whenever a receipt is evaluated.
type ReceiptDecision struct {
	Step              string        `json:"step"`
	ShouldRun         bool          `json:"should_run"`
	Reason            ReceiptReason `json:"reason"`
	ReceiptTraceID    string        `json:"receipt_trace_id,omitempty"`
	ReceiptOutputHash string        `json:"receipt_output_hash,omitempty"`
}
