package hooks

import (
	"regexp"
	"strings"
	"time"

	"github.com/stationd/stationd/pkg/models"
)

var outputHashPattern = regexp.MustCompile(`^[0-9a-f]{16,64}$`)

// EvaluateReceipt applies the receipt rules in order for one hook step and
// returns the structured decision. A receipt only skips the hook when it
// carries a trace id, a well-formed output hash, and no future completion
// time.
func EvaluateReceipt(receipts []models.Receipt, step string, now time.Time) models.ReceiptDecision {
	var receipt *models.Receipt
	for i := range receipts {
		if receipts[i].Step == step {
			receipt = &receipts[i]
			break
		}
	}

	if receipt == nil {
		return models.ReceiptDecision{Step: step, ShouldRun: true, Reason: models.ReasonNoReceipt}
	}

	// Hashes are compared in lowercase hex regardless of how the client
	// cased them.
	outputHash := strings.ToLower(receipt.OutputHash)
	decision := models.ReceiptDecision{
		Step:              step,
		ReceiptTraceID:    receipt.TraceID,
		ReceiptOutputHash: outputHash,
	}

	if receipt.TraceID == "" {
		decision.ShouldRun = true
		decision.Reason = models.ReasonMissingTraceID
		return decision
	}
	if !outputHashPattern.MatchString(outputHash) {
		decision.ShouldRun = true
		decision.Reason = models.ReasonInvalidOutputHash
		return decision
	}
	if receipt.CompletedAt != "" {
		if completed, err := time.Parse(time.RFC3339, receipt.CompletedAt); err == nil && completed.After(now) {
			decision.ShouldRun = true
			decision.Reason = models.ReasonFutureCompletedAt
			return decision
		}
	}

	decision.ShouldRun = false
	decision.Reason = models.ReasonReceiptAccepted
	return decision
}
