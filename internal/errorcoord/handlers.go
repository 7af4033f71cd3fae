package errorcoord

import (
	"context"
	"strings"
)

// Handler reacts to one fingerprinted occurrence. Handlers may attach
// hints to the record and suggested actions to its pattern.
type Handler func(ctx context.Context, c *Coordinator, rec *Record) error

func builtinHandlers() map[Category][]Handler {
	return map[Category][]Handler{
		CategoryAuthentication: {tokenRefreshHint},
		CategoryNetwork:        {retryPlanHandler},
		CategoryTimeout:        {retryPlanHandler},
		CategoryDatabase:       {rollbackHintHandler},
		CategorySystem:         {escalationHandler},
	}
}

// tokenRefreshHint marks expiry-class auth failures as recoverable by a
// token refresh.
func tokenRefreshHint(_ context.Context, c *Coordinator, rec *Record) error {
	msg := strings.ToLower(rec.Report.Message)
	if !strings.Contains(msg, "expired") && !strings.Contains(msg, "token") &&
		!strings.Contains(msg, "credential") {
		return nil
	}
	rec.Hints["recovery"] = "refresh_token"
	c.suggestAction(rec.Fingerprint, "refresh_token")
	return nil
}

// retryPlanHandler attaches a bounded exponential retry plan to
// network-class failures.
func retryPlanHandler(_ context.Context, c *Coordinator, rec *Record) error {
	rec.Hints["recovery_plan"] = map[string]interface{}{
		"action":      "retry_with_backoff",
		"max_retries": 3,
		"backoff":     "exponential",
	}
	c.suggestAction(rec.Fingerprint, "retry_with_backoff")
	return nil
}

var constraintKeywords = []string{"constraint", "duplicate", "unique", "foreign key", "deadlock"}

// rollbackHintHandler flags constraint violations so the reporter knows a
// retry without a rollback will fail again.
func rollbackHintHandler(_ context.Context, c *Coordinator, rec *Record) error {
	msg := strings.ToLower(rec.Report.Message)
	for _, kw := range constraintKeywords {
		if strings.Contains(msg, kw) {
			rec.Hints["recovery"] = "rollback_transaction"
			c.suggestAction(rec.Fingerprint, "rollback_transaction")
			return nil
		}
	}
	return nil
}

// escalationHandler raises an escalation event for critical system
// errors. The coordinator emits; incident handling lives elsewhere.
func escalationHandler(ctx context.Context, c *Coordinator, rec *Record) error {
	if rec.Report.Severity != SeverityCritical {
		return nil
	}
	rec.Hints["escalated"] = true
	c.escalate(ctx, rec)
	return nil
}
