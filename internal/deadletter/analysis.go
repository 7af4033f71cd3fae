package deadletter

// Analyzer classifies one failure reason and proposes the next action.
type Analyzer func(dlm *DeadLetterMessage) Analysis

func builtinAnalyzers() map[FailureReason]Analyzer {
	transient := func(action RecoveryAction, detail string) Analyzer {
		return func(_ *DeadLetterMessage) Analysis {
			return Analysis{Transient: true, Classification: "transient", ProposedAction: action, Detail: detail}
		}
	}
	permanent := func(action RecoveryAction, detail string) Analyzer {
		return func(_ *DeadLetterMessage) Analysis {
			return Analysis{Transient: false, Classification: "permanent", ProposedAction: action, Detail: detail}
		}
	}
	return map[FailureReason]Analyzer{
		ReasonTimeout:             transient(ActionRetry, "downstream slow or unreachable; retry with backoff"),
		ReasonCircuitBreakerOpen:  transient(ActionRetry, "breaker open; retry after recovery window"),
		ReasonDependencyFailure:   transient(ActionRouteAlternative, "dependency failing; try an alternative route"),
		ReasonResourceUnavailable: transient(ActionRetry, "resource exhaustion; retry once capacity returns"),
		ReasonConsumerUnavailable: transient(ActionRouteAlternative, "no consumer attached; route elsewhere"),
		ReasonProcessingError:     transient(ActionTransformRetry, "handler error; retry after payload normalisation"),
		ReasonInvalidFormat:       permanent(ActionDiscard, "payload cannot be parsed; reprocessing will not help"),
		ReasonPoisonMessage:       permanent(ActionDiscard, "flagged poison; quarantine"),
		ReasonPermissionDenied:    permanent(ActionManualIntervention, "authorization failure; needs operator review"),
		ReasonRetryExhausted:      permanent(ActionArchive, "retry budget spent; archive for inspection"),
	}
}

// buildRecoveryPlan turns an analysis into an ordered action list with a
// confidence estimate. Poison messages always plan a single DISCARD.
func buildRecoveryPlan(dlm *DeadLetterMessage) *RecoveryPlan {
	if dlm.IsPoison {
		return &RecoveryPlan{
			Actions:              []RecoveryAction{ActionDiscard},
			Confidence:           0.95,
			EstimatedSuccessRate: 0,
			Reasoning:            "poison message; recovery attempts would fail again",
		}
	}
	if dlm.Analysis == nil {
		return &RecoveryPlan{
			Actions:              []RecoveryAction{ActionManualIntervention},
			Confidence:           0.3,
			EstimatedSuccessRate: 0.2,
			Reasoning:            "no analyzer registered for this failure reason",
		}
	}
	if dlm.Analysis.Transient {
		actions := []RecoveryAction{dlm.Analysis.ProposedAction}
		if dlm.Analysis.ProposedAction != ActionRouteAlternative {
			actions = append(actions, ActionRouteAlternative)
		} else {
			actions = append(actions, ActionRetry)
		}
		confidence := 0.85
		success := 0.7
		if dlm.Failure.RetryCount > 2 {
			confidence = 0.6
			success = 0.4
		}
		return &RecoveryPlan{
			Actions:              actions,
			Confidence:           confidence,
			EstimatedSuccessRate: success,
			Reasoning:            dlm.Analysis.Detail,
		}
	}
	return &RecoveryPlan{
		Actions:              []RecoveryAction{dlm.Analysis.ProposedAction, ActionArchive},
		Confidence:           0.5,
		EstimatedSuccessRate: 0.1,
		Reasoning:            dlm.Analysis.Detail,
	}
}
