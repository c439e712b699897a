package plan

import "time"

// Outcome tags the result of one step execution attempt. It replaces
// error-based control flow in the executor: an attempt either succeeded,
// will be retried, or failed for good.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeRetry   Outcome = "RETRY"
	OutcomeFailed  Outcome = "FAILED"
)

// RetryStrategy tags how a retryable failure will be re-attempted.
type RetryStrategy string

const (
	RetryImmediate RetryStrategy = "IMMEDIATE"
)

// Result is the transient value produced by one step execution attempt.
type Result struct {
	Outcome        Outcome
	Outputs        map[string]any
	Err            error
	Duration       time.Duration
	Message        string
	Retry          RetryStrategy
	Recovery       *RecoveryStrategy
	Confidence     float64
	Unexpected     bool
	Invalidating   bool // new information invalidates plan assumptions
	BetterApproach bool // execution suggests a better decomposition
	Obsolete       bool // the objective itself is no longer relevant
}

// RecoveryType tags the decided response to an exhausted step failure.
type RecoveryType string

const (
	RecoveryAbort           RecoveryType = "ABORT"
	RecoveryAlternative     RecoveryType = "ALTERNATIVE"
	RecoverySkipAndContinue RecoveryType = "SKIP_AND_CONTINUE"
	RecoveryContinue        RecoveryType = "CONTINUE"
)

// RecoveryStrategy is the decided response to a step that has exhausted
// its attempts.
type RecoveryStrategy struct {
	Type              RecoveryType
	Reason            string
	Action            string
	AlternativeStepID string
	Degradation       string
}
