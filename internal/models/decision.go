package models

import "time"

// DecisionOutcome is the terminal outcome of one pipeline run.
type DecisionOutcome string

const (
	OutcomeDelivered      DecisionOutcome = "delivered"
	OutcomeSuppressed     DecisionOutcome = "suppressed"
	OutcomeSkipped        DecisionOutcome = "skipped"
	OutcomeNotReady       DecisionOutcome = "not_ready"
	OutcomeCrisisResponse DecisionOutcome = "crisis_response"
)

// DecisionStage names the pipeline stage that produced a decision.
type DecisionStage string

const (
	StageRecovery    DecisionStage = "recovery"
	StageWake        DecisionStage = "wake"
	StageMVD         DecisionStage = "mvd"
	StageCandidates  DecisionStage = "candidates"
	StageConfidence  DecisionStage = "confidence"
	StageSuppression DecisionStage = "suppression"
	StageGeneration  DecisionStage = "generation"
	StageSafety      DecisionStage = "safety"
	StageDelivery    DecisionStage = "delivery"
)

// Reason codes for decisions not attributable to a suppression rule.
const (
	ReasonCandidateSourceFailed = "candidate_source_failed"
	ReasonNoCandidates          = "no_candidates"
	ReasonNoEligibleCandidates  = "no_mvd_eligible_candidates"
	ReasonGenerationFailed      = "generation_failed"
	ReasonSafetyFallback        = "safety_fallback"
	ReasonDeliveryFailed        = "delivery_failed"
	ReasonBaselineNotReady      = "baseline_not_ready"
	ReasonCrisisDetected        = "crisis_detected"
	ReasonMalformedInput        = "malformed_input"
)

// Decision is the audit record of one pipeline run for one user.
type Decision struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Stage      DecisionStage   `json:"stage"`
	Outcome    DecisionOutcome `json:"outcome"`
	RuleID     RuleID          `json:"rule_id,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	ProtocolID string          `json:"protocol_id,omitempty"`
	Confidence float64         `json:"confidence,omitempty"`
	Zone       Zone            `json:"zone,omitempty"`
	MVDType    MVDType         `json:"mvd_type,omitempty"`
	Message    string          `json:"message,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
