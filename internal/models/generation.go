package models

// GenerationKind selects the prompt used for text generation.
type GenerationKind string

const (
	GenerationNudge         GenerationKind = "nudge"
	GenerationMorningAnchor GenerationKind = "morning_anchor"
	GenerationChat          GenerationKind = "chat"
)

// GenerationRequest is what the pipeline hands to the text generator.
type GenerationRequest struct {
	UserID      string          `json:"user_id"`
	Kind        GenerationKind  `json:"kind"`
	Candidate   *NudgeCandidate `json:"candidate,omitempty"`
	Zone        Zone            `json:"zone,omitempty"`
	MVDType     MVDType         `json:"mvd_type,omitempty"`
	UserMessage string          `json:"user_message,omitempty"`
}
