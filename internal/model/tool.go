package model

// ToolMeta is a registry entry. Immutable at runtime.
type ToolMeta struct {
	Name              string         `json:"name" yaml:"name"`
	Summary           string         `json:"summary" yaml:"summary"`
	DocURL            string         `json:"doc_url,omitempty" yaml:"doc_url"`
	NeedsConfirmation bool           `json:"needs_confirmation" yaml:"needs_confirmation"`
	GuardFeature      string         `json:"guard_feature" yaml:"guard_feature"`
	TokenCost         int64          `json:"token_cost" yaml:"token_cost"`
	InputSchema       map[string]any `json:"input_schema" yaml:"input_schema"`
	Returns           string         `json:"returns" yaml:"returns"`
}

// Event names delivered to stream subscribers.
const (
	EventReasoningPlan      = "reasoning_plan"
	EventConfirmNeeded      = "confirm_needed"
	EventConfirmation       = "confirmation"
	EventAttachmentReceived = "attachment_received"
	EventAttachmentParsed   = "attachment_parsed"
	EventContextReady       = "context_ready"
	EventToken              = "token"
	EventArtifactReady      = "artifact_ready"
	EventFinalAnswer        = "final_answer"
)
