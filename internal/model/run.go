// Package model defines the core domain types for Parley.
//
// Types map directly onto database rows and event payloads. They use strong
// typing (UUIDs, time.Time, string enums) and keep free-form maps to the
// places where the payload is genuinely open (tool args, step data).
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued               RunStatus = "queued"
	RunStatusRunning              RunStatus = "running"
	RunStatusAwaitingConfirmation RunStatus = "awaiting_confirmation"
	RunStatusCompleted            RunStatus = "completed"
	RunStatusFailed               RunStatus = "failed"
	RunStatusCancelled            RunStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal runs never change
// status again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusQueued, RunStatusRunning, RunStatusAwaitingConfirmation,
		RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// NonTerminalStatuses lists every status a run may still leave.
var NonTerminalStatuses = []RunStatus{
	RunStatusQueued,
	RunStatusRunning,
	RunStatusAwaitingConfirmation,
}

// RunMode is an informational classification of a conversational turn.
type RunMode string

const (
	RunModeChat RunMode = "chat"
	RunModeQA   RunMode = "qa_rag"
	RunModeTask RunMode = "task"
)

// ToolCall is the canonical {name, args} tool invocation.
// A zero ToolCall (empty Name) means "no tool".
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Empty reports whether the call names no tool.
func (c ToolCall) Empty() bool { return c.Name == "" }

// Run is one conversational turn's unit of work.
type Run struct {
	ID                uuid.UUID  `json:"id"`
	ConversationID    uuid.UUID  `json:"conversation_id"`
	UserID            string     `json:"user_id"`
	Status            RunStatus  `json:"status"`
	Mode              RunMode    `json:"mode"`
	Plan              []string   `json:"plan"`
	NeedsConfirmation bool       `json:"needs_confirmation"`
	PendingPayload    *ToolCall  `json:"pending_payload,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// StepKind classifies an audit step.
type StepKind string

const (
	StepKindPlan  StepKind = "plan"
	StepKindTool  StepKind = "tool"
	StepKindToken StepKind = "token"
	StepKindFinal StepKind = "final"
	StepKindInfo  StepKind = "info"
)

// StepStatus is the outcome recorded on a step.
type StepStatus string

const (
	StepStatusStarted   StepStatus = "started"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// Step is an append-only audit record of a milestone within a run.
// Idx is assigned by storage: zero-based and unique per run.
type Step struct {
	ID        uuid.UUID      `json:"id"`
	RunID     uuid.UUID      `json:"run_id"`
	Idx       int            `json:"idx"`
	Kind      StepKind       `json:"kind"`
	Data      map[string]any `json:"data"`
	Status    StepStatus     `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}
