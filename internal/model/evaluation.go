package model

import "time"

// ModuleStatus is what an evaluation module asks the conversation to do.
type ModuleStatus string

const (
	StatusContinue ModuleStatus = "continue_interaction"
	StatusEnd      ModuleStatus = "end_interaction"
)

// ModuleOutcome is the result of running one evaluation module.
// A Failed outcome carries only Module and Reason.
type ModuleOutcome struct {
	Module  string         `json:"module"`
	Status  ModuleStatus   `json:"status,omitempty"`
	Variant string         `json:"variant,omitempty"`
	Message string         `json:"message,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Failed  bool           `json:"failed,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// OK reports whether the module ran to completion.
func (o ModuleOutcome) OK() bool { return !o.Failed }

// EvaluationState tracks the claim on a thread's assignment record.
type EvaluationState string

const (
	EvaluationPending  EvaluationState = "pending"
	EvaluationComplete EvaluationState = "complete"
)

// EvaluationModuleOutput is the per-thread assignment produced by the evaluation modules.
type EvaluationModuleOutput struct {
	ThreadID             string          `json:"thread_id"`
	State                EvaluationState `json:"state"`
	Arm                  Arm             `json:"arm"`
	ModulesUsed          []ModuleConfig  `json:"modules_used,omitempty"`
	Outcomes             []ModuleOutcome `json:"outcomes,omitempty"`
	ContinueConversation bool            `json:"continue_conversation"`
	ControlGroupMessage  *string         `json:"control_group_message,omitempty"`
	ClaimedAt            time.Time       `json:"claimed_at"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
}
