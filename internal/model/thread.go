// Package model defines the records and events of the supervised advice workflow.
package model

import (
	"encoding/json"
	"time"
)

// Arm is the evaluation arm a thread was assigned to.
type Arm string

const (
	ArmControl    Arm = "control"
	ArmTreatment  Arm = "treatment"
	ArmUnassigned Arm = "unassigned"
)

// Thread is one adviser call, spanning one or more messages.
type Thread struct {
	ThreadID       string `json:"thread_id"`
	ConversationID string `json:"conversation_id"`
	UserEmail      string `json:"user_email"`
	Client         string `json:"client"`

	ActiveCall    bool      `json:"active_call"`
	CallStartTime time.Time `json:"call_start_time"`
	CallComplete  bool      `json:"call_complete"`

	EvaluationArm Arm                        `json:"evaluation_arm"`
	ModuleOutputs map[string]json.RawMessage `json:"module_outputs,omitempty"`

	SurveyIssuedAt  *time.Time     `json:"survey_issued_at,omitempty"`
	SurveyComplete  bool           `json:"survey_complete"`
	SurveyResponses []SurveyAnswer `json:"survey_responses,omitempty"`
}

// SurveyAnswer is one answered survey question.
type SurveyAnswer struct {
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	AnsweredAt time.Time `json:"answered_at"`
}

// Answered reports whether the question already has an answer on the thread.
func (t *Thread) Answered(question string) bool {
	for _, a := range t.SurveyResponses {
		if a.Question == question {
			return true
		}
	}
	return false
}

// User is an enrolled adviser or supervisor.
type User struct {
	Email              string `json:"email" yaml:"email"`
	Name               string `json:"name,omitempty" yaml:"name"`
	SupervisionSpaceID string `json:"supervision_space_id,omitempty" yaml:"supervision_space_id"`
	IsApprover         bool   `json:"is_approver" yaml:"is_approver"`

	// ActiveCall is the authority on whether a new message joins the current call.
	ActiveCall     bool      `json:"active_call" yaml:"-"`
	ActiveThreadID string    `json:"active_thread_id,omitempty" yaml:"-"`
	CallStartTime  time.Time `json:"call_start_time,omitempty" yaml:"-"`
	CreatedAt      time.Time `json:"created_at" yaml:"-"`
}

// Office is the workspace configuration owning an email domain.
type Office struct {
	Domain             string           `json:"domain" yaml:"domain"`
	Name               string           `json:"name" yaml:"name"`
	Regions            []string         `json:"regions,omitempty" yaml:"regions"`
	Sources            []string         `json:"sources,omitempty" yaml:"sources"`
	SupervisionSpaceID string           `json:"supervision_space_id,omitempty" yaml:"supervision_space_id"`
	EvaluationEnrolled bool             `json:"evaluation_enrolled" yaml:"evaluation_enrolled"`
	Modules            []ModuleConfig   `json:"modules,omitempty" yaml:"before_message_processed"`
	Survey             []SurveyQuestion `json:"survey,omitempty" yaml:"survey"`
}

// ModuleConfig names an evaluation module and its arguments.
type ModuleConfig struct {
	Name      string         `json:"name" yaml:"module_name"`
	Arguments map[string]any `json:"arguments,omitempty" yaml:"module_arguments"`
}

// SurveyQuestion is a question asked at the end of a call.
type SurveyQuestion struct {
	Question string   `json:"question" yaml:"question"`
	Values   []string `json:"values" yaml:"values"`
}
