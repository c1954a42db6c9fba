package model

import (
	"time"
)

// Message is the record of one adviser turn and the draft produced for it.
type Message struct {
	ResponseID      string `json:"response_id"`
	MessageID       string `json:"message_id"`
	StatusMessageID string `json:"status_message_id,omitempty"`
	ThreadID        string `json:"thread_id"`
	ConversationID  string `json:"conversation_id"`
	UserEmail       string `json:"user_email"`
	Client          string `json:"client"`

	Text      string   `json:"text"`
	LLMPrompt string   `json:"llm_prompt,omitempty"`
	LLMAnswer *string  `json:"llm_answer,omitempty"`
	Route     string   `json:"route,omitempty"`
	Context   []string `json:"context,omitempty"`

	MessageReceivedTimestamp  time.Time  `json:"message_received_timestamp"`
	LLMPromptTimestamp        *time.Time `json:"llm_prompt_timestamp,omitempty"`
	LLMResponseTimestamp      *time.Time `json:"llm_response_timestamp,omitempty"`
	ApproverReceivedTimestamp *time.Time `json:"approver_received_timestamp,omitempty"`
	UserThankedTimestamp      *time.Time `json:"user_thanked_timestamp,omitempty"`
}

// OrderTime is the timestamp used to order chat history.
func (m *Message) OrderTime() time.Time {
	if m.LLMPromptTimestamp != nil {
		return *m.LLMPromptTimestamp
	}
	return m.MessageReceivedTimestamp
}

// SetAnswer records the generated answer with its prompt and response times.
func (m *Message) SetAnswer(prompt, answer string, promptAt, respondedAt time.Time) {
	if respondedAt.Before(promptAt) {
		respondedAt = promptAt
	}
	m.LLMPrompt = prompt
	m.LLMAnswer = &answer
	m.LLMPromptTimestamp = &promptAt
	m.LLMResponseTimestamp = &respondedAt
}

// SupervisionRequest links a draft to the cards posted for its review.
type SupervisionRequest struct {
	ResponseID          string    `json:"response_id"`
	ThreadID            string    `json:"thread_id"`
	UserEmail           string    `json:"user_email"`
	Client              string    `json:"client"`
	AdviserSpaceID      string    `json:"adviser_space_id"`
	AdviserMessageID    string    `json:"adviser_message_id"`
	SupervisorSpaceID   string    `json:"supervisor_space_id"`
	SupervisorThreadID  string    `json:"supervisor_thread_id,omitempty"`
	SupervisorMessageID string    `json:"supervisor_message_id,omitempty"`
	RequestMessageID    string    `json:"request_message_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// ApprovalEvent is the single decision recorded for a response.
type ApprovalEvent struct {
	ResponseID            string    `json:"response_id"`
	ThreadID              string    `json:"thread_id"`
	ApproverEmail         string    `json:"approver_email"`
	Approved              bool      `json:"approved"`
	ApprovalTimestamp     time.Time `json:"approval_timestamp"`
	UserResponseTimestamp time.Time `json:"user_response_timestamp"`
	SupervisorMessage     *string   `json:"supervisor_message,omitempty"`
}
