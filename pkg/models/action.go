// Package models defines the domain action and response envelopes moved over
// Redis Streams, together with their wire codec and identity generators.
package models

import (
	"fmt"
	"regexp"
	"time"
)

// ActionMode identifies which of the three interaction modes an envelope uses
type ActionMode int

const (
	// ModeFireAndForget emits with no reply expected
	ModeFireAndForget ActionMode = iota
	// ModePseudoSync expects a direct response on a single-use list
	ModePseudoSync
	// ModeAsyncCallback expects a later callback action on the caller's
	// callbacks stream
	ModeAsyncCallback
)

// String returns a human-readable mode name
func (m ActionMode) String() string {
	switch m {
	case ModePseudoSync:
		return "pseudo_sync"
	case ModeAsyncCallback:
		return "async_callback"
	default:
		return "fire_and_forget"
	}
}

// actionTypePattern enforces the domain.verb[.qualifier] form
var actionTypePattern = regexp.MustCompile(`^[a-z0-9_]+\.[a-z0-9_]+(\.[a-z0-9_]+)?$`)

// DomainAction is the envelope for one unit of work
type DomainAction struct {
	ActionID      string `json:"action_id"`
	ActionType    string `json:"action_type"`
	OriginService string `json:"origin_service"`
	TargetService string `json:"target_service"`

	TenantID  string `json:"tenant_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`

	TraceID       string `json:"trace_id"`
	CorrelationID string `json:"correlation_id,omitempty"`

	Data     map[string]interface{} `json:"data,omitempty"`
	Metadata map[string]string      `json:"metadata,omitempty"`

	CallbackQueueName  string `json:"callback_queue_name,omitempty"`
	CallbackActionType string `json:"callback_action_type,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Mode derives the interaction mode from the callback fields
func (a *DomainAction) Mode() ActionMode {
	switch {
	case a.CallbackQueueName == "":
		return ModeFireAndForget
	case a.CallbackActionType == "":
		return ModePseudoSync
	default:
		return ModeAsyncCallback
	}
}

// Validate checks the envelope invariants. It does not inspect the payload;
// payload schemas belong to handlers.
func (a *DomainAction) Validate() error {
	if a.ActionID == "" {
		return fmt.Errorf("action_id is required")
	}
	if !actionTypePattern.MatchString(a.ActionType) {
		return fmt.Errorf("action_type %q does not match domain.verb[.qualifier]", a.ActionType)
	}
	if a.OriginService == "" {
		return fmt.Errorf("origin_service is required")
	}
	if a.TargetService == "" {
		return fmt.Errorf("target_service is required")
	}
	if a.TraceID == "" {
		return fmt.Errorf("trace_id is required")
	}
	if a.CallbackActionType != "" {
		if a.CallbackQueueName == "" {
			return fmt.Errorf("callback_action_type set without callback_queue_name")
		}
		if !actionTypePattern.MatchString(a.CallbackActionType) {
			return fmt.Errorf("callback_action_type %q does not match domain.verb[.qualifier]", a.CallbackActionType)
		}
	}
	if a.Mode() != ModeFireAndForget && a.CorrelationID == "" {
		return fmt.Errorf("correlation_id is required for %s mode", a.Mode())
	}
	if a.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// ErrorDetail is the structured error carried in a failed response or
// callback; this is the only error shape edge services ever see.
type ErrorDetail struct {
	Type    string                 `json:"type"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// DomainActionResponse is the direct reply to a pseudo-sync action
type DomainActionResponse struct {
	CorrelationID        string                 `json:"correlation_id"`
	TraceID              string                 `json:"trace_id"`
	ActionTypeResponseTo string                 `json:"action_type_response_to"`
	Success              bool                   `json:"success"`
	Data                 map[string]interface{} `json:"data,omitempty"`
	Error                *ErrorDetail           `json:"error,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
}

// Validate checks that exactly one of data/error is present and that the
// success flag is consistent with which one it is.
func (r *DomainActionResponse) Validate() error {
	if r.CorrelationID == "" {
		return fmt.Errorf("correlation_id is required")
	}
	if r.TraceID == "" {
		return fmt.Errorf("trace_id is required")
	}
	if r.ActionTypeResponseTo == "" {
		return fmt.Errorf("action_type_response_to is required")
	}
	if r.Success && r.Error != nil {
		return fmt.Errorf("success response must not carry an error")
	}
	if !r.Success && r.Error == nil {
		return fmt.Errorf("failed response must carry an error")
	}
	if !r.Success && r.Data != nil {
		return fmt.Errorf("failed response must not carry data")
	}
	return nil
}

// NewSuccessResponse builds the reply to a request that succeeded
func NewSuccessResponse(req *DomainAction, data map[string]interface{}) *DomainActionResponse {
	return &DomainActionResponse{
		CorrelationID:        req.CorrelationID,
		TraceID:              req.TraceID,
		ActionTypeResponseTo: req.ActionType,
		Success:              true,
		Data:                 data,
		CreatedAt:            time.Now().UTC(),
	}
}

// NewErrorResponse builds the reply to a request that failed terminally
func NewErrorResponse(req *DomainAction, detail *ErrorDetail) *DomainActionResponse {
	return &DomainActionResponse{
		CorrelationID:        req.CorrelationID,
		TraceID:              req.TraceID,
		ActionTypeResponseTo: req.ActionType,
		Success:              false,
		Error:                detail,
		CreatedAt:            time.Now().UTC(),
	}
}
