package models

import (
	"encoding/json"
	"fmt"
)

// The wire encoding is JSON, fleetwide. Struct fields encode in declaration
// order and map keys encode sorted, so a logical value always produces the
// same bytes.

// EncodeAction serializes a validated envelope to wire bytes
func EncodeAction(a *DomainAction) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("invalid action: %w", err)
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode action: %w", err)
	}
	return data, nil
}

// DecodeAction parses wire bytes into an envelope, validating shape. A
// decode failure is a poison-message condition for the caller.
func DecodeAction(data []byte) (*DomainAction, error) {
	var a DomainAction
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode action: %w", err)
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("decoded action is invalid: %w", err)
	}
	return &a, nil
}

// EncodeResponse serializes a validated response
func EncodeResponse(r *DomainActionResponse) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return data, nil
}

// DecodeResponse parses wire bytes into a response, validating shape
func DecodeResponse(data []byte) (*DomainActionResponse, error) {
	var r DomainActionResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("decoded response is invalid: %w", err)
	}
	return &r, nil
}
