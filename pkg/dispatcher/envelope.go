// Package dispatcher routes JSON requests arriving over NATS to the
// Communication Service.
package dispatcher

import "encoding/json"

// Request is the JSON envelope for incoming comms requests.
type Request struct {
	ID     string             `json:"id"`
	Type   string             `json:"type,omitempty"`
	Method string             `json:"method"`
	Params json.RawMessage    `json:"params"`
	Ctx    *InvocationContext `json:"ctx,omitempty"`
}

// Response is the JSON envelope for comms responses.
type Response struct {
	ID     string       `json:"id"`
	Ok     bool         `json:"ok"`
	Result interface{}  `json:"result,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	Retryable bool        `json:"retryable"`
}

// InvocationContext holds context from the caller.
type InvocationContext struct {
	TenantID      string   `json:"tenantId,omitempty"`
	UserID        string   `json:"userId,omitempty"`
	RequestID     string   `json:"requestId,omitempty"`
	CorrelationID string   `json:"correlationId,omitempty"`
	Permissions   []string `json:"permissions,omitempty"`
	// Token is passed to CallerResolver for verification; never trusted as is.
	Token         string   `json:"token,omitempty"`
	DeadlineMs    int      `json:"deadlineMs,omitempty"`
	TimeoutMs     int      `json:"timeoutMs,omitempty"`
}
