package common

import (
	"errors"
	"fmt"
)

// Error codes for overlay operations
const (
	// Graph errors
	ErrCodeCapacityExceeded = "CAPACITY_EXCEEDED"

	// Handshake errors
	ErrCodeSignalingFailed = "SIGNALING_FAILED"
	ErrCodeOfferRejected   = "OFFER_REJECTED"
	ErrCodeTimeout         = "TIMEOUT"

	// Delivery errors
	ErrCodeDeliveryFailed = "DELIVERY_FAILED"
	ErrCodeCircuitOpen    = "CIRCUIT_OPEN"

	// Gossip errors
	ErrCodeStaleUpdate    = "STALE_UPDATE"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeInvalidMessage = "INVALID_MESSAGE"

	// Lifecycle errors
	ErrCodeDisposed     = "DISPOSED"
	ErrCodeDisconnected = "DISCONNECTED"
)

// MeshError is an error type with a machine readable code and context
type MeshError struct {
	Code    string                 // Error code for programmatic handling
	Message string                 // Human-readable message
	Context map[string]interface{} // Additional context
	Cause   error                  // Underlying error
}

// Error implements the error interface
func (e *MeshError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *MeshError) Unwrap() error {
	return e.Cause
}

// Is matches another MeshError by code, so sentinels compare with errors.Is.
func (e *MeshError) Is(target error) bool {
	t, ok := target.(*MeshError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// IsMeshError reports whether err wraps a MeshError with the given code.
func IsMeshError(err error, code string) bool {
	var me *MeshError
	if !errors.As(err, &me) {
		return false
	}
	return me.Code == code
}

// WithContext adds context to the error
func (e *MeshError) WithContext(key string, value interface{}) *MeshError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewMeshError creates a new mesh error
func NewMeshError(code, message string) *MeshError {
	return &MeshError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with mesh error context
func WrapError(code, message string, cause error) *MeshError {
	return &MeshError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Common error constructors

func ErrCapacityExceeded(capacity int) *MeshError {
	return NewMeshError(ErrCodeCapacityExceeded, "graph capacity exceeded").
		WithContext("capacity", capacity)
}

func ErrSignalingFailed(peer PeerID, stage string, cause error) *MeshError {
	return WrapError(ErrCodeSignalingFailed, "signaling failed", cause).
		WithContext("peer_id", peer).
		WithContext("stage", stage)
}

func ErrDeliveryFailed(peer PeerID) *MeshError {
	return NewMeshError(ErrCodeDeliveryFailed, "no open channel").
		WithContext("peer_id", peer)
}

func ErrTimeout(operation string, duration string) *MeshError {
	return NewMeshError(ErrCodeTimeout, "operation timed out").
		WithContext("operation", operation).
		WithContext("duration", duration)
}

func ErrInvalidMessage(kind string, cause error) *MeshError {
	return WrapError(ErrCodeInvalidMessage, "invalid message", cause).
		WithContext("kind", kind)
}

func ErrDisposed(component string) *MeshError {
	return NewMeshError(ErrCodeDisposed, "component disposed").
		WithContext("component", component)
}

func ErrOfferRejected(peer PeerID, reason string) *MeshError {
	return NewMeshError(ErrCodeOfferRejected, "offer rejected").
		WithContext("peer_id", peer).
		WithContext("reason", reason)
}

func ErrStaleUpdate(source PeerID, version, last uint64) *MeshError {
	return NewMeshError(ErrCodeStaleUpdate, "stale status").
		WithContext("source", source).
		WithContext("version", version).
		WithContext("last", last)
}

func ErrRateLimited(sender PeerID) *MeshError {
	return NewMeshError(ErrCodeRateLimited, "mesh update rate limited").
		WithContext("sender", sender)
}

func ErrDisconnected(cause error) *MeshError {
	return WrapError(ErrCodeDisconnected, "relay connection lost", cause)
}
