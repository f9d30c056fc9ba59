package chatsync

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by every command emitted while the transport is
// down. Callers use it to keep the user's draft.
var ErrNotConnected = errors.New("chatsync: not connected")

// ErrUnknownTempID is returned when an optimistic entry no longer exists.
var ErrUnknownTempID = errors.New("chatsync: unknown optimistic entry")

// TransportError wraps connection-level failures. They are retried by the
// ConnectionManager and never fatal.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// SendFailure reports a rejected durable write. Draft holds the text the UI
// should restore into the input field.
type SendFailure struct {
	TempID         string
	ConversationID string
	Draft          string
	Err            error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("send %s in %s failed: %v", e.TempID, e.ConversationID, e.Err)
}

func (e *SendFailure) Unwrap() error { return e.Err }

// IsTransient reports whether the failure came from the transport rather
// than a server rejection.
func (e *SendFailure) IsTransient() bool {
	var te *TransportError
	return errors.As(e.Err, &te) || errors.Is(e.Err, ErrNotConnected)
}

// APIError is a non-2xx REST response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// AnomalyKind names a reconciliation anomaly.
type AnomalyKind string

const (
	AnomalyDuplicateID     AnomalyKind = "duplicate_id"
	AnomalyUnknownMessage  AnomalyKind = "unknown_message"
	AnomalyLateConfirm     AnomalyKind = "late_confirm"
	AnomalyConversationMix AnomalyKind = "conversation_mismatch"
)

// ReconciliationAnomaly describes an inconsistency the Reconciler absorbed.
// It is logged and counted, never returned to UI code.
type ReconciliationAnomaly struct {
	Kind           AnomalyKind
	ConversationID string
	MessageID      string
}

func (a ReconciliationAnomaly) String() string {
	return fmt.Sprintf("%s conv=%s msg=%s", a.Kind, a.ConversationID, a.MessageID)
}
