package engine

import (
	"errors"
	"fmt"

	"goa.design/durable/store"
)

// Kind classifies engine failures. Kinds are stable wire values recorded in
// history payloads and execution error columns.
type Kind string

const (
	// KindNotRegistered indicates a workflow, activity or query name lookup
	// failed at step time.
	KindNotRegistered Kind = "NOT_REGISTERED"
	// KindSerialization indicates a payload is not JSON-round-trippable.
	KindSerialization Kind = "SERIALIZATION"
	// KindActivityFailed indicates an activity body returned an error past
	// its retry budget.
	KindActivityFailed Kind = "ACTIVITY_FAILED"
	// KindActivityTimedOut indicates a schedule-to-close or heartbeat
	// deadline elapsed past the retry budget.
	KindActivityTimedOut Kind = "ACTIVITY_TIMED_OUT"
	// KindWorkflowTimedOut indicates the execution-level deadline elapsed.
	KindWorkflowTimedOut Kind = "WORKFLOW_TIMED_OUT"
	// KindCanceled indicates a user-initiated cancellation.
	KindCanceled Kind = "CANCELED"
	// KindNondeterminism indicates replay detected an event mismatch.
	// Never retried: retrying would mask history corruption.
	KindNondeterminism Kind = "NONDETERMINISM"
	// KindInternal indicates an unhandled engine or user error.
	KindInternal Kind = "INTERNAL"
)

// Error is the structured failure carried through history payloads and
// surfaced to workflow bodies and API callers.
type Error struct {
	Kind    Kind
	Message string
	// Details carries optional structured context (activity name, change
	// id, ...). JSON-serializable by construction.
	Details map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds an Error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, defaulting to KindInternal for errors
// that did not originate from the engine taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Failure converts the error into the persisted store representation.
func (e *Error) Failure() store.Failure {
	return store.Failure{Kind: string(e.Kind), Message: e.Message}
}

// failureError rebuilds an Error from a history payload's "error" field.
// Unknown shapes degrade to KindInternal with a best-effort message.
func failureError(v any) *Error {
	m, ok := v.(map[string]any)
	if !ok {
		return Errorf(KindInternal, "%v", v)
	}
	e := &Error{Kind: KindInternal}
	if k, ok := m["kind"].(string); ok && k != "" {
		e.Kind = Kind(k)
	}
	if msg, ok := m["message"].(string); ok {
		e.Message = msg
	}
	if d, ok := m["details"].(map[string]any); ok {
		e.Details = d
	}
	return e
}

// errorPayload renders the error as the JSON object stored in history
// payloads under the "error" key.
func errorPayload(e *Error) map[string]any {
	p := map[string]any{"kind": string(e.Kind), "message": e.Message}
	if len(e.Details) > 0 {
		p["details"] = e.Details
	}
	return p
}
