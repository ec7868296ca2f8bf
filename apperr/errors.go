// Package apperr defines the error taxonomy shared by the workflow engine.
// Every failure a caller can act on is one of these types; packages wrap
// them with their own prefixes but never invent parallel taxonomies.
package apperr

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Validation builds a ValidationError for the given field.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// AuthorizationError reports that the actor lacks the role or relationship
// required for the requested operation.
type AuthorizationError struct {
	ActorID string
	Action  string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization: actor %s may not %s", e.ActorID, e.Action)
}

// Authorization builds an AuthorizationError.
func Authorization(actorID, action string) error {
	return &AuthorizationError{ActorID: actorID, Action: action}
}

// StateConflictError reports an illegal transition from the entity's current
// state, including lost concurrency races. Current carries the state actually
// observed so the caller can resynchronize before retrying.
type StateConflictError struct {
	Entity    string
	ID        string
	Current   string
	Requested string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("state conflict: %s %s is %s, cannot %s", e.Entity, e.ID, e.Current, e.Requested)
}

// StateConflict builds a StateConflictError.
func StateConflict(entity, id, current, requested string) error {
	return &StateConflictError{Entity: entity, ID: id, Current: current, Requested: requested}
}

// GatewayError reports a failed payment-gateway call. The surrounding
// transition is rolled back, so the operation is safe to retry.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway: %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Gateway wraps err as a GatewayError for the named operation.
func Gateway(op string, err error) error {
	return &GatewayError{Op: op, Err: err}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsAuthorization reports whether err is (or wraps) an AuthorizationError.
func IsAuthorization(err error) bool {
	var target *AuthorizationError
	return errors.As(err, &target)
}

// IsStateConflict reports whether err is (or wraps) a StateConflictError.
func IsStateConflict(err error) bool {
	var target *StateConflictError
	return errors.As(err, &target)
}

// IsGateway reports whether err is (or wraps) a GatewayError.
func IsGateway(err error) bool {
	var target *GatewayError
	return errors.As(err, &target)
}
