package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotFound         = errors.New("task not found")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

// Invalid returns a ValidationError for field.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// SubscriptionError ends a live task subscription.
type SubscriptionError struct {
	Err error
}

func (e *SubscriptionError) Error() string {
	if e.Err == nil {
		return "failed to load tasks"
	}
	return "failed to load tasks: " + e.Err.Error()
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// Mutation operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpToggle = "toggle"
	OpDelete = "delete"
)

var mutationMessages = map[string]string{
	OpCreate: "Failed to add task",
	OpUpdate: "Failed to update task",
	OpToggle: "Failed to update task status",
	OpDelete: "Failed to delete task",
}

// MutationError reports a store rejection of a command.
type MutationError struct {
	Op  string
	Err error
}

// Message is the fixed user-facing text for the failed operation.
func (e *MutationError) Message() string {
	if msg, ok := mutationMessages[e.Op]; ok {
		return msg
	}
	return "Operation failed"
}

func (e *MutationError) Error() string {
	if e.Err == nil {
		return e.Message()
	}
	return e.Message() + ": " + e.Err.Error()
}

func (e *MutationError) Unwrap() error { return e.Err }

// AuthErrorCode classifies authentication failures.
type AuthErrorCode string

const (
	AuthInvalidCredentials AuthErrorCode = "invalid-credentials"
	AuthEmailInUse         AuthErrorCode = "email-already-in-use"
	AuthWeakPassword       AuthErrorCode = "weak-password"
	AuthInvalidEmail       AuthErrorCode = "invalid-email"
	AuthUnknown            AuthErrorCode = "unknown"
)

var authMessages = map[AuthErrorCode]string{
	AuthInvalidCredentials: "Invalid email or password",
	AuthEmailInUse:         "This email address is already in use",
	AuthWeakPassword:       "Password must be at least 6 characters",
	AuthInvalidEmail:       "Invalid email address",
}

// AuthCodeFromProvider maps identity provider error codes onto AuthErrorCode.
func AuthCodeFromProvider(code string) AuthErrorCode {
	switch code {
	case "auth/user-not-found", "auth/wrong-password", "auth/invalid-credential",
		"user-not-found", "wrong-password", "invalid_grant", "invalid_token":
		return AuthInvalidCredentials
	case "auth/email-already-in-use", "email-already-in-use":
		return AuthEmailInUse
	case "auth/weak-password", "weak-password", "invalid_password":
		return AuthWeakPassword
	case "auth/invalid-email", "invalid-email":
		return AuthInvalidEmail
	default:
		return AuthUnknown
	}
}

// AuthError is an authentication failure with a fixed user-facing message.
type AuthError struct {
	Code AuthErrorCode
	Err  error
}

// Message is the text shown to the user.
func (e *AuthError) Message() string {
	if msg, ok := authMessages[e.Code]; ok {
		return msg
	}
	if e.Err != nil {
		return "Authentication failed: " + e.Err.Error()
	}
	return "Authentication failed"
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Err.Error()
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == ErrNotAuthenticated }
