package service

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"github.com/noah-isme/crm-realtime-api/internal/realtime"
)

// ErrorKind classifies failures for transport mapping.
type ErrorKind string

const (
	KindAuthentication ErrorKind = "authentication_failure"
	KindAuthorization  ErrorKind = "authorization_failure"
	KindValidation     ErrorKind = "validation_failure"
	KindNotFound       ErrorKind = "not_found"
	KindConflict       ErrorKind = "conflict"
	KindTransient      ErrorKind = "transient_store_failure"
)

// Error is a classified service failure. Permission names the permission a denied caller lacks.
type Error struct {
	Kind       ErrorKind
	Message    string
	Permission string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

var (
	// ErrNotParticipant is returned when the actor is not a member of the conversation or group.
	ErrNotParticipant = &Error{Kind: KindAuthorization, Message: "not a participant of this conversation"}
	// ErrInactiveUser is returned for unknown or deactivated accounts.
	ErrInactiveUser = &Error{Kind: KindAuthentication, Message: "user is unknown or inactive"}
)

func unauthenticated(message string) *Error {
	return &Error{Kind: KindAuthentication, Message: message}
}

func forbidden(message, permission string) *Error {
	return &Error{Kind: KindAuthorization, Message: message, Permission: permission}
}

func invalid(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

func notFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

// storeError classifies a repository failure: missing rows become NotFound, anything else is transient.
func storeError(err error, what string) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Error{Kind: KindNotFound, Message: what + " not found", Err: err}
	}
	return &Error{Kind: KindTransient, Message: "failed to access " + what, Err: err}
}

// KindOf classifies any error returned by the service layer.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		return KindValidation
	}

	var contractErr *realtime.ContractError
	if errors.As(err, &contractErr) {
		return KindValidation
	}

	if errors.Is(err, realtime.ErrInvalidRoom) {
		return KindValidation
	}

	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, realtime.ErrNotConnected) {
		return KindNotFound
	}

	return KindTransient
}

// PermissionOf returns the permission a denied caller lacks, if any.
func PermissionOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Permission
	}
	return ""
}

// PublicMessage returns a message safe to show to clients; unclassified failures hide their cause.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) && classified.Message != "" {
		return classified.Message
	}
	if KindOf(err) == KindTransient {
		return "internal error"
	}
	return err.Error()
}
