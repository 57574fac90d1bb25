// Package errors defines the error taxonomy shared by the worktime client
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// NetworkError indicates the server could not be reached or did not answer in time
	NetworkError ErrorType = "network"
	// BusinessError indicates the server understood the request and refused it
	BusinessError ErrorType = "business"
	// AuthError indicates authentication/authorization issues
	AuthError ErrorType = "auth"
	// ValidationError indicates input or payload validation issues
	ValidationError ErrorType = "validation"
	// StorageError indicates local persistence issues
	StorageError ErrorType = "storage"
	// ConfigError indicates configuration issues
	ConfigError ErrorType = "config"
	// SyncError indicates synchronization issues
	SyncError ErrorType = "sync"
)

// WorktimeError is the base error type for all worktime errors
type WorktimeError struct {
	Type      ErrorType
	Message   string
	Err       error
	Retryable bool
	// Ambiguous is set when the request may have been committed by the
	// server even though no definitive answer reached the client.
	Ambiguous  bool
	StatusCode int
	Context    map[string]interface{}
}

// Error implements the error interface
func (e *WorktimeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *WorktimeError) Unwrap() error {
	return e.Err
}

// IsRetryable returns whether the error is retryable
func (e *WorktimeError) IsRetryable() bool {
	return e.Retryable
}

// WithContext adds context to the error
func (e *WorktimeError) WithContext(key string, value interface{}) *WorktimeError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithStatus records the HTTP status code that produced the error
func (e *WorktimeError) WithStatus(code int) *WorktimeError {
	e.StatusCode = code
	return e
}

// New creates a new WorktimeError
func New(errType ErrorType, message string, err error) *WorktimeError {
	return &WorktimeError{
		Type:      errType,
		Message:   message,
		Err:       err,
		Retryable: false,
	}
}

// NewRetryable creates a new retryable WorktimeError
func NewRetryable(errType ErrorType, message string, err error) *WorktimeError {
	return &WorktimeError{
		Type:      errType,
		Message:   message,
		Err:       err,
		Retryable: true,
	}
}

// As extracts a *WorktimeError from an error chain
func As(err error) (*WorktimeError, bool) {
	var we *WorktimeError
	if stderrors.As(err, &we) {
		return we, true
	}
	return nil, false
}

func isType(err error, t ErrorType) bool {
	if we, ok := As(err); ok {
		return we.Type == t
	}
	return false
}

// IsNetworkError checks if the error is a network error
func IsNetworkError(err error) bool {
	return isType(err, NetworkError)
}

// IsAmbiguous reports whether a network error leaves the server-side outcome unknown
func IsAmbiguous(err error) bool {
	if we, ok := As(err); ok {
		return we.Type == NetworkError && we.Ambiguous
	}
	return false
}

// IsBusinessError checks if the error is a business rejection
func IsBusinessError(err error) bool {
	return isType(err, BusinessError)
}

// IsAuthError checks if the error is an authentication error
func IsAuthError(err error) bool {
	return isType(err, AuthError)
}

// IsValidationError checks if the error is a validation error
func IsValidationError(err error) bool {
	return isType(err, ValidationError)
}

// IsStorageError checks if the error is a local storage error
func IsStorageError(err error) bool {
	return isType(err, StorageError)
}

// IsConfigError checks if the error is a configuration error
func IsConfigError(err error) bool {
	return isType(err, ConfigError)
}

// IsSyncError checks if the error is a sync error
func IsSyncError(err error) bool {
	return isType(err, SyncError)
}

// IsNotFoundError checks if the error indicates a resource was not found
func IsNotFoundError(err error) bool {
	if we, ok := As(err); ok {
		return we.StatusCode == 404
	}
	return false
}

// Constructor functions for each error type

// NewNetworkError creates a new network error whose outcome is known to be "not applied"
func NewNetworkError(message string, err error) *WorktimeError {
	return NewRetryable(NetworkError, message, err)
}

// NewAmbiguousNetworkError creates a network error where the server may have applied the request
func NewAmbiguousNetworkError(message string, err error) *WorktimeError {
	e := NewRetryable(NetworkError, message, err)
	e.Ambiguous = true
	return e
}

// NewBusinessError creates a new business rejection error
func NewBusinessError(message string, err error) *WorktimeError {
	return New(BusinessError, message, err)
}

// NewAuthError creates a new authentication error
func NewAuthError(message string, err error) *WorktimeError {
	return New(AuthError, message, err)
}

// NewValidationError creates a new validation error
func NewValidationError(message string, err error) *WorktimeError {
	return New(ValidationError, message, err)
}

// NewStorageError creates a new local storage error
func NewStorageError(message string, err error) *WorktimeError {
	return New(StorageError, message, err)
}

// NewConfigError creates a new configuration error
func NewConfigError(message string, err error) *WorktimeError {
	return New(ConfigError, message, err)
}

// NewSyncError creates a new sync error
func NewSyncError(message string, err error) *WorktimeError {
	return New(SyncError, message, err)
}
