package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrCode represents an error code
type ErrCode string

const (
	ErrCodeNotFound             ErrCode = "NOT_FOUND"
	ErrCodeRateLimited          ErrCode = "RATE_LIMITED"
	ErrCodeTransientFetch       ErrCode = "TRANSIENT_FETCH"
	ErrCodeCredentialsExhausted ErrCode = "CREDENTIALS_EXHAUSTED"
	ErrCodeStorageCommit        ErrCode = "STORAGE_COMMIT"
	ErrCodeExtraction           ErrCode = "EXTRACTION"
	ErrCodeInvalidConfig        ErrCode = "INVALID_CONFIG"
	ErrCodeInternal             ErrCode = "INTERNAL_ERROR"
	ErrCodeBadRequest           ErrCode = "BAD_REQUEST"
)

// AppError represents an application error
type AppError struct {
	Code    ErrCode
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// NewRateLimitedError creates a new rate limited error
func NewRateLimitedError(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeRateLimited,
		Message: message,
		Err:     err,
	}
}

// NewTransientFetchError creates an error for a call that kept failing after retries
func NewTransientFetchError(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeTransientFetch,
		Message: message,
		Err:     err,
	}
}

// NewCredentialsExhaustedError creates an error for a pool with no reset in sight
func NewCredentialsExhaustedError(message string) *AppError {
	return &AppError{
		Code:    ErrCodeCredentialsExhausted,
		Message: message,
	}
}

// NewStorageCommitError creates an error for a failed batch commit
func NewStorageCommitError(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeStorageCommit,
		Message: message,
		Err:     err,
	}
}

// NewExtractionError creates an error for source that could not be extracted
func NewExtractionError(path string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeExtraction,
		Message: fmt.Sprintf("extraction failed for %s", path),
		Err:     err,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeInternal,
		Message: message,
		Err:     err,
	}
}

// NewBadRequestError creates a new bad request error
func NewBadRequestError(message string) *AppError {
	return &AppError{
		Code:    ErrCodeBadRequest,
		Message: message,
	}
}

// CodeOf returns the code of the first AppError in the chain, or "" if there is none
func CodeOf(err error) ErrCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// IsRateLimited checks if the error is a rate limited error
func IsRateLimited(err error) bool {
	return CodeOf(err) == ErrCodeRateLimited
}

// IsTransient checks if the error is a transient fetch error
func IsTransient(err error) bool {
	return CodeOf(err) == ErrCodeTransientFetch
}

// IsCredentialsExhausted checks if every credential is out of quota
func IsCredentialsExhausted(err error) bool {
	return CodeOf(err) == ErrCodeCredentialsExhausted
}

// IsStorageCommit checks if the error is a storage commit error
func IsStorageCommit(err error) bool {
	return CodeOf(err) == ErrCodeStorageCommit
}
