package models

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes for structured error handling.
const (
	ErrCodeAuth        = "AUTH_ERROR"
	ErrCodeNotFound    = "RECORD_NOT_FOUND"
	ErrCodeDecryption  = "DECRYPTION_ERROR"
	ErrCodeValidation  = "VALIDATION_ERROR"
	ErrCodeNetwork     = "NETWORK_ERROR"
	ErrCodeStorage     = "STORAGE_ERROR"
	ErrCodeState       = "STATE_ERROR"
	ErrCodeRateLimit   = "RATE_LIMIT"
	ErrCodeServerError = "SERVER_ERROR"
)

// Sentinel errors
var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrNetwork                = errors.New("network error")
	ErrAuthenticatorCancelled = errors.New("authenticator cancelled")
	ErrNoCredential           = errors.New("no passkey credential found")
	ErrRecoveryUnavailable    = errors.New("no credential could unwrap the key bundle")
	ErrRecordNotFound         = errors.New("record not found")
	ErrSyncInProgress         = errors.New("sync already in progress")
	ErrInvalidRecord          = errors.New("invalid record")
)

// APIError represents an error from the API.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
	RequestID  string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Is lets errors.Is match API errors against the sentinels they map to.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAuthenticationRequired:
		return e.StatusCode == http.StatusUnauthorized
	case ErrRecordNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// SyncError provides detailed sync failure information.
type SyncError struct {
	Code     string
	Phase    string
	Scope    string
	RecordID string
	Err      error
}

func (e *SyncError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("sync %s [%s]: scope %s: %s: %v", e.Phase, e.Code, e.Scope, e.RecordID, e.Err)
	}
	return fmt.Sprintf("sync %s [%s]: scope %s: %v", e.Phase, e.Code, e.Scope, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// DecryptError represents a decryption failure.
type DecryptError struct {
	RecordID string
	Reason   string
	Err      error
}

func (e *DecryptError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("decrypt %s: %s: %v", e.RecordID, e.Reason, e.Err)
	}
	return fmt.Sprintf("decrypt: %s: %v", e.Reason, e.Err)
}

func (e *DecryptError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	if errors.Is(err, ErrNetwork) || errors.Is(err, ErrAuthenticationRequired) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return false
}

// ErrorCode classifies err into one of the ErrCode values.
func ErrorCode(err error) string {
	var decErr *DecryptError
	var apiErr *APIError
	switch {
	case errors.Is(err, ErrAuthenticationRequired):
		return ErrCodeAuth
	case errors.Is(err, ErrRecordNotFound):
		return ErrCodeNotFound
	case errors.As(err, &decErr):
		return ErrCodeDecryption
	case errors.Is(err, ErrInvalidRecord):
		return ErrCodeValidation
	case errors.Is(err, ErrNetwork):
		return ErrCodeNetwork
	case errors.As(err, &apiErr):
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return ErrCodeRateLimit
		}
		return ErrCodeServerError
	default:
		return ErrCodeStorage
	}
}
