package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Error taxonomy for the annotation converter
 *
 * Run-level errors (archive, destination, serialization) abort a run.
 * Record-level errors (geometry, unknown class) are collected by the driver
 * and never escape its loop.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Run-level errors
	ErrorArchiveCorrupt      ErrorCode = "ARCHIVE_CORRUPT"
	ErrorDestinationNotEmpty ErrorCode = "DESTINATION_NOT_EMPTY"
	ErrorSerializationFailed ErrorCode = "SERIALIZATION_FAILED"
	ErrorUnsupportedFormat   ErrorCode = "UNSUPPORTED_FORMAT"
	ErrorRunCancelled        ErrorCode = "RUN_CANCELLED"
	ErrorProcessingTimeout   ErrorCode = "PROCESSING_TIMEOUT"

	// Record-level errors
	ErrorInvalidGeometry ErrorCode = "INVALID_GEOMETRY"
	ErrorUnknownClass    ErrorCode = "UNKNOWN_CLASS"

	// Infrastructure errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"
	ErrorAPICallFailed ErrorCode = "API_CALL_FAILED"
)

// ConversionError represents a structured conversion error
type ConversionError struct {
	Code      ErrorCode
	Message   string
	RunID     string
	Entry     string // archive entry or data id the error refers to
	Path      string // filesystem path the error refers to
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ConversionError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Entry != "" {
		msg += fmt.Sprintf(" [entry=%s]", e.Entry)
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" [path=%s]", e.Path)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Cause)
	}
	return msg
}

func (e *ConversionError) Unwrap() error {
	return e.Cause
}

// Is matches on error code so callers can write errors.Is(err, &ConversionError{Code: ...}).
func (e *ConversionError) Is(target error) bool {
	t, ok := target.(*ConversionError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Fatal reports whether the error aborts a run.
func (e *ConversionError) Fatal() bool {
	switch e.Code {
	case ErrorInvalidGeometry, ErrorUnknownClass:
		return false
	}
	return true
}

// CodeOf extracts the error code from anywhere in the chain, or "" if absent.
func CodeOf(err error) ErrorCode {
	var ce *ConversionError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// Factory functions for common errors

func NewArchiveCorruptError(entry string, cause error) *ConversionError {
	return &ConversionError{
		Code:      ErrorArchiveCorrupt,
		Message:   "archive entry is malformed or unreadable",
		Entry:     entry,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewDestinationNotEmptyError(path string, entries int) *ConversionError {
	return &ConversionError{
		Code:      ErrorDestinationNotEmpty,
		Message:   fmt.Sprintf("destination directory contains %d entries", entries),
		Path:      path,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"entries": entries,
		},
	}
}

func NewInvalidGeometryError(entry string, reason string) *ConversionError {
	return &ConversionError{
		Code:      ErrorInvalidGeometry,
		Message:   reason,
		Entry:     entry,
		Timestamp: time.Now(),
	}
}

func NewUnknownClassError(entry string, className string) *ConversionError {
	return &ConversionError{
		Code:      ErrorUnknownClass,
		Message:   fmt.Sprintf("class %q is not in the ontology", className),
		Entry:     entry,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"class_name": className,
		},
	}
}

func NewSerializationError(path string, cause error) *ConversionError {
	return &ConversionError{
		Code:      ErrorSerializationFailed,
		Message:   "failed to emit output document",
		Path:      path,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewUnsupportedFormatError(format string) *ConversionError {
	return &ConversionError{
		Code:      ErrorUnsupportedFormat,
		Message:   fmt.Sprintf("Unsupported format: %s", format),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"format": format,
		},
	}
}

func NewRunCancelledError(runID string, completed, total int, cause error) *ConversionError {
	return &ConversionError{
		Code:      ErrorRunCancelled,
		Message:   fmt.Sprintf("run cancelled after %d of %d data units", completed, total),
		RunID:     runID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"completed": completed,
			"total":     total,
		},
		Cause: cause,
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ConversionError {
	return &ConversionError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		RunID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *ConversionError {
	return &ConversionError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store conversion results",
		RunID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewAPICallFailedError(endpoint string, platformCode string, message string) *ConversionError {
	return &ConversionError{
		Code:      ErrorAPICallFailed,
		Message:   fmt.Sprintf("<%s> %s", platformCode, message),
		Path:      endpoint,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"platform_code": platformCode,
		},
	}
}

// ToMap converts error to map for database storage
func (e *ConversionError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}
	if e.Entry != "" {
		result["entry"] = e.Entry
	}
	if e.Path != "" {
		result["path"] = e.Path
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
