package errors

import (
	"fmt"
	"net/http"
	"time"
)

/**
 * Custom error types for the Comic Typesetter
 *
 * Every failure carries an ErrorCode so that pipeline logs, HTTP
 * responses and callers using errors.Is agree on what went wrong.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Pipeline errors
	ErrorPreprocessFailed  ErrorCode = "PREPROCESS_FAILED"
	ErrorOCRNotReady       ErrorCode = "OCR_NOT_READY"
	ErrorOCRFailed         ErrorCode = "OCR_FAILED"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrorImageTooLarge     ErrorCode = "IMAGE_TOO_LARGE"

	// Export errors
	ErrorNoSourceImage ErrorCode = "NO_SOURCE_IMAGE"
	ErrorExportFailed  ErrorCode = "EXPORT_FAILED"

	// Cache errors
	ErrorCacheFailed ErrorCode = "CACHE_FAILED"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	UploadID  string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

// Sentinels for errors.Is; matching is by code only.
var (
	ErrOCRNotReady       = &ProcessingError{Code: ErrorOCRNotReady, Message: "OCR engine is not ready"}
	ErrNoSourceImage     = &ProcessingError{Code: ErrorNoSourceImage, Message: "no source image loaded"}
	ErrUnsupportedFormat = &ProcessingError{Code: ErrorUnsupportedFormat, Message: "unsupported image format"}
	ErrImageTooLarge     = &ProcessingError{Code: ErrorImageTooLarge, Message: "image too large"}
)

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Is matches any ProcessingError with the same code
func (e *ProcessingError) Is(target error) bool {
	t, ok := target.(*ProcessingError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// HTTPStatus maps the error code to a response status
func (e *ProcessingError) HTTPStatus() int {
	switch e.Code {
	case ErrorOCRNotReady:
		return http.StatusServiceUnavailable
	case ErrorUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case ErrorImageTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrorNoSourceImage:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Factory functions for common errors

func NewPreprocessFailedError(uploadID string, stage string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorPreprocessFailed,
		Message:   fmt.Sprintf("Preprocessing failed at stage: %s", stage),
		UploadID:  uploadID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"stage": stage,
		},
		Cause: cause,
	}
}

func NewOCRNotReadyError(uploadID string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorOCRNotReady,
		Message:   "OCR engine is not ready",
		UploadID:  uploadID,
		Timestamp: time.Now(),
	}
}

func NewOCRFailedError(uploadID string, language string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorOCRFailed,
		Message:   fmt.Sprintf("OCR failed for language: %s", language),
		UploadID:  uploadID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"language": language,
		},
		Cause: cause,
	}
}

func NewUnsupportedFormatError(uploadID string, mimeType string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorUnsupportedFormat,
		Message:   fmt.Sprintf("Unsupported image format: %s", mimeType),
		UploadID:  uploadID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"mime_type": mimeType,
		},
		Cause: cause,
	}
}

func NewImageTooLargeError(uploadID string, maxPixels int64, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorImageTooLarge,
		Message:   fmt.Sprintf("Image exceeds the %d pixel limit", maxPixels),
		UploadID:  uploadID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"max_pixels": maxPixels,
		},
		Cause: cause,
	}
}

func NewNoSourceImageError() *ProcessingError {
	return &ProcessingError{
		Code:      ErrorNoSourceImage,
		Message:   "No source image loaded",
		Timestamp: time.Now(),
	}
}

func NewExportFailedError(cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorExportFailed,
		Message:   "Failed to rasterize export",
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewCacheFailedError(op string, key string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorCacheFailed,
		Message:   fmt.Sprintf("Recognition cache %s failed", op),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"key": key,
		},
		Cause: cause,
	}
}

// ToMap converts error to map for JSON responses and logs
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
	}

	if !e.Timestamp.IsZero() {
		result["timestamp"] = e.Timestamp
	}

	if e.UploadID != "" {
		result["upload_id"] = e.UploadID
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
