package common

import "errors"

func (e *StreamError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// StreamError represents stream-related errors
type StreamError struct {
	Type    StreamType `json:"type"`
	URL     string     `json:"url"`
	Code    string     `json:"code"`
	Message string     `json:"message"`
	Cause   error      `json:"-"`
}

func (e *StreamError) Unwrap() error {
	return e.Cause
}

// Common error codes
const (
	ErrCodeConnection       = "CONNECTION_FAILED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeInvalidFormat    = "INVALID_FORMAT"
	ErrCodeParse            = "PARSE_FAILED"
	ErrCodeContent          = "CONTENT_ERROR"
	ErrCodeFragmentDownload = "FRAGMENT_DOWNLOAD_FAILURE"
	ErrCodeABRExhausted     = "ABR_EXHAUSTED"
	ErrCodeDecrypt          = "DECRYPT_FAILED"
	ErrCodeKeyTimeout       = "KEY_ACQUISITION_TIMEOUT"
	ErrCodeTracksSync       = "TRACKS_SYNC_FAILED"
	ErrCodeUnsupported      = "UNSUPPORTED_STREAM"
)

// NewStreamError creates a new stream error
func NewStreamError(streamType StreamType, url, code, message string, cause error) *StreamError {
	return &StreamError{
		Type:    streamType,
		URL:     url,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsErrorCode reports whether err or anything it wraps is a StreamError
// carrying the given code.
func IsErrorCode(err error, code string) bool {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
