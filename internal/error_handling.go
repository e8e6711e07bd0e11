package internal

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
)

var (
	ErrPacketTooShort       = errors.New("packet too short")
	ErrUnknownPacketType    = errors.New("unknown packet type")
	ErrUnexpectedPacketType = errors.New("unexpected packet type")
	ErrPayloadTooLarge      = errors.New("payload exceeds packet payload size")
	ErrReconstructFailed    = errors.New("fec reconstruction failed")
	ErrSessionStopped       = errors.New("session stopped")
	ErrSessionRunning       = errors.New("session already running")
	ErrNotConnected         = errors.New("not connected")
	ErrUnknownFrameStage    = errors.New("unknown frame stage")
)

// LinkError is a custom error type that includes contextual information
type LinkError struct {
	Err       error  // The underlying error
	Code      string // Error code for categorization
	Component string // The component where the error occurred
	Op        string // The operation being performed
	File      string // The file where the error occurred
	Line      int    // The line where the error occurred
	Context   string // Additional contextual information
}

// Error returns the error message
func (e *LinkError) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] %s in %s: ", e.Code, e.Op, e.Component))

	if e.Err != nil {
		sb.WriteString(e.Err.Error())
	} else {
		sb.WriteString("unknown error")
	}

	if e.Context != "" {
		sb.WriteString(fmt.Sprintf(" (%s)", e.Context))
	}

	if e.File != "" && e.Line > 0 {
		sb.WriteString(fmt.Sprintf(" at %s:%d", e.File, e.Line))
	}

	return sb.String()
}

// Unwrap returns the underlying error
func (e *LinkError) Unwrap() error {
	return e.Err
}

// Is matches another LinkError by code, anything else through the wrapped chain.
func (e *LinkError) Is(target error) bool {
	var linkErr *LinkError
	if errors.As(target, &linkErr) {
		return e.Code == linkErr.Code
	}
	return false
}

// ErrorCode constants for categorization
const (
	// Infrastructure errors
	ErrCodeNetwork       = "NETWORK_ERROR"
	ErrCodeIO            = "IO_ERROR"
	ErrCodeConfiguration = "CONFIG_ERROR"
	ErrCodeDatabase      = "DB_ERROR"
	ErrCodeCache         = "CACHE_ERROR"

	// Stream errors
	ErrCodeProtocol = "PROTOCOL_ERROR"
	ErrCodeFEC      = "FEC_ERROR"
	ErrCodeRTP      = "RTP_ERROR"
	ErrCodeSRTP     = "SRTP_ERROR"
	ErrCodeWebRTC   = "WEBRTC_ERROR"

	// Internal errors
	ErrCodeInternal = "INTERNAL_ERROR"
	ErrCodeTimeout  = "TIMEOUT"
)

var errorObserver atomic.Pointer[func(code string)]

// SetErrorObserver installs a hook called with the code of every error
// created through NewError.
func SetErrorObserver(fn func(code string)) {
	if fn == nil {
		errorObserver.Store(nil)
		return
	}
	errorObserver.Store(&fn)
}

// NewError creates a new error with contextual information
func NewError(err error, code string, component string, op string) *LinkError {
	_, file, line, _ := runtime.Caller(1)

	// Extract just the filename from the full path
	fileParts := strings.Split(file, "/")
	shortFile := fileParts[len(fileParts)-1]

	if observe := errorObserver.Load(); observe != nil {
		(*observe)(code)
	}

	return &LinkError{
		Err:       err,
		Code:      code,
		Component: component,
		Op:        op,
		File:      shortFile,
		Line:      line,
	}
}

// WithContext adds contextual information to the error
func (e *LinkError) WithContext(ctx string) *LinkError {
	e.Context = ctx
	return e
}

// IsNetworkError checks if an error is a network error
func IsNetworkError(err error) bool {
	var linkErr *LinkError
	if errors.As(err, &linkErr) {
		return linkErr.Code == ErrCodeNetwork
	}
	return false
}

// IsProtocolError reports malformed or unexpected datagrams.
func IsProtocolError(err error) bool {
	var linkErr *LinkError
	if errors.As(err, &linkErr) && linkErr.Code == ErrCodeProtocol {
		return true
	}
	return errors.Is(err, ErrPacketTooShort) ||
		errors.Is(err, ErrUnknownPacketType) ||
		errors.Is(err, ErrUnexpectedPacketType) ||
		errors.Is(err, ErrPayloadTooLarge)
}

// IsTemporary indicates if an error is likely temporary and retryable
func IsTemporary(err error) bool {
	var linkErr *LinkError
	if errors.As(err, &linkErr) {
		return linkErr.Code == ErrCodeNetwork ||
			linkErr.Code == ErrCodeTimeout ||
			strings.Contains(linkErr.Error(), "temporary")
	}
	return false
}
