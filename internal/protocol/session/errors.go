package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/tonic-hello-tls/internal/protocol/frame"
)

// ErrorCode is the numeric error carried in an error-status response.
type ErrorCode uint32

const (
	CodeBadFrame          ErrorCode = 1000
	CodeMalformedEnvelope ErrorCode = 1001
	CodeUnknownMethod     ErrorCode = 1002
	CodeInvalidArgument   ErrorCode = 1003
	CodeInternal          ErrorCode = 1004
	CodeUnavailable       ErrorCode = 1005
)

func (c ErrorCode) String() string {
	switch c {
	case CodeBadFrame:
		return "bad_frame"
	case CodeMalformedEnvelope:
		return "malformed_envelope"
	case CodeUnknownMethod:
		return "unknown_method"
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodeInternal:
		return "internal"
	case CodeUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("code_%d", uint32(c))
	}
}

// DecodeError reports a request that could not be turned into a Request.
// It is always answered with an error-status response.
type DecodeError struct {
	Code      ErrorCode
	MessageID uint64
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("session: decode %s: %v", e.Code, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsFrameError reports whether err leaves the byte stream unsynchronised.
func IsFrameError(err error) bool {
	switch {
	case errors.Is(err, frame.ErrShortHeader),
		errors.Is(err, frame.ErrShortPayload),
		errors.Is(err, frame.ErrBadMagic),
		errors.Is(err, frame.ErrUnsupportedVersion),
		errors.Is(err, frame.ErrHeaderLenMismatch),
		errors.Is(err, frame.ErrPayloadTooLarge):
		return true
	default:
		return false
	}
}
