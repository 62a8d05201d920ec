package service

import (
	"errors"
	"fmt"
	"strings"
)

// CodedError is a domain failure with a stable machine-readable code.  The
// transport maps codes to status codes; the message is for humans.
type CodedError struct {
	Code    string
	Message string
}

func (e *CodedError) Error() string { return e.Message }

// Is matches any CodedError with the same code, so wrapped copies and the
// sentinels below compare equal under errors.Is.
func (e *CodedError) Is(target error) bool {
	t, ok := target.(*CodedError)
	return ok && t.Code == e.Code
}

var (
	ErrCardNotFound   = &CodedError{Code: "CARD_NOT_FOUND", Message: "card not found"}
	ErrCardExists     = &CodedError{Code: "CARD_EXISTS", Message: "a card with this uid is already registered"}
	ErrUserNotFound   = &CodedError{Code: "USER_NOT_FOUND", Message: "user not found"}
	ErrDeviceNotFound = &CodedError{Code: "DEVICE_NOT_FOUND", Message: "device not found"}
	ErrInvalidSecret  = &CodedError{Code: "INVALID_SECRET", Message: "invalid device id or secret"}
	ErrValidation     = &CodedError{Code: "VALIDATION_ERROR", Message: "validation error"}

	ErrDeviceNoToken      = &CodedError{Code: "DEVICE_NO_TOKEN", Message: "device token required"}
	ErrDeviceTokenExpired = &CodedError{Code: "DEVICE_TOKEN_EXPIRED", Message: "device token expired"}
	ErrDeviceInvalidToken = &CodedError{Code: "DEVICE_INVALID_TOKEN", Message: "invalid device token"}

	ErrNoToken        = &CodedError{Code: "NO_TOKEN", Message: "authorization required"}
	ErrTokenExpired   = &CodedError{Code: "TOKEN_EXPIRED", Message: "session expired"}
	ErrInvalidToken   = &CodedError{Code: "INVALID_TOKEN", Message: "invalid session token"}
	ErrSessionRevoked = &CodedError{Code: "SESSION_REVOKED", Message: "session has been revoked"}
)

// ErrorCode returns the code of the first CodedError in err's chain, or "".
func ErrorCode(err error) string {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// validKey reports whether id can name a single record below a collection.
func validKey(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/") && id != "." && id != ".."
}
