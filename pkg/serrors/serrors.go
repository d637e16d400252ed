package serrors

import "errors"

// BaseError is a coded error. Code is stable and machine-readable; Message is
// a developer-facing default; LocaleKey is an optional translation hook for
// presentation layers.
type BaseError struct {
	Code      string
	Message   string
	LocaleKey string
}

func NewError(code, message, localeKey string) *BaseError {
	return &BaseError{Code: code, Message: message, LocaleKey: localeKey}
}

func (e *BaseError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

// Is matches any BaseError carrying the same code, so wrapped sentinels
// compare with errors.Is.
func (e *BaseError) Is(target error) bool {
	var other *BaseError
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// Code extracts the stable code from err, or "" when err is not coded.
func Code(err error) string {
	var be *BaseError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}
