package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeout        = errors.New("request timed out")
	ErrInvalidRange   = errors.New("invalid highlight range")
	ErrInvalidPayload = errors.New("invalid payload")
)

const ErrorTypeLimitExceeded = "limit_exceeded"

// TimeoutError is raised locally when no terminal tag arrives in time.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: request timed out after %s", e.Op, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ServerError carries the message of a *.error frame.
type ServerError struct {
	Op      string
	Message string
	Code    int
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: server error", e.Op)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// LimitExceededError is the usage-cap error. Callers match it with errors.As to show
// the limit prompt instead of a generic failure.
type LimitExceededError struct {
	Op               string
	Limit            int
	Used             int
	ResetAfter       time.Time
	ShowModalPricing bool
}

func (e *LimitExceededError) Error() string {
	return "daily AI usage limit exceeded"
}

// ErrorFromPayload turns the data of a *.error frame into a typed error.
func ErrorFromPayload(op string, raw json.RawMessage) error {
	var p ErrorPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			// A string payload is tolerated as the bare message.
			var msg string
			if json.Unmarshal(raw, &msg) == nil {
				return &ServerError{Op: op, Message: msg}
			}
			return &ServerError{Op: op, Message: string(raw)}
		}
	}
	return p.Err(op)
}

func (p ErrorPayload) Err(op string) error {
	if p.ErrorType == ErrorTypeLimitExceeded || p.Code == 429 {
		e := &LimitExceededError{Op: op}
		if p.Data != nil {
			e.Limit = p.Data.Limit
			e.Used = p.Data.Used
			e.ResetAfter = p.Data.ResetAfter
			e.ShowModalPricing = p.Data.ShowModalPricing
		}
		return e
	}
	return &ServerError{Op: op, Message: p.Message, Code: p.Code}
}

// IsLimitExceeded reports whether err is (or wraps) a usage-cap error.
func IsLimitExceeded(err error) bool {
	var limitErr *LimitExceededError
	return errors.As(err, &limitErr)
}
