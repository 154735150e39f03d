package draft

import (
	"errors"
	"fmt"
)

var ErrLocked = errors.New("draft is locked by an in-flight save")

// ValidationError 本地拒绝，返回时不会发出任何远程调用
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalidf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation err 是否为（或包装了）ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
