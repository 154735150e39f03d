package remote

import (
	"fmt"

	"projectplanner/internal/model"
)

// StaleReferenceError 草稿认为已持久化、但存储中已不存在的 id
type StaleReferenceError struct {
	Kind model.Kind
	ID   int64
	Err  error
}

func (e *StaleReferenceError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("stale reference to %s %d: %v", e.Kind, e.ID, e.Err)
	}
	return fmt.Sprintf("stale reference to %s %d: no longer exists remotely", e.Kind, e.ID)
}

func (e *StaleReferenceError) Unwrap() error { return e.Err }
