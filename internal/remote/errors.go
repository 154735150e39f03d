package remote

import (
	"errors"
	"fmt"
	"net/http"

	"projectplanner/internal/model"
)

var (
	ErrNotFound = errors.New("entity not found")
	ErrConflict = errors.New("entity conflict")
)

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpGet    Op = "get"
	OpList   Op = "list"
)

// RequestError 一次失败的存储调用
type RequestError struct {
	Op      Op
	Kind    model.Kind
	ID      int64
	Status  int
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	target := string(e.Kind)
	if e.ID != 0 {
		target = fmt.Sprintf("%s %d", e.Kind, e.ID)
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("remote %s %s failed (status %d): %s", e.Op, target, e.Status, msg)
	}
	return fmt.Sprintf("remote %s %s failed: %s", e.Op, target, msg)
}

func (e *RequestError) Unwrap() error { return e.Err }

// NotFound 存储应答目标不存在
func (e *RequestError) NotFound() bool {
	return e.Status == http.StatusNotFound || errors.Is(e.Err, ErrNotFound)
}

// NewRequestError err 为 nil 时按状态码推导哨兵错误
func NewRequestError(op Op, kind model.Kind, id int64, status int, message string, err error) *RequestError {
	if err == nil {
		switch status {
		case http.StatusNotFound:
			err = ErrNotFound
		case http.StatusConflict:
			err = ErrConflict
		}
	}
	return &RequestError{Op: op, Kind: kind, ID: id, Status: status, Message: message, Err: err}
}

// IsNotFound err 是否携带存储的 not-found 应答
func IsNotFound(err error) bool {
	var re *RequestError
	if errors.As(err, &re) {
		return re.NotFound()
	}
	return errors.Is(err, ErrNotFound)
}
