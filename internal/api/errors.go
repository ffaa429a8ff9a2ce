package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-realtime/internal/types"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func newApiError(code int, err error) *ApiError {
	return &ApiError{
		StatusCode: code,
		Message:    lower(http.StatusText(code)),
		Err:        err,
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest, nil)
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound, nil)
}

func NewInternalServerError(err error) *ApiError {
	return newApiError(http.StatusInternalServerError, err)
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized, nil)
}

func NewServiceUnavailableError(err error) *ApiError {
	return newApiError(http.StatusServiceUnavailable, err)
}

// NewErrorFromChat maps a chat or presence error to its HTTP form.
// Client errors carry their cause in Detail.
func NewErrorFromChat(err error) *ApiError {
	var e *ApiError
	switch {
	case errors.Is(err, types.ErrInvalidArgument):
		e = newApiError(http.StatusBadRequest, err)
		e.Detail = err.Error()
	case errors.Is(err, types.ErrNotFound):
		e = newApiError(http.StatusNotFound, err)
		e.Detail = err.Error()
	case errors.Is(err, types.ErrResyncRequired):
		e = newApiError(http.StatusConflict, err)
		e.Detail = err.Error()
	case errors.Is(err, types.ErrUnavailable):
		e = NewServiceUnavailableError(err)
	default:
		e = NewInternalServerError(err)
	}
	return e
}
