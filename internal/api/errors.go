package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/kiln/internal/attention"
	"github.com/samcharles93/kiln/internal/gpu"
	"github.com/samcharles93/kiln/internal/kernels"
	"github.com/samcharles93/kiln/internal/tensor"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// classify maps a compute error onto an HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, attention.ErrConfig),
		errors.Is(err, kernels.ErrConfig),
		errors.Is(err, tensor.ErrDType):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, gpu.ErrMissingFeature):
		return http.StatusUnprocessableEntity, "unsupported_error"
	default:
		var ce *gpu.CompileError
		if errors.As(err, &ce) {
			return http.StatusInternalServerError, "compile_error"
		}
		return http.StatusInternalServerError, "server_error"
	}
}
