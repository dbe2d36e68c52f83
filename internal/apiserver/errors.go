package apiserver

import (
	"errors"
	"net/http"

	"github.com/r3e-network/ruleflow/internal/errs"
)

// statusFor maps an engine/rules error to the HTTP status code the REST
// surface reports it as. Anything unrecognized is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errs.ErrEngineStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, errs.ErrTraceDisabled):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, errs.ErrResolution):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorBody is the uniform JSON error envelope returned for any non-2xx
// response: a single "error" field carrying the error's message.
type errorBody struct {
	Error string `json:"error"`
}
