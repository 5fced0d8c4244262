package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medtech/clinic/internal/platform/apperr"
)

// ErrorResponse is the body of every error returned by the API.
type ErrorResponse struct {
	ErrorCode string    `json:"errorCode"`
	Message   string    `json:"message"`
	Details   []string  `json:"details"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
}

var kindStatus = map[apperr.Kind]int{
	apperr.KindValidation:   http.StatusBadRequest,
	apperr.KindNotFound:     http.StatusNotFound,
	apperr.KindConflict:     http.StatusConflict,
	apperr.KindForbidden:    http.StatusForbidden,
	apperr.KindUnauthorized: http.StatusUnauthorized,
	apperr.KindUnexpected:   http.StatusInternalServerError,
}

var httpStatusCode = map[int]string{
	http.StatusBadRequest:            apperr.CodeParam,
	http.StatusUnauthorized:          apperr.CodeUnauthorized,
	http.StatusForbidden:             apperr.CodeForbidden,
	http.StatusNotFound:              apperr.CodeNotFound,
	http.StatusMethodNotAllowed:      apperr.CodeMethod,
	http.StatusConflict:              apperr.CodeConflict,
	http.StatusRequestEntityTooLarge: apperr.CodeValidation,
	http.StatusTooManyRequests:       apperr.CodeRateLimit,
}

func statusFor(err error) int {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return kindStatus[ae.Kind]
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// toResponse converts err into a status and body. Messages of unexpected
// errors never reach the client unsanitized.
func toResponse(err error, path string, now time.Time) (int, ErrorResponse) {
	resp := ErrorResponse{Timestamp: now.UTC(), Path: SanitizeMessage(path), Details: []string{}}

	var ae *apperr.Error
	var he *echo.HTTPError
	switch {
	case errors.As(err, &ae):
		status := kindStatus[ae.Kind]
		resp.ErrorCode = ae.Code
		resp.Message = ae.Message
		for _, d := range ae.Details {
			resp.Details = append(resp.Details, SanitizeMessage(d))
		}
		if ae.Kind == apperr.KindUnexpected {
			resp.ErrorCode = apperr.CodeServer
			resp.Message = "an unexpected error occurred"
			if ae.Err != nil {
				resp.Details = []string{SanitizeMessage(ae.Err.Error())}
			}
		}
		return status, resp

	case errors.As(err, &he):
		resp.ErrorCode = httpStatusCode[he.Code]
		if resp.ErrorCode == "" {
			resp.ErrorCode = fmt.Sprintf("HTTP-%d", he.Code)
		}
		if he.Code >= 500 {
			resp.ErrorCode = apperr.CodeServer
			resp.Message = "an unexpected error occurred"
			return he.Code, resp
		}
		resp.Message = SanitizeMessage(fmt.Sprint(he.Message))
		return he.Code, resp
	}

	resp.ErrorCode = apperr.CodeServer
	resp.Message = "an unexpected error occurred"
	resp.Details = []string{SanitizeMessage(err.Error())}
	return http.StatusInternalServerError, resp
}

// ErrorHandler returns the echo HTTPErrorHandler that renders every error as
// an ErrorResponse.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := toResponse(err, c.Request().URL.Path, time.Now())
		if status >= 500 {
			rid, _ := c.Get(RequestIDKey).(string)
			logger.Error().Err(err).
				Str("request_id", rid).
				Str("path", body.Path).
				Msg("unhandled error")
		}

		c.Response().Header().Set("X-Content-Type-Options", "nosniff")
		if body.ErrorCode == apperr.CodeValidation || body.ErrorCode == apperr.CodeParse {
			c.Response().Header().Set("X-Validation-Error", "true")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, body)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}
