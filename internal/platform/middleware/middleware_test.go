package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medtech/clinic/internal/platform/apperr"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := RequestID()(func(c echo.Context) error {
		if rid, _ := c.Get(RequestIDKey).(string); rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	})

	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := RequestID()(okHandler)
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestID_ReplacesMalformed(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "bad id with spaces")
	rec := httptest.NewRecorder()

	if err := RequestID()(okHandler)(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.Header().Get(RequestIDHeader); got == "bad id with spaces" || got == "" {
		t.Errorf("expected a generated id, got %q", got)
	}
}

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/appointments/me", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set(RequestIDKey, "req-1")

	if err := Logger(logger)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected a JSON log line, got %q", buf.String())
	}
	if line["request_id"] != "req-1" || line["path"] != "/api/appointments/me" {
		t.Errorf("unexpected log line: %v", line)
	}
	if line["status"] != float64(200) {
		t.Errorf("expected status 200, got %v", line["status"])
	}
}

func TestLogger_ErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/x", nil), httptest.NewRecorder())

	notFound := apperr.NotFound(apperr.CodeNotFound, "appointment not found")
	err := Logger(logger)(func(echo.Context) error { return notFound })(c)
	if !errors.Is(err, notFound) {
		t.Fatalf("expected error to pass through, got %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, `"level":"warn"`) || !strings.Contains(out, `"status":404`) {
		t.Errorf("expected warn line with status 404, got %s", out)
	}
	if !strings.Contains(out, `"error_code":"RESOURCE-404"`) {
		t.Errorf("expected error_code in log, got %s", out)
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/panic", nil), httptest.NewRecorder())

	err := Recovery(zerolog.Nop())(func(echo.Context) error { panic("test panic") })(c)
	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	if apperr.KindOf(err) != apperr.KindUnexpected {
		t.Errorf("expected unexpected kind, got %v", apperr.KindOf(err))
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ok", nil), httptest.NewRecorder())

	if err := Recovery(zerolog.Nop())(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestToResponse_KindMapping(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{apperr.Validation(apperr.CodeValidation, "duration must be between 15 and 120"), 400, "VALIDATION-001"},
		{apperr.NotFound(apperr.CodeNotFound, "appointment not found"), 404, "RESOURCE-404"},
		{apperr.Conflict("APPOINTMENT-409", "slot taken"), 409, "APPOINTMENT-409"},
		{apperr.Forbidden(apperr.CodeForbidden, "not yours"), 403, "AUTH-403"},
		{apperr.Unauthorized(apperr.CodeUnauthorized, "missing token"), 401, "AUTH-401"},
		{fmt.Errorf("wrapped: %w", apperr.Conflict(apperr.CodeConflict, "dup")), 409, "CONFLICT-001"},
		{echo.NewHTTPError(http.StatusMethodNotAllowed, "method not allowed"), 405, "HTTP-405"},
		{echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded"), 429, "RATE-429"},
		{echo.NewHTTPError(http.StatusTeapot, "teapot"), 418, "HTTP-418"},
		{errors.New("pq: connection reset"), 500, "SERVER-001"},
	}

	for _, tc := range cases {
		status, body := toResponse(tc.err, "/api/appointments", now)
		if status != tc.status {
			t.Errorf("%v: expected status %d, got %d", tc.err, tc.status, status)
		}
		if body.ErrorCode != tc.code {
			t.Errorf("%v: expected code %s, got %s", tc.err, tc.code, body.ErrorCode)
		}
		if body.Path != "/api/appointments" || !body.Timestamp.Equal(now) {
			t.Errorf("%v: unexpected path/timestamp: %+v", tc.err, body)
		}
		if body.Details == nil {
			t.Errorf("%v: details must never be null", tc.err)
		}
	}
}

func TestToResponse_UnexpectedIsSanitized(t *testing.T) {
	err := errors.New("dial failed: password=hunter2\nretrying")
	status, body := toResponse(apperr.Wrap(err), "/api/auth/login", time.Now())
	if status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", status)
	}
	if len(body.Details) != 1 {
		t.Fatalf("expected one detail, got %v", body.Details)
	}
	if strings.Contains(body.Details[0], "hunter2") || strings.Contains(body.Details[0], "\n") {
		t.Errorf("expected sanitized detail, got %q", body.Details[0])
	}
	if body.Message != "an unexpected error occurred" {
		t.Errorf("unexpected message %q", body.Message)
	}
}

func TestErrorHandler_WritesBody(t *testing.T) {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(zerolog.Nop())
	e.GET("/thing", func(echo.Context) error {
		return apperr.Validation(apperr.CodeValidation, "invalid request", "duration: must be between 15 and 120")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/thing", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected nosniff header")
	}
	if rec.Header().Get("X-Validation-Error") != "true" {
		t.Error("expected X-Validation-Error header")
	}

	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body.ErrorCode != "VALIDATION-001" || len(body.Details) != 1 {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestErrorHandler_UnknownRoute(t *testing.T) {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(zerolog.Nop())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "RESOURCE-404") {
		t.Errorf("expected RESOURCE-404 body, got %s", rec.Body.String())
	}
}
