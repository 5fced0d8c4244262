package apperr

import (
	"errors"
	"fmt"
	"testing"
)

var errThingMissing = NotFound(CodeNotFound, "thing not found")

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{Validation(CodeValidation, "bad"), KindValidation},
		{NotFound(CodeNotFound, "missing"), KindNotFound},
		{Conflict(CodeConflict, "dup"), KindConflict},
		{Forbidden(CodeForbidden, "no"), KindForbidden},
		{Unauthorized(CodeUnauthorized, "who"), KindUnauthorized},
		{errors.New("boom"), KindUnexpected},
		{fmt.Errorf("wrapped: %w", Conflict(CodeConflict, "dup")), KindConflict},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestSentinelSurvivesCopies(t *testing.T) {
	err := fmt.Errorf("lookup: %w", errThingMissing.WithDetails("id=42"))
	if !errors.Is(err, errThingMissing) {
		t.Error("expected errors.Is to match the sentinel after WithDetails")
	}

	wrapped := errThingMissing.Wrapf("row %d", 7)
	if !errors.Is(wrapped, errThingMissing) {
		t.Error("expected errors.Is to match the sentinel after Wrapf")
	}
	if wrapped.Error() != "thing not found: row 7" {
		t.Errorf("unexpected message: %s", wrapped.Error())
	}
}

func TestWithDetails_DoesNotMutateSentinel(t *testing.T) {
	_ = errThingMissing.WithDetails("a")
	if len(errThingMissing.Details) != 0 {
		t.Errorf("sentinel details mutated: %v", errThingMissing.Details)
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil) != nil {
		t.Error("expected nil for nil error")
	}

	ae := Wrap(errors.New("db down"))
	if ae.Kind != KindUnexpected || ae.Code != CodeServer {
		t.Errorf("expected unexpected/SERVER-001, got %v/%s", ae.Kind, ae.Code)
	}

	orig := Validation(CodeValidation, "bad")
	if Wrap(orig) != orig {
		t.Error("expected application errors to pass through unchanged")
	}
}

func TestIsKind(t *testing.T) {
	if !IsKind(Forbidden(CodeForbidden, "x"), KindForbidden) {
		t.Error("expected forbidden")
	}
	if IsKind(errors.New("plain"), KindForbidden) {
		t.Error("plain errors carry no kind")
	}
}
