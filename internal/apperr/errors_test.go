package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("append: %w", New(InvalidState, "session is closed"))

	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected InvalidState match, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("unexpected NotFound match")
	}
}

func TestCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{nil, ""},
		{errors.New("boom"), Internal},
		{New(Forbidden, "not yours"), Forbidden},
		{fmt.Errorf("wrapped: %w", Wrap(Unavailable, "store down", errors.New("dial tcp"))), Unavailable},
	}
	for _, tc := range cases {
		if got := CodeOf(tc.err); got != tc.want {
			t.Fatalf("CodeOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestWrapUnwrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(Unavailable, "persist message", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
	if Reason(err) != "persist message" {
		t.Fatalf("unexpected reason %q", Reason(err))
	}
	if Reason(cause) != "internal error" {
		t.Fatalf("foreign errors must not leak details, got %q", Reason(cause))
	}
}

func TestReasonFallsBackToCode(t *testing.T) {
	if got := Reason(ErrUnauthenticated); got != "unauthenticated" {
		t.Fatalf("unexpected reason %q", got)
	}
	if got := Reason(ErrInvalidState); got != "invalid state" {
		t.Fatalf("unexpected reason %q", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		ErrUnauthenticated:       401,
		ErrForbidden:             403,
		ErrNotFound:              404,
		ErrInvalidState:          409,
		ErrConflict:              409,
		ErrInvalidArgument:       400,
		ErrUnavailable:           503,
		errors.New("unexpected"): 500,
	}
	for err, want := range cases {
		if got := HTTPStatus(err); got != want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", err, got, want)
		}
	}
}
