package stateflow

import (
	"fmt"
	"testing"

	apperrors "github.com/goliatone/go-errors"
)

func TestCloneErrorLeavesBaseUntouched(t *testing.T) {
	before := ErrIncompatibleState.Message

	err := CloneError(ErrIncompatibleState, "order 42 is not in draft", nil, map[string]any{
		"entity_id": "42",
	})

	if ErrIncompatibleState.Message != before {
		t.Fatalf("base error mutated: %q", ErrIncompatibleState.Message)
	}
	if err.Message != "order 42 is not in draft" {
		t.Fatalf("unexpected message: %q", err.Message)
	}
	if !IsIncompatibleState(err) {
		t.Fatalf("expected incompatible-state code, got %q", ErrorCode(err))
	}
}

func TestCloneErrorAttachesSource(t *testing.T) {
	cause := fmt.Errorf("row not found")
	err := CloneError(ErrNotFound, "", cause, nil)

	if err.Source == nil {
		t.Fatal("expected source to be attached")
	}
	if err.Message != ErrNotFound.Message {
		t.Fatalf("empty message should keep base message, got %q", err.Message)
	}
}

func TestCloneErrorNilBaseFallsBackToLogic(t *testing.T) {
	err := CloneError(nil, "unmapped status", nil, nil)
	if !IsLogic(err) {
		t.Fatalf("expected logic fault, got %q", ErrorCode(err))
	}
}

func TestErrorCodeOnForeignError(t *testing.T) {
	if code := ErrorCode(fmt.Errorf("plain")); code != "" {
		t.Fatalf("expected empty code, got %q", code)
	}
	if IsNotFound(fmt.Errorf("plain")) {
		t.Fatal("plain error must not match not-found")
	}
}

func TestPredicatesDistinguishCodes(t *testing.T) {
	cases := []struct {
		err  *apperrors.Error
		pred func(error) bool
	}{
		{ErrNotFound, IsNotFound},
		{ErrIncompatibleState, IsIncompatibleState},
		{ErrMissingParameter, IsMissingParameter},
		{ErrParameterType, IsParameterType},
		{ErrSchema, IsSchema},
		{ErrLogic, IsLogic},
		{ErrAccessDenied, IsAccessDenied},
		{ErrVersionConflict, IsVersionConflict},
	}
	for _, tc := range cases {
		if !tc.pred(tc.err) {
			t.Fatalf("predicate rejected its own base error %q", tc.err.TextCode)
		}
		if tc.err != ErrLogic && IsLogic(tc.err) {
			t.Fatalf("%q wrongly classified as logic fault", tc.err.TextCode)
		}
	}
}
