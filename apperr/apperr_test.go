package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := Connectionf(Params{"mintUrl": "http://localhost:3338"}, "mint returned %d", 500)
	wrapped := fmt.Errorf("restore failed: %w", base)

	tests := []struct {
		err      error
		expected Kind
	}{
		{err: Validationf(nil, "bad input"), expected: Validation},
		{err: wrapped, expected: Connection},
		{err: errors.New("plain"), expected: Unknown},
		{err: nil, expected: Unknown},
	}

	for _, test := range tests {
		if kind := KindOf(test.err); kind != test.expected {
			t.Errorf("expected kind '%v' but got '%v'", test.expected, kind)
		}
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected int
	}{
		{Validation, http.StatusBadRequest},
		{NotFound, http.StatusNotFound},
		{Connection, http.StatusBadGateway},
		{Server, http.StatusInternalServerError},
		{PaymentRequired, http.StatusPaymentRequired},
		{Unavailable, http.StatusServiceUnavailable},
		{Unknown, http.StatusInternalServerError},
	}

	for _, test := range tests {
		if code := test.kind.StatusCode(); code != test.expected {
			t.Errorf("expected status '%v' for %v but got '%v'", test.expected, test.kind, code)
		}
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("context deadline exceeded")
	err := WrapConnection(cause, nil, "POST %v/v1/restore", "http://mint")

	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped error to match cause")
	}
	expected := "POST http://mint/v1/restore: context deadline exceeded"
	if err.Error() != expected {
		t.Fatalf("expected '%v' but got '%v'", expected, err.Error())
	}
}
