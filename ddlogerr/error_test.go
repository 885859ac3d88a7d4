package ddlogerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIs_UnwrapsPlainWrapping(t *testing.T) {
	base := New(Transient, "put timed out", map[string]any{"key": "chunks/0"})
	wrapped := fmt.Errorf("upload chunk 0: %w", base)

	if !Is(wrapped, Transient) {
		t.Fatalf("expected wrapped error to be classified as transient")
	}
	if Is(wrapped, Fatal) {
		t.Fatalf("must not misclassify a transient error as fatal")
	}
}

func TestIs_FalseForPlainErrors(t *testing.T) {
	if Is(errors.New("boom"), Fatal) {
		t.Fatalf("a plain error has no Kind and must not match")
	}
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(Resource, "disk full", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap chain to reach cause")
	}
}
