package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	e := New(InvalidInput, "missing field %q", "path")
	want := "InvalidInput: missing field \"path\""
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	e := Wrap(BackendError, cause, "")
	if e.Unwrap() != cause {
		t.Error("Unwrap() did not return the wrapped cause")
	}
	if e.Message != cause.Error() {
		t.Errorf("Message = %q, want %q", e.Message, cause.Error())
	}
}

func TestKindOfUnwrapsChain(t *testing.T) {
	base := New(ResourceBusy, "retry after 1s")
	wrapped := fmt.Errorf("dispatch: %w", base)
	if got := KindOf(wrapped); got != ResourceBusy {
		t.Errorf("KindOf() = %v, want %v", got, ResourceBusy)
	}
}

func TestKindOfOpaqueErrorIsBackendError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != BackendError {
		t.Errorf("KindOf() = %v, want %v", got, BackendError)
	}
}
