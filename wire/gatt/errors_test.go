package gatt

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesKind(t *testing.T) {
	if !errors.Is(ErrAttributeNotFound, ErrNotFound) {
		t.Error("attribute-not-found should be a not-found error")
	}
	if errors.Is(ErrLengthExceeded, ErrNotFound) {
		t.Error("length exceeded matched not found")
	}

	wrapped := fmt.Errorf("writing battery level: %w", ErrLengthExceeded)
	if Code(wrapped) != 0x0D {
		t.Errorf("Code(wrapped) = 0x%02X, want 0x0D", Code(wrapped))
	}
}

func TestEngineFailure(t *testing.T) {
	cause := errors.New("flash write failed")
	err := EngineFailure(cause)

	if !errors.Is(err, ErrEngine) {
		t.Error("EngineFailure should be an engine error")
	}
	if !errors.Is(err, cause) {
		t.Error("EngineFailure should unwrap to its cause")
	}
	if Code(err) != 0x80 {
		t.Errorf("Code = 0x%02X, want 0x80", Code(err))
	}
}

func TestCodeForForeignError(t *testing.T) {
	if Code(errors.New("boom")) != ErrInternal.Code {
		t.Error("foreign errors should map to unlikely error")
	}
}
