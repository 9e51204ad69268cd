package share

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsTransient(t *testing.T) {
	cause := errors.New("connection refused")
	err := newTransientError(cause)
	if !IsTransient(err) {
		t.Errorf("IsTransient(%v) = false, want true", err)
	}
	if IsFatal(err) {
		t.Errorf("IsFatal(%v) = true, want false", err)
	}
	wrapped := fmt.Errorf("dialing: %w", err)
	if !IsTransient(wrapped) {
		t.Errorf("IsTransient on wrapped error = false, want true")
	}
}

func TestIsFatal(t *testing.T) {
	cause := errors.New("unexpected EOF")
	err := newFatalError(cause)
	if !IsFatal(err) {
		t.Errorf("IsFatal(%v) = false, want true", err)
	}
	if IsTransient(err) {
		t.Errorf("IsTransient(%v) = true, want false", err)
	}
}

func TestPlainErrorIsNeitherClassified(t *testing.T) {
	err := errors.New("plain")
	if IsTransient(err) || IsFatal(err) {
		t.Errorf("plain error was classified as transient or fatal")
	}
}

func TestClassifyStatus(t *testing.T) {
	if !IsTransient(classifyStatus(503)) {
		t.Errorf("classifyStatus(503) not transient")
	}
	if !IsTransient(classifyStatus(500)) {
		t.Errorf("classifyStatus(500) not transient")
	}
	if IsTransient(classifyStatus(400)) {
		t.Errorf("classifyStatus(400) reported as transient")
	}
	if !IsFatal(classifyStatus(404)) {
		t.Errorf("classifyStatus(404) not fatal")
	}
}

func TestClassifyTransportErr(t *testing.T) {
	if classifyTransportErr(nil) != nil {
		t.Errorf("classifyTransportErr(nil) != nil")
	}
	if !IsFatal(classifyTransportErr(errors.New("boom"))) {
		t.Errorf("non-net error not classified as fatal")
	}
}
