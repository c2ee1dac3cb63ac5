package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCodeAndCause(t *testing.T) {
	cause := stdErrors.New("connection refused")
	err := Wrap(CodeStorageFailure, cause, "写入运行记录失败")

	wrapped := fmt.Errorf("persist: %w", err)
	if CodeOf(wrapped) != CodeStorageFailure {
		t.Fatalf("unexpected code %s", CodeOf(wrapped))
	}
	if !stdErrors.Is(wrapped, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if !stdErrors.Is(wrapped, New(CodeStorageFailure, "")) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if MessageOf(wrapped) != "写入运行记录失败" {
		t.Fatalf("unexpected message %q", MessageOf(wrapped))
	}
}

func TestAttributesDefaultsAndOverrides(t *testing.T) {
	err := New(CodeConfiguration, "")
	if err.Message() != "configuration error" {
		t.Fatalf("unexpected default message %q", err.Message())
	}
	if !err.ShouldAlert() || err.Retryable() {
		t.Fatalf("unexpected attributes for configuration error")
	}

	overridden := New(CodeStorageFailure, "duplicate transfer", WithRetryable(false), WithMetadata("service", "voyage"))
	if overridden.Retryable() {
		t.Fatalf("expected retryable override")
	}
	if overridden.Severity() != SeverityCritical {
		t.Fatalf("unexpected severity %s", overridden.Severity())
	}
	if overridden.Metadata()["service"] != "voyage" {
		t.Fatalf("metadata not attached")
	}
}

func TestUnregisteredCodeFallsBackToUnknown(t *testing.T) {
	attr := AttributesOf(Code("SOMETHING_ELSE"))
	if attr != AttributesOf(CodeUnknown) {
		t.Fatalf("expected unknown attributes, got %+v", attr)
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors should map to UNKNOWN")
	}
	if MessageOf(stdErrors.New("plain")) != "plain" {
		t.Fatalf("plain message should pass through")
	}
}
