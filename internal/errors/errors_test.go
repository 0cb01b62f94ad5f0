package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCauseAndCode(t *testing.T) {
	cause := stdErrors.New("connection refused")
	err := Wrap(CodeStorageFailure, cause, "put record", WithMetadata("key", "frameworks/iso"))

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if CodeOf(fmt.Errorf("outer: %w", err)) != CodeStorageFailure {
		t.Fatalf("expected storage code through wrapping")
	}
	if !RetryableError(err) {
		t.Fatalf("storage failures are registered as retryable")
	}
	if got := err.Metadata()["key"]; got != "frameworks/iso" {
		t.Fatalf("unexpected metadata: %q", got)
	}
	if err.Error() != "[STORAGE_FAILURE] put record: connection refused" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestIsMatchesByCode(t *testing.T) {
	sentinel := New(CodeNotFound, "record not found")
	other := New(CodeNotFound, "different text")
	if !stdErrors.Is(other, sentinel) {
		t.Fatalf("errors with the same code should match")
	}
	if stdErrors.Is(New(CodeConflict, ""), sentinel) {
		t.Fatalf("errors with different codes must not match")
	}
}

func TestRegisterAndFallback(t *testing.T) {
	const code Code = "TEST_REGISTERED"
	Register(code, Attributes{Message: "registered", Severity: SeverityWarning, Retryable: true})

	err := New(code, "")
	if err.Message() != "registered" {
		t.Fatalf("expected registered message, got %q", err.Message())
	}
	if err.Severity() != SeverityWarning {
		t.Fatalf("unexpected severity %s", err.Severity())
	}
	if AttributesOf("NEVER_REGISTERED").Message != "unknown error" {
		t.Fatalf("expected unknown fallback")
	}
	if SeverityOf(stdErrors.New("plain")) != SeverityCritical {
		t.Fatalf("plain errors should default to the unknown severity")
	}

	overridden := New(code, "", WithRetryable(false), WithSeverity(SeverityCritical))
	if overridden.Retryable() || overridden.Severity() != SeverityCritical {
		t.Fatalf("options should override registered attributes: %+v", overridden)
	}
}
