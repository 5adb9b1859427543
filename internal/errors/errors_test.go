package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestNewUsesRegisteredMessage(t *testing.T) {
	err := New(CodeSettlement, "")
	if err.Message() != "settlement submission failed" {
		t.Errorf("message = %q", err.Message())
	}
	if got := err.Error(); got != "[SETTLEMENT] settlement submission failed" {
		t.Errorf("Error() = %q", got)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stdErrors.New("connection refused")
	err := Wrap(CodeTimeout, cause, "rpc call")

	if !stdErrors.Is(err, cause) {
		t.Error("wrapped cause not found in chain")
	}
	if CodeOf(err) != CodeTimeout {
		t.Errorf("code = %s", CodeOf(err))
	}
	if !err.Retryable() {
		t.Error("timeout should be retryable")
	}
	if !err.ShouldAlert() {
		t.Error("timeout should alert")
	}
}

func TestIsMatchesByCode(t *testing.T) {
	inner := New(CodeCredential, "credential ck-temp-x expired")
	wrapped := fmt.Errorf("refused: %w", inner)

	if !stdErrors.Is(wrapped, New(CodeCredential, "")) {
		t.Error("errors with the same code should match")
	}
	if stdErrors.Is(wrapped, New(CodeSettlement, "")) {
		t.Error("different codes must not match")
	}
}

func TestFrom(t *testing.T) {
	if _, ok := From(stdErrors.New("plain")); ok {
		t.Error("plain errors carry no code")
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Error("plain errors map to UNKNOWN")
	}

	wrapped := fmt.Errorf("outer: %w", New(CodeConflict, ""))
	extracted, ok := From(wrapped)
	if !ok || extracted.Code() != CodeConflict {
		t.Errorf("From = %v, %v", extracted, ok)
	}
}

func TestMetadata(t *testing.T) {
	err := New(CodePaymentVerification, "", WithMetadata("trade_id", "trade-1"))
	meta := err.Metadata()
	if meta["trade_id"] != "trade-1" {
		t.Errorf("metadata = %v", meta)
	}

	// The returned map is a copy.
	meta["trade_id"] = "trade-2"
	if err.Metadata()["trade_id"] != "trade-1" {
		t.Error("metadata must not be mutable from outside")
	}
}

func TestUnregisteredCodeFallsBack(t *testing.T) {
	err := New(Code("MYSTERY"), "")
	if err.Severity() != SeverityCritical {
		t.Errorf("severity = %s, want critical fallback", err.Severity())
	}
}
