package mcperr

import (
	"encoding/json"
	"testing"
)

func TestNewAppliesRetryDefaults(t *testing.T) {
	se := New(ErrPeerUnreachable, "peer peer-1 is not connected", "retry once the peer reconnects")

	if !se.Retryable {
		t.Fatal("New(ErrPeerUnreachable) should default to retryable")
	}
	if se.RetryAfterMs != 1000 {
		t.Fatalf("RetryAfterMs = %d, want 1000", se.RetryAfterMs)
	}
}

func TestNewInvalidParamsNotRetryable(t *testing.T) {
	se := New(ErrMissingParam, "missing 'tabId'", "add the 'tabId' parameter and call again")

	if se.Retryable {
		t.Fatal("New(ErrMissingParam) should not be retryable")
	}
}

func TestWithOptionsOverrideDefaults(t *testing.T) {
	se := New(ErrLockTimeout, "tab 7 is locked", "retry shortly",
		WithParam("tabId"), WithHint("another writer is active"), WithRetryAfterMs(5000), WithFinal(true))

	if se.Param != "tabId" {
		t.Errorf("Param = %q, want tabId", se.Param)
	}
	if se.Hint != "another writer is active" {
		t.Errorf("Hint = %q", se.Hint)
	}
	if se.RetryAfterMs != 5000 {
		t.Errorf("RetryAfterMs = %d, want 5000 (explicit option should override the code default)", se.RetryAfterMs)
	}
	if !se.Final {
		t.Error("Final = false, want true")
	}
}

func TestMarshalResponseRoundTrips(t *testing.T) {
	se := New(ErrOperationNotFound, "operation op-1 not found", "check the operation id")

	raw := se.MarshalResponse()

	var decoded StructuredError
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Code != ErrOperationNotFound {
		t.Errorf("Code = %q, want %q", decoded.Code, ErrOperationNotFound)
	}
	if decoded.Retryable {
		t.Error("ErrOperationNotFound should not be retryable")
	}
}

func TestRetryDefaultsForCodeUnknownCodeIsNotRetryable(t *testing.T) {
	opts := RetryDefaultsForCode("some_unmapped_code")
	se := &StructuredError{}
	for _, opt := range opts {
		opt(se)
	}
	if se.Retryable {
		t.Error("unmapped error code should default to non-retryable")
	}
}
