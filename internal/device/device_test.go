package device

import (
	"errors"
	"syscall"
	"testing"
)

func TestCNoneAlwaysReportsNotExist(t *testing.T) {
	var d CNone
	status, _, err := d.Cmd(DirOut, 0, 0x42)
	if err != nil {
		t.Fatalf("Cmd: %v", err)
	}
	if status != StatusNotExist {
		t.Errorf("status = %v, want StatusNotExist", status)
	}
}

func TestNoResponseErrorMessageNamesUnit(t *testing.T) {
	err := &NoResponseError{Unit: 3}
	if got := err.Error(); got != "device: unit 3: no response" {
		t.Fatalf("Error() = %q, want it to name unit 3", got)
	}
}

func TestIsRetryableSyscallErrorRecognizesEINTR(t *testing.T) {
	if !isRetryableSyscallError(syscall.EINTR) {
		t.Error("expected EINTR to be retryable")
	}
	if isRetryableSyscallError(errors.New("some other error")) {
		t.Error("expected a non-EINTR error to not be retryable")
	}
	if isRetryableSyscallError(nil) {
		t.Error("expected nil error to not be retryable")
	}
}
