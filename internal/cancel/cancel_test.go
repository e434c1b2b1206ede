package cancel

import (
	"testing"
	"time"
)

func TestNilHandleIsNeverCancelled(t *testing.T) {
	var h *Handle
	if h.Cancelled() {
		t.Error("nil handle should never be cancelled")
	}
	if h.TimedOut() {
		t.Error("nil handle should never be timed out")
	}
	h.Cancel() // must not panic
	h.Stop()
}

func TestCancelArmsFlag(t *testing.T) {
	h := New()
	if h.Cancelled() {
		t.Error("fresh handle should not be cancelled")
	}
	h.Cancel()
	if !h.Cancelled() {
		t.Error("expected handle to be cancelled after Cancel")
	}
	if h.TimedOut() {
		t.Error("external Cancel should not count as a timeout")
	}
}

func TestTimeoutMarksTimedOut(t *testing.T) {
	h := NewWithTimeout(time.Millisecond)
	defer h.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for !h.Cancelled() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !h.Cancelled() {
		t.Fatal("expected handle to cancel itself after its timeout")
	}
	if !h.TimedOut() {
		t.Error("expected a self-cancelled handle to report TimedOut")
	}
}

func TestStopPreventsTimeout(t *testing.T) {
	h := NewWithTimeout(50 * time.Millisecond)
	h.Stop()
	time.Sleep(100 * time.Millisecond)
	if h.Cancelled() {
		t.Error("expected Stop to prevent the timeout from firing")
	}
}
