package sandbox

import (
	"strings"
	"testing"
)

func TestCappedBuffer_UnderLimit(t *testing.T) {
	b := newCappedBuffer(10)
	n, err := b.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if b.String() != "hello" || b.Truncated() {
		t.Errorf("expected hello untruncated, got %q truncated=%v", b.String(), b.Truncated())
	}
}

func TestCappedBuffer_Truncates(t *testing.T) {
	b := newCappedBuffer(8)
	b.Write([]byte("12345"))
	n, err := b.Write([]byte("67890"))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if n != 5 {
		t.Errorf("expected full length reported to keep the producer going, got %d", n)
	}
	if b.String() != "12345678" {
		t.Errorf("expected first 8 bytes, got %q", b.String())
	}
	if !b.Truncated() {
		t.Error("expected truncated flag")
	}

	b.Write([]byte(strings.Repeat("x", 1000)))
	if len(b.String()) != 8 {
		t.Errorf("expected buffer to stay at 8 bytes, got %d", len(b.String()))
	}
}

func TestCappedBuffer_ExactLimitNotTruncated(t *testing.T) {
	b := newCappedBuffer(4)
	b.Write([]byte("abcd"))
	if b.Truncated() {
		t.Error("writing exactly the limit must not flag truncation")
	}
	b.Write(nil)
	if b.Truncated() {
		t.Error("empty write must not flag truncation")
	}
}
