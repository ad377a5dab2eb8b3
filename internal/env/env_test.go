package env

import (
	"testing"
	"time"
)

func TestDuration(t *testing.T) {
	cases := []struct {
		val  string
		want time.Duration
	}{
		{"", 5 * time.Second},
		{"250ms", 250 * time.Millisecond},
		{"20", 20 * time.Second},
		{"1.5", 1500 * time.Millisecond},
		{"soon", 5 * time.Second},
	}
	for _, tc := range cases {
		t.Setenv("TEST_DURATION", tc.val)
		if got := Duration("TEST_DURATION", 5*time.Second); got != tc.want {
			t.Errorf("Duration(%q) = %v, want %v", tc.val, got, tc.want)
		}
	}
}

func TestIntFallback(t *testing.T) {
	t.Setenv("TEST_INT", "abc")
	if got := Int("TEST_INT", 7); got != 7 {
		t.Fatalf("Int = %d, want fallback 7", got)
	}
	t.Setenv("TEST_INT", "42")
	if got := Int("TEST_INT", 7); got != 42 {
		t.Fatalf("Int = %d, want 42", got)
	}
}

func TestBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "Yes")
	if !Bool("TEST_BOOL", false) {
		t.Fatal("expected true for Yes")
	}
	t.Setenv("TEST_BOOL", "maybe")
	if !Bool("TEST_BOOL", true) {
		t.Fatal("expected fallback for unknown value")
	}
}
