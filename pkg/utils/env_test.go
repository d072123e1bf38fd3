package utils

import (
	"os"
	"testing"
)

func TestEnvOrDefaultHelpers(t *testing.T) {
	const key = "QCHAIN_UTIL_TEST"
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	_ = os.Unsetenv(key)
	if got := EnvOrDefault(key, "fallback"); got != "fallback" {
		t.Fatalf("unset: got %q", got)
	}
	_ = os.Setenv(key, "value")
	if got := EnvOrDefault(key, "fallback"); got != "value" {
		t.Fatalf("set: got %q", got)
	}

	_ = os.Setenv(key, "42")
	if got := EnvOrDefaultInt(key, 7); got != 42 {
		t.Fatalf("int: got %d", got)
	}
	if got := EnvOrDefaultUint64(key, 7); got != 42 {
		t.Fatalf("uint64: got %d", got)
	}
	_ = os.Setenv(key, "not-a-number")
	if got := EnvOrDefaultInt(key, 7); got != 7 {
		t.Fatalf("parse error fallback: got %d", got)
	}
	if got := EnvOrDefaultUint64(key, 9); got != 9 {
		t.Fatalf("parse error fallback: got %d", got)
	}
}
