package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnvFallback(t *testing.T) {
	t.Setenv("OD_TEST_EMPTY", "")
	if got := GetEnv("OD_TEST_EMPTY", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	t.Setenv("OD_TEST_SET", "value")
	if got := GetEnv("OD_TEST_SET", "fallback"); got != "value" {
		t.Fatalf("expected value, got %q", got)
	}
}

func TestParseDurationValid(t *testing.T) {
	if got := ParseDuration("2h", 5*time.Minute); got != 2*time.Hour {
		t.Fatalf("expected 2h, got %s", got)
	}
}

func TestParseDurationInvalidUsesFallback(t *testing.T) {
	fallback := 5 * time.Minute
	if got := ParseDuration("not-a-duration", fallback); got != fallback {
		t.Fatalf("expected fallback %s, got %s", fallback, got)
	}
}

func TestParseIntInvalidUsesFallback(t *testing.T) {
	if got := ParseInt("nope", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestParseFloat(t *testing.T) {
	if got := ParseFloat("2.5", 1); got != 2.5 {
		t.Fatalf("expected 2.5, got %v", got)
	}
	if got := ParseFloat("x", 1); got != 1 {
		t.Fatalf("expected fallback 1, got %v", got)
	}
}

func TestParseBool(t *testing.T) {
	cases := map[string]bool{"1": true, "TRUE": true, "on": true, "0": false, "no": false}
	for in, want := range cases {
		if got := ParseBool(in, !want); got != want {
			t.Fatalf("ParseBool(%q) = %v, want %v", in, got, want)
		}
	}
	if got := ParseBool("maybe", true); !got {
		t.Fatal("expected fallback for unknown value")
	}
}

func TestLoadEnvFilesFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("OD_TEST_FROM_FILE=loaded\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("ENV_FILE", path)
	t.Setenv("OD_TEST_FROM_FILE", "")
	os.Unsetenv("OD_TEST_FROM_FILE")

	if err := LoadEnvFiles(); err != nil {
		t.Fatalf("LoadEnvFiles: %v", err)
	}
	if got := os.Getenv("OD_TEST_FROM_FILE"); got != "loaded" {
		t.Fatalf("expected value from env file, got %q", got)
	}
}
