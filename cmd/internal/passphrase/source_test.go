package passphrase

import (
	"strings"
	"testing"
)

const testEnv = "DEEDESCROW_TEST_PASSPHRASE"

func TestSourceReadsEnvironment(t *testing.T) {
	t.Setenv(testEnv, "correct horse")
	src := NewSource(testEnv, "authority")
	got, err := src.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "correct horse" {
		t.Fatalf("unexpected passphrase %q", got)
	}

	// Later changes are not observed once the value is cached.
	t.Setenv(testEnv, "other")
	again, err := src.Get()
	if err != nil || again != "correct horse" {
		t.Fatalf("expected cached passphrase, got %q (%v)", again, err)
	}
}

func TestSourceRejectsEmptyEnvironment(t *testing.T) {
	t.Setenv(testEnv, "   ")
	_, err := NewSource(testEnv, "authority").Get()
	if err == nil {
		t.Fatalf("expected error for empty passphrase")
	}
	if !strings.Contains(err.Error(), testEnv) {
		t.Fatalf("error should name the variable: %v", err)
	}
}

func TestStaticSource(t *testing.T) {
	got, err := Static("secret").Get()
	if err != nil || got != "secret" {
		t.Fatalf("unexpected static result %q (%v)", got, err)
	}
}
