package tunnel

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateSubdomain(t *testing.T) {
	valid := []string{"my-app", "test123", "hello-world-123", "abc"}
	for _, s := range valid {
		if err := ValidateSubdomain(s); err != nil {
			t.Fatalf("ValidateSubdomain(%q) = %v, want nil", s, err)
		}
	}

	invalid := []string{
		"",
		"ab",                      // too short
		"-abc",                    // leading hyphen
		"abc-",                    // trailing hyphen
		"my_app",                  // underscore
		"My-App",                  // uppercase (callers normalize first)
		strings.Repeat("a", 64),   // too long
	}
	for _, s := range invalid {
		if err := ValidateSubdomain(s); !errors.Is(err, ErrSubdomainInvalid) {
			t.Fatalf("ValidateSubdomain(%q) = %v, want ErrSubdomainInvalid", s, err)
		}
	}
}

func TestNormalizeSubdomain(t *testing.T) {
	if got := NormalizeSubdomain("  My-App "); got != "my-app" {
		t.Fatalf("NormalizeSubdomain = %q", got)
	}
}

func TestRandomSubdomainIsValid(t *testing.T) {
	for i := 0; i < 100; i++ {
		name := RandomSubdomain(nil)
		if err := ValidateSubdomain(name); err != nil {
			t.Fatalf("RandomSubdomain produced invalid name %q: %v", name, err)
		}
	}
}

func TestRandomSubdomainAvoidsTaken(t *testing.T) {
	taken := map[string]bool{}
	for i := 0; i < 50; i++ {
		name := RandomSubdomain(func(c string) bool { return taken[c] })
		if taken[name] {
			t.Fatalf("RandomSubdomain returned taken name %q", name)
		}
		taken[name] = true
	}
}

func TestRandomSubdomainCollisionFallback(t *testing.T) {
	// Everything is taken: the fallback still yields a unique valid name.
	name := RandomSubdomain(func(string) bool { return true })
	if err := ValidateSubdomain(name); err != nil {
		t.Fatalf("fallback name %q invalid: %v", name, err)
	}
}
