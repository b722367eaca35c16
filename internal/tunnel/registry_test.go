package tunnel

import (
	"errors"
	"testing"
)

func TestRegistryRegisterDesired(t *testing.T) {
	r := NewRegistry(nil, nil)
	s := &Session{ID: "t1"}

	name, err := r.Register("My-App", s)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if name != "my-app" {
		t.Fatalf("name = %q, want my-app", name)
	}
	if got := r.Lookup("MY-APP"); got != s {
		t.Fatalf("Lookup returned %v", got)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d", r.Len())
	}
}

func TestRegistryTakenSubdomainNotEvicted(t *testing.T) {
	r := NewRegistry(nil, nil)
	first := &Session{ID: "t1"}
	if _, err := r.Register("my-app", first); err != nil {
		t.Fatalf("Register: %v", err)
	}

	second := &Session{ID: "t2"}
	if _, err := r.Register("my-app", second); !errors.Is(err, ErrSubdomainTaken) {
		t.Fatalf("Register = %v, want ErrSubdomainTaken", err)
	}
	// The original binding survives the failed attempt.
	if got := r.Lookup("my-app"); got != first {
		t.Fatalf("Lookup returned %v, want first session", got)
	}
}

func TestRegistryReserved(t *testing.T) {
	r := NewRegistry(nil, nil)
	if _, err := r.Register("www", &Session{ID: "t1"}); !errors.Is(err, ErrSubdomainReserved) {
		t.Fatalf("Register(www) = %v, want ErrSubdomainReserved", err)
	}

	r.SetReserved([]string{"special"})
	if _, err := r.Register("special", &Session{ID: "t2"}); !errors.Is(err, ErrSubdomainReserved) {
		t.Fatalf("Register(special) = %v, want ErrSubdomainReserved", err)
	}
	// Replacing the set released the defaults.
	if _, err := r.Register("www", &Session{ID: "t3"}); err != nil {
		t.Fatalf("Register(www) after SetReserved = %v", err)
	}
}

func TestRegistryInvalid(t *testing.T) {
	r := NewRegistry(nil, nil)
	for _, bad := range []string{"ab", "-abc", "my_app"} {
		if _, err := r.Register(bad, &Session{ID: "t1"}); !errors.Is(err, ErrSubdomainInvalid) {
			t.Fatalf("Register(%q) = %v, want ErrSubdomainInvalid", bad, err)
		}
	}
}

func TestRegistryRandomAllocation(t *testing.T) {
	r := NewRegistry(nil, nil)
	s := &Session{ID: "t1"}
	name, err := r.Register("", s)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := ValidateSubdomain(name); err != nil {
		t.Fatalf("allocated name %q invalid: %v", name, err)
	}
	if got := r.Lookup(name); got != s {
		t.Fatalf("Lookup(%q) returned %v", name, got)
	}
}

func TestRegistryUnregisterIdempotent(t *testing.T) {
	r := NewRegistry(nil, nil)
	s := &Session{ID: "t1", TCPPort: 12345}
	if _, err := r.Register("my-app", s); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.BindPort(12345, s)
	if got := r.LookupTCPPort(12345); got != s {
		t.Fatalf("LookupTCPPort returned %v", got)
	}

	r.Unregister("t1")
	if r.Lookup("my-app") != nil || r.LookupTCPPort(12345) != nil || r.Len() != 0 {
		t.Fatal("mappings survived Unregister")
	}
	r.Unregister("t1") // no-op

	// The name is free again.
	if _, err := r.Register("my-app", &Session{ID: "t2"}); err != nil {
		t.Fatalf("re-Register after Unregister: %v", err)
	}
}
