package logging

import "testing"

func TestLineStore_TailRing(t *testing.T) {
	ls := NewLineStore(3)
	if _, err := ls.Write([]byte("a\nb\nc\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := ls.Tail(0)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("tail len=%d want=%d: %#v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tail[%d]=%q want %q", i, got[i], want[i])
		}
	}

	_, _ = ls.Write([]byte("d\n"))
	got = ls.Tail(0)
	want = []string{"b", "c", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("after overwrite tail[%d]=%q want %q", i, got[i], want[i])
		}
	}
	if ls.Dropped() != 1 {
		t.Fatalf("dropped=%d want=1", ls.Dropped())
	}
}

func TestLineStore_PartialLines(t *testing.T) {
	ls := NewLineStore(10)
	_, _ = ls.Write([]byte("hello"))
	if got := ls.Tail(0); len(got) != 0 {
		t.Fatalf("expected no complete lines yet, got %#v", got)
	}
	_, _ = ls.Write([]byte(" world\n"))
	got := ls.Tail(0)
	if len(got) != 1 || got[0] != "hello world" {
		t.Fatalf("tail=%#v want [hello world]", got)
	}
}

func TestLineStore_Limit(t *testing.T) {
	ls := NewLineStore(10)
	_, _ = ls.Write([]byte("a\nb\nc\nd\n"))
	got := ls.Tail(2)
	want := []string{"c", "d"}
	if len(got) != len(want) {
		t.Fatalf("tail len=%d want=%d: %#v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tail[%d]=%q want %q", i, got[i], want[i])
		}
	}
}
