package channel

import (
	"sort"
	"testing"
)

func TestSession_IsAllowed(t *testing.T) {
	s := NewSession([]string{"u1"})

	if s.IsAllowed("u1") != true {
		t.Fatalf("expected u1 allowed")
	}
	if s.IsAllowed("u2") != false {
		t.Fatalf("expected u2 denied")
	}
}

func TestSession_IsAllowed_CompoundSenderAndUsername(t *testing.T) {
	s := NewSession([]string{"123456", "@alice"})

	if !s.IsAllowed("123456|alice") {
		t.Fatal("expected sender allowed by id in compound sender string")
	}
	if !s.IsAllowed("999999|alice") {
		t.Fatal("expected sender allowed by username with @ prefix")
	}
	if s.IsAllowed("999999|mallory") {
		t.Fatal("expected unknown sender denied")
	}
}

func TestSession_EmptyAllowListDeniesEveryone(t *testing.T) {
	s := NewSession(nil)
	if s.IsAllowed("123") {
		t.Fatal("expected empty allow list to deny")
	}
	if len(s.Recipients()) != 0 {
		t.Fatal("expected no recipients")
	}
}

func TestSession_Recipients(t *testing.T) {
	s := NewSession([]string{" 42 ", "@alice", "7", ""})
	got := s.Recipients()
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	if len(got) != 2 || got[0] != 7 || got[1] != 42 {
		t.Fatalf("unexpected recipients %v", got)
	}
}

func TestSession_AwaitingReason(t *testing.T) {
	s := NewSession([]string{"42"})

	if _, ok := s.TakeAwaitingReason("42"); ok {
		t.Fatal("expected nothing awaited")
	}

	s.AwaitReason("42|alice", "req-1")
	s.AwaitReason("42", "req-2")
	id, ok := s.TakeAwaitingReason("42|alice")
	if !ok || id != "req-2" {
		t.Fatalf("expected latest selection req-2, got %q %v", id, ok)
	}
	if _, ok := s.TakeAwaitingReason("42"); ok {
		t.Fatal("expected reason prompt to be consumed")
	}

	s.AwaitReason("42", "req-3")
	s.AwaitReason("7", "req-3")
	if n := s.ForgetRequest("req-3"); n != 2 {
		t.Fatalf("expected 2 prompts dropped, got %d", n)
	}
	if _, ok := s.TakeAwaitingReason("7"); ok {
		t.Fatal("expected forgotten prompt to be gone")
	}
}
