package domain

import (
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusSending, StatusSent, true},
		{StatusSending, StatusFailed, true},
		{StatusFailed, StatusSending, true},
		{StatusSent, StatusSending, false},
		{StatusSent, StatusFailed, false},
		{StatusFailed, StatusSent, false},
		{StatusNone, StatusSending, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%q -> %q = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestConstructors(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	u := NewUserMessage("hi", now)
	if u.Direction != DirectionUser || u.Status != StatusSending || u.Timestamp != "2024-05-01T10:00:00Z" {
		t.Errorf("unexpected user message %+v", u)
	}
	n := NewNotice("bye", now)
	if n.Direction != DirectionSupport || n.Status != StatusNone {
		t.Errorf("unexpected notice %+v", n)
	}
}

func TestResumeHandleAndIdentity(t *testing.T) {
	var nilHandle *ResumeHandle
	if nilHandle.Valid() {
		t.Error("nil handle should be invalid")
	}
	if (&ResumeHandle{ChatKey: "k", Token: " "}).Valid() {
		t.Error("blank token should be invalid")
	}
	if !(&ResumeHandle{ChatKey: "k", Token: "t"}).Valid() {
		t.Error("complete handle should be valid")
	}
	if got := (Identity{Email: " Ada@Example.COM ", Namespace: "acme"}).Key(); got != "ada@example.com@acme" {
		t.Errorf("unexpected key %q", got)
	}
}
