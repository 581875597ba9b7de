package memory

import (
	"errors"
	"testing"
	"time"
)

func TestBindName(t *testing.T) {
	ms := NewMemStore()
	now := time.Now()
	ms.Add("a", now)
	ms.Add("b", now.Add(time.Second))

	tests := []struct {
		name    string
		id      string
		user    string
		wantErr error
	}{
		{"ok", "a", "alice", nil},
		{"rebind", "a", "alice2", ErrAlreadyBound},
		{"taken", "b", "alice", ErrNameTaken},
		{"too short", "b", "al", ErrInvalidName},
		{"bad chars", "b", "bob smith", ErrInvalidName},
		{"too long", "b", "abcdefghijklmnopq", ErrInvalidName},
		{"unknown session", "zzz", "carol", ErrSessionNotFound},
		{"second ok", "b", "bob_2-x", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ms.BindName(tt.id, tt.user)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if ids := ms.Authenticated(); len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("unexpected authenticated sessions %v", ids)
	}
}

func TestRemoveReleasesName(t *testing.T) {
	ms := NewMemStore()
	ms.Add("a", time.Now())
	if err := ms.BindName("a", "alice"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	s, ok := ms.Remove("a")
	if !ok || s.Username != "alice" {
		t.Fatalf("unexpected removed session %+v", s)
	}
	if _, ok = ms.Remove("a"); ok {
		t.Error("double remove must report false")
	}

	ms.Add("b", time.Now())
	if err := ms.BindName("b", "alice"); err != nil {
		t.Errorf("released name must be reusable, got %v", err)
	}
}

func TestNeedsFullFrameFlags(t *testing.T) {
	ms := NewMemStore()
	ms.Add("a", time.Now())
	ms.Add("b", time.Now())
	if !ms.TakeNeedsFullFrame() {
		t.Fatal("new session must need a full frame")
	}
	if ms.TakeNeedsFullFrame() {
		t.Fatal("flags must be cleared by the first take")
	}
	ms.MarkNeedsFullFrame("a")
	ms.MarkNeedsFullFrame("ghost")
	if !ms.TakeNeedsFullFrame() {
		t.Error("flag must be set again")
	}
	if ms.TakeNeedsFullFrame() {
		t.Error("flag must be cleared again")
	}
	if ms.Count() != 2 {
		t.Errorf("unexpected count %d", ms.Count())
	}
}
