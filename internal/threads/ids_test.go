package threads

import (
	"errors"
	"strings"
	"testing"
)

func TestNewThreadIDIsValid(t *testing.T) {
	for i := 0; i < 10; i++ {
		id := NewThreadID()
		if err := ValidateThreadID(id); err != nil {
			t.Fatalf("generated id %q invalid: %v", id, err)
		}
	}
}

func TestNewSessionIDPrefix(t *testing.T) {
	id := NewSessionID()
	if !strings.HasPrefix(id, SessionIDPrefix) {
		t.Fatalf("session id %q lacks prefix %q", id, SessionIDPrefix)
	}
}

func TestValidateThreadID(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{"generated", NewThreadID(), true},
		{"minimum length", "thr_" + strings.Repeat("a", 28), true},
		{"maximum length", "thr_" + strings.Repeat("z", 60), true},
		{"mixed case and digits", "thr_Abc123Def456Ghi789Jkl012Mno3", true},
		{"empty", "", false},
		{"missing prefix", strings.Repeat("a", 36), false},
		{"wrong prefix", "thread_" + strings.Repeat("a", 32), false},
		{"too short", "thr_abc", false},
		{"too long", "thr_" + strings.Repeat("a", 70), false},
		{"whitespace in body", "thr_" + strings.Repeat("a", 20) + " " + strings.Repeat("a", 10), false},
		{"hyphen in body", "thr_" + strings.Repeat("a", 20) + "-" + strings.Repeat("a", 10), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateThreadID(tt.id)
			if tt.valid && err != nil {
				t.Fatalf("ValidateThreadID(%q) = %v, want nil", tt.id, err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidThreadID) {
				t.Fatalf("ValidateThreadID(%q) = %v, want ErrInvalidThreadID", tt.id, err)
			}
		})
	}
}
