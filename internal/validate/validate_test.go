package validate

import (
	"errors"
	"strings"
	"testing"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		name      string
		question  string
		userID    string
		wantField string // empty means accepted
	}{
		{"valid", "What is the boiling point of water?", "alice", ""},
		{"empty question", "", "alice", "question"},
		{"whitespace question", "   \t\n", "alice", "question"},
		{"question too long", strings.Repeat("a", 5001), "alice", "question"},
		{"question at limit", strings.Repeat("a", 5000), "alice", ""},
		{"empty user", "What is water?", "", "user_id"},
		{"whitespace user", "What is water?", "  ", "user_id"},
		{"user too long", "What is water?", strings.Repeat("u", 101), "user_id"},
		{"user at limit", "What is water?", strings.Repeat("u", 100), ""},
		{"script tag", "Tell me about <script>alert(1)</script>", "alice", "question"},
		{"denylist word uppercase", "How do I EXEC a plan?", "alice", "question"},
		{"denylist substring", "What is an executive order?", "alice", "question"},
		{"javascript scheme", "Explain javascript: URLs", "alice", "question"},
		{"data scheme", "What is a data: URI?", "alice", "question"},
		{"coarse substring match", "What is an ecosystem?", "alice", "question"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.question, tt.userID)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Check() = %v, want nil", err)
				}
				return
			}
			var vErr *Error
			if !errors.As(err, &vErr) {
				t.Fatalf("Check() = %v, want *Error", err)
			}
			if vErr.Field != tt.wantField {
				t.Errorf("field = %q, want %q", vErr.Field, tt.wantField)
			}
		})
	}
}

func TestCheckOrderFirstFailureWins(t *testing.T) {
	// Both the question and the user id are invalid; the question check runs first.
	err := Check("", "")
	var vErr *Error
	if !errors.As(err, &vErr) {
		t.Fatalf("Check() = %v, want *Error", err)
	}
	if vErr.Field != "question" {
		t.Errorf("field = %q, want %q", vErr.Field, "question")
	}
}

func TestCheckLengthBeforeContent(t *testing.T) {
	// An over-long question containing denylisted content reports the length.
	q := strings.Repeat("x", 5000) + "<script>"
	err := Check(q, "alice")
	var vErr *Error
	if !errors.As(err, &vErr) {
		t.Fatalf("Check() = %v, want *Error", err)
	}
	if !strings.Contains(vErr.Reason, "too long") {
		t.Errorf("reason = %q, want length failure", vErr.Reason)
	}
}
