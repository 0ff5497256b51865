// Package validate applies synchronous input-sanity and content checks to
// incoming submissions. The content denylist is an advisory coarse filter,
// not a security boundary; prompt handling upstream must not rely on it.
package validate

import (
	"fmt"
	"strings"
)

const (
	maxQuestionLen = 5000
	maxUserIDLen   = 100
)

// denylist holds injection-indicative substrings matched case-insensitively
// against the question.
var denylist = []string{
	"inject", "script", "eval", "exec", "system",
	"<script", "javascript:", "data:",
}

// Error describes a rejected submission. Rejections leave no trace in storage.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Check validates question and userID in order, first failure wins.
// It has no side effects.
func Check(question, userID string) error {
	if strings.TrimSpace(question) == "" {
		return &Error{Field: "question", Reason: "cannot be empty"}
	}
	if len(question) > maxQuestionLen {
		return &Error{Field: "question", Reason: fmt.Sprintf("too long (max %d characters)", maxQuestionLen)}
	}
	if strings.TrimSpace(userID) == "" {
		return &Error{Field: "user_id", Reason: "cannot be empty"}
	}
	if len(userID) > maxUserIDLen {
		return &Error{Field: "user_id", Reason: fmt.Sprintf("too long (max %d characters)", maxUserIDLen)}
	}

	lower := strings.ToLower(question)
	for _, pattern := range denylist {
		if strings.Contains(lower, pattern) {
			return &Error{Field: "question", Reason: "contains potentially harmful content"}
		}
	}
	return nil
}
