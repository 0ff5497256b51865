package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Status is the lifecycle state of a research query.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition can occur from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Query is one submitted research question and its lifecycle record.
// Answer is populated only in the completed state; Metadata carries the
// serialized gateway result on success or a human-readable error on failure.
type Query struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Question    string    `json:"question"`
	SubmittedAt time.Time `json:"submitted_at"`
	Status      Status    `json:"status"`
	Answer      string    `json:"answer,omitempty"`
	Metadata    string    `json:"metadata,omitempty"`
}

// AIServiceConfig is the provider sub-configuration used for outbound calls.
type AIServiceConfig struct {
	Endpoint    string  `json:"endpoint"`
	APIKey      string  `json:"api_key,omitempty"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// ServiceConfig is the single mutable configuration cell. It is read on
// every submission and every AI call; writes replace the whole cell.
type ServiceConfig struct {
	AI               AIServiceConfig `json:"ai_service"`
	AllowedOrigins   []string        `json:"allowed_origins"`
	RateLimitPerUser int             `json:"rate_limit_per_user"`
	WindowSeconds    int             `json:"window_seconds"`
}

// DefaultServiceConfig returns the configuration seeded on first start.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		AI: AIServiceConfig{
			Endpoint:    "https://api.openai.com/v1/chat/completions",
			Model:       "gpt-4",
			MaxTokens:   1000,
			Temperature: 0.7,
		},
		AllowedOrigins:   []string{"*"},
		RateLimitPerUser: 100,
		WindowSeconds:    60,
	}
}

// QueryEntry pairs a query id with its record in a snapshot, preserving
// store iteration order.
type QueryEntry struct {
	ID    string `json:"id"`
	Query Query  `json:"query"`
}

// UserIndexEntry is one user's ordered query-id list in a snapshot.
type UserIndexEntry struct {
	UserID   string   `json:"user_id"`
	QueryIDs []string `json:"query_ids"`
}

// Snapshot is a total serialized copy of the durable state: every query,
// every user index entry, and the configuration cell. Import reconstructs
// the store exactly from it.
type Snapshot struct {
	Queries   []QueryEntry     `json:"queries"`
	UserIndex []UserIndexEntry `json:"user_index"`
	Config    ServiceConfig    `json:"config"`
	CreatedAt time.Time        `json:"created_at"`
}
