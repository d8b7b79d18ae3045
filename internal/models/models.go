// Package models defines the gorm-backed persistent store schema for the key pool.
package models

import "time"

// Tier classifies an API key as free or paid. Tier controls selection policy
// in the Key Pool Manager's acquisition algorithm.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// APIKey corresponds to the api_keys table. Primary identity is the token
// itself; it is unique across both tier files after a sync.
type APIKey struct {
	Key       string `gorm:"primaryKey;type:varchar(255)" json:"key"`
	KeyType   Tier   `gorm:"type:varchar(16);not null;default:free;index" json:"key_type"`
	IsActive  bool   `gorm:"not null;default:true;index" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

func (APIKey) TableName() string { return "api_keys" }

// KeyStats holds the per-key counters and timestamps. One row per known key,
// created alongside its APIKey row and never deleted.
type KeyStats struct {
	Key                 string     `gorm:"primaryKey;type:varchar(255)" json:"key"`
	TotalRequests       int64      `gorm:"not null;default:0" json:"total_requests"`
	SuccessfulRequests  int64      `gorm:"not null;default:0" json:"successful_requests"`
	FailedRequests      int64      `gorm:"not null;default:0" json:"failed_requests"`
	ConsecutiveFailures int        `gorm:"not null;default:0" json:"consecutive_failures"`
	LastUsed            *time.Time `json:"last_used,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastErrorCode       *int       `json:"last_error_code,omitempty"`
	LastErrorTime       *time.Time `json:"last_error_time,omitempty"`
	ErrorCounts         string     `gorm:"type:text;not null;default:'{}'" json:"-"`
}

func (KeyStats) TableName() string { return "key_stats" }

// RateLimitEvent records one acquisition of a key. Rows older than 24 hours
// are garbage-collected on every acquisition (see keypool.Cleanup).
type RateLimitEvent struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Key         string    `gorm:"type:varchar(255);not null;index:idx_rate_limits_key_time" json:"key"`
	RequestTime time.Time `gorm:"not null;index:idx_rate_limits_key_time" json:"request_time"`
}

func (RateLimitEvent) TableName() string { return "rate_limits" }

// Suspension is a time-bounded exclusion of a key from selection. At most
// one row exists per key; it is upserted by suspend and deleted by cleanup
// or invalidate.
type Suspension struct {
	Key        string    `gorm:"primaryKey;type:varchar(255)" json:"key"`
	ResumeTime time.Time `gorm:"not null" json:"resume_time"`
	Reason     string    `gorm:"type:varchar(255)" json:"reason"`
}

func (Suspension) TableName() string { return "suspended_keys" }

// GlobalState is a tiny key/value table. The mandatory row is
// free_key_consecutive_failures.
type GlobalState struct {
	Key   string `gorm:"primaryKey;type:varchar(255)" json:"key"`
	Value string `gorm:"type:text;not null" json:"value"`
}

func (GlobalState) TableName() string { return "global_state" }

// FreeKeyFailuresStateKey is the GlobalState row key for the tier-wide
// consecutive-failure counter over free keys.
const FreeKeyFailuresStateKey = "free_key_consecutive_failures"

// Turn is one entry in the chat history: a user or model message made up of
// an ordered list of parts.
type Turn struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is either a text fragment or an inline base64 data blob (image).
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inline_data,omitempty"`
}

// InlineData carries a base64-encoded attachment, typically an image.
type InlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}
