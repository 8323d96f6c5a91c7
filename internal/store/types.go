package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/chanops/pkg/schema"
)

// CollectionRecord is the persisted representation of a channel collection.
// Revision starts at 1 and increments on every save.
type CollectionRecord struct {
	ID           string                      `json:"id"`
	Name         string                      `json:"name"`
	Definition   schema.CollectionDefinition `json:"definition"`
	ChannelCount int                         `json:"channel_count"`
	Revision     int64                       `json:"revision"`
	CreatedAt    time.Time                   `json:"created_at"`
	UpdatedAt    time.Time                   `json:"updated_at"`
}

// Event is an immutable entry in the change log.
type Event struct {
	ID         int64           `json:"id"`
	EventID    string          `json:"event_id,omitempty"`
	Collection string          `json:"collection"`
	Channel    string          `json:"channel,omitempty"`
	Type       string          `json:"event_type"`
	Time       float64         `json:"time,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// AutosaveJob is a cron-triggered save. An empty Collection saves every
// modified collection.
type AutosaveJob struct {
	ID             string     `json:"id"`
	Collection     string     `json:"collection,omitempty"`
	CronExpression string     `json:"cron_expression"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// --- Filter and update types ---

// CollectionFilter specifies criteria for listing collections.
type CollectionFilter struct {
	NamePrefix string     `json:"name_prefix,omitempty"`
	Since      *time.Time `json:"since,omitempty"` // updated at or after
	Limit      int        `json:"limit,omitempty"`
	Offset     int        `json:"offset,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	Collection string     `json:"collection,omitempty"`
	Channel    string     `json:"channel,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// AutosaveJobUpdate specifies mutable fields of an autosave job.
type AutosaveJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// AutosaveJobFilter specifies criteria for listing autosave jobs.
type AutosaveJobFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	Collection string `json:"collection,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
