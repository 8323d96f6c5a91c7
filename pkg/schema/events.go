package schema

import "time"

// ChangeType identifies the kind of mutation a ChangeEvent reports.
type ChangeType string

const (
	ChangeKeyValue      ChangeType = "key_value_changed"
	ChangeKeyInserted   ChangeType = "key_inserted"
	ChangeKeyDeleted    ChangeType = "key_deleted"
	ChangeKeyMoved      ChangeType = "key_moved"
	ChangeSegment       ChangeType = "segment_changed"
	ChangeChannelAdded  ChangeType = "channel_added"
	ChangeChannelDelete ChangeType = "channel_deleted"
	ChangeChannelRename ChangeType = "channel_renamed"
	ChangeChannelFlags  ChangeType = "channel_flags_changed"
	ChangePending       ChangeType = "pending_changed"
	ChangeSnapshot      ChangeType = "snapshot_changed"
	ChangeScope         ChangeType = "scope_changed"
	ChangeDisable       ChangeType = "disable_changed"
)

// ChangeEvent is emitted whenever a committing mutation touches a channel or
// collection. Batched edits coalesce into one event per type.
type ChangeEvent struct {
	ID         string         `json:"id,omitempty"`
	Collection string         `json:"collection"`
	Channel    string         `json:"channel,omitempty"`
	Type       ChangeType     `json:"type"`
	Time       float64        `json:"time,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Path returns "collection/channel", or just the collection for
// collection-level events.
func (e ChangeEvent) Path() string {
	if e.Channel == "" {
		return e.Collection
	}
	return e.Collection + "/" + e.Channel
}
