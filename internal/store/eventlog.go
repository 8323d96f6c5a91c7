package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/chanops/pkg/schema"
)

// EventLog records channel change events on top of a LibSQLStore. It
// satisfies streaming.Publisher, so it can sit behind the Manager's
// publisher next to the in-memory hub.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide change-log operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// Publish appends a change event to the log.
func (el *EventLog) Publish(ctx context.Context, ev schema.ChangeEvent) error {
	e := &Event{
		EventID:    ev.ID,
		Collection: ev.Collection,
		Channel:    ev.Channel,
		Type:       string(ev.Type),
		Time:       ev.Time,
		Timestamp:  ev.Timestamp,
	}
	if len(ev.Payload) > 0 {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "marshal payload of %s event", ev.Type).WithCause(err)
		}
		e.Payload = payload
	}
	return el.AppendEvent(ctx, e)
}

// AppendEvent appends an event with a monotonically increasing
// per-collection sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction; a write forces
	// the lock before the sequence is read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a collection with sequence > since, ordered
// by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, collection string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, collection, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType schema.ChangeType, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, string(eventType), filter)
}

// ChannelHistory summarises the logged edits of one channel.
type ChannelHistory struct {
	Channel     string         `json:"channel"`
	Edits       int            `json:"edits"`
	KeyInserts  int            `json:"key_inserts"`
	KeyDeletes  int            `json:"key_deletes"`
	Deleted     bool           `json:"deleted"`
	RenamedFrom string         `json:"renamed_from,omitempty"`
	LastType    string         `json:"last_type"`
	LastEditAt  time.Time      `json:"last_edit_at"`
	LastPayload map[string]any `json:"last_payload,omitempty"`
}

// ReplayEvents folds the log of a collection into per-channel histories,
// keyed by the channel's latest name. Returns an error if sequence gaps are
// detected.
func (el *EventLog) ReplayEvents(ctx context.Context, collection string) (map[string]*ChannelHistory, error) {
	events, err := el.store.GetEvents(ctx, collection, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in collection %s: expected %d, got %d", collection, expected, e.Sequence)
		}
	}

	histories := make(map[string]*ChannelHistory)
	for _, e := range events {
		if e.Channel == "" {
			continue
		}
		var payload map[string]any
		if len(e.Payload) > 0 {
			_ = json.Unmarshal(e.Payload, &payload)
		}

		name := e.Channel
		if schema.ChangeType(e.Type) == schema.ChangeChannelRename {
			if from, _ := payload["from"].(string); from != "" {
				if h, ok := histories[from]; ok {
					delete(histories, from)
					h.Channel = name
					h.RenamedFrom = from
					histories[name] = h
				}
			}
		}

		h, ok := histories[name]
		if !ok {
			h = &ChannelHistory{Channel: name}
			histories[name] = h
		}
		h.Edits++
		h.LastType = e.Type
		h.LastEditAt = e.Timestamp
		h.LastPayload = payload

		switch schema.ChangeType(e.Type) {
		case schema.ChangeKeyInserted:
			h.KeyInserts++
		case schema.ChangeKeyDeleted:
			h.KeyDeletes++
		case schema.ChangeChannelDelete:
			h.Deleted = true
		case schema.ChangeChannelAdded:
			h.Deleted = false
		}
	}
	return histories, nil
}
