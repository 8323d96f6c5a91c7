package streaming

import (
	"context"
	"errors"
	"slices"

	"github.com/rendis/chanops/pkg/schema"
)

// EventFilter specifies which change events a subscriber wants to receive.
// Zero fields match everything.
type EventFilter struct {
	Collection string              `json:"collection,omitempty"`
	Channel    string              `json:"channel,omitempty"`
	Types      []schema.ChangeType `json:"types,omitempty"`
}

// Match reports whether e passes the filter.
func (f EventFilter) Match(e schema.ChangeEvent) bool {
	if f.Collection != "" && f.Collection != e.Collection {
		return false
	}
	if f.Channel != "" && f.Channel != e.Channel {
		return false
	}
	return len(f.Types) == 0 || slices.Contains(f.Types, e.Type)
}

// Publisher accepts change events. channel.Manager publishes through it.
type Publisher interface {
	Publish(ctx context.Context, event schema.ChangeEvent) error
}

// EventHub provides pub/sub for channel change events.
type EventHub interface {
	Publisher
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.ChangeEvent, func(), error)
}

// Fanout publishes every event to each publisher in order. All publishers
// see the event even when an earlier one fails; the errors are joined.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event schema.ChangeEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
