package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Collections
	SaveCollection(ctx context.Context, rec *CollectionRecord) error
	GetCollection(ctx context.Context, name string) (*CollectionRecord, error)
	ListCollections(ctx context.Context, filter CollectionFilter) ([]*CollectionRecord, error)
	DeleteCollection(ctx context.Context, name string) error

	// Change log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, collection string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Autosave jobs
	CreateAutosaveJob(ctx context.Context, job *AutosaveJob) error
	GetAutosaveJob(ctx context.Context, id string) (*AutosaveJob, error)
	UpdateAutosaveJob(ctx context.Context, id string, update AutosaveJobUpdate) error
	ListAutosaveJobs(ctx context.Context, filter AutosaveJobFilter) ([]*AutosaveJob, error)
	DeleteAutosaveJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
