package store

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/rendis/chanops/internal/channel"
	"github.com/rendis/chanops/pkg/schema"
)

// DefinitionValidator checks a collection document before it is loaded.
// Satisfied by validation.CollectionValidator.
type DefinitionValidator interface {
	ValidateDefinition(def *schema.CollectionDefinition) error
}

// ArchiverConfig holds the collaborators of an Archiver.
type ArchiverConfig struct {
	// Lock serialises access to the manager's collections with other
	// editors. Nil means the caller guarantees exclusive access.
	Lock      sync.Locker
	Validator DefinitionValidator
	Logger    *slog.Logger
}

// Archiver moves collections between a channel.Manager and a Store. It
// remembers the revision each collection was loaded or saved at, so a
// concurrent writer to the same database surfaces as CONFLICT.
type Archiver struct {
	store     Store
	manager   *channel.Manager
	lock      sync.Locker
	validator DefinitionValidator
	logger    *slog.Logger

	mu        sync.Mutex
	revisions map[string]int64
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// NewArchiver creates an Archiver for m backed by s.
func NewArchiver(s Store, m *channel.Manager, cfg ArchiverConfig) *Archiver {
	if cfg.Lock == nil {
		cfg.Lock = noopLocker{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Archiver{
		store:     s,
		manager:   m,
		lock:      cfg.Lock,
		validator: cfg.Validator,
		logger:    cfg.Logger,
		revisions: make(map[string]int64),
	}
}

// Save writes the named collection and clears its modified flags.
func (a *Archiver) Save(ctx context.Context, name string) (*CollectionRecord, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	c, ok := a.manager.Collection(name)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "collection %q not found", name)
	}
	return a.save(ctx, c)
}

func (a *Archiver) save(ctx context.Context, c *channel.Collection) (*CollectionRecord, error) {
	a.mu.Lock()
	rev := a.revisions[c.Name()]
	a.mu.Unlock()

	rec := &CollectionRecord{
		ID:         c.ID(),
		Name:       c.Name(),
		Definition: c.Definition(),
		Revision:   rev,
	}
	if err := a.store.SaveCollection(ctx, rec); err != nil {
		return nil, err
	}
	c.ClearModified()

	a.mu.Lock()
	a.revisions[c.Name()] = rec.Revision
	a.mu.Unlock()

	a.logger.Info("collection saved",
		slog.String("collection", rec.Name),
		slog.Int64("revision", rec.Revision),
		slog.Int("channels", rec.ChannelCount))
	return rec, nil
}

// SaveModified saves the named collection if it has modified channels, or
// every modified collection when name is empty. It returns how many
// collections were written. A failure stops the pass.
func (a *Archiver) SaveModified(ctx context.Context, name string) (int, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	var targets []*channel.Collection
	if name != "" {
		c, ok := a.manager.Collection(name)
		if !ok {
			return 0, schema.NewErrorf(schema.ErrCodeNotFound, "collection %q not found", name)
		}
		targets = append(targets, c)
	} else {
		targets = a.manager.Collections()
	}

	saved := 0
	for _, c := range targets {
		if !c.Modified() {
			continue
		}
		if _, err := a.save(ctx, c); err != nil {
			return saved, err
		}
		saved++
	}
	return saved, nil
}

// Restore loads the named collection from the store into the manager. An
// existing collection of that name is replaced.
func (a *Archiver) Restore(ctx context.Context, name string) (*channel.Collection, error) {
	rec, err := a.store.GetCollection(ctx, name)
	if err != nil {
		return nil, err
	}

	a.lock.Lock()
	defer a.lock.Unlock()
	return a.restore(rec)
}

func (a *Archiver) restore(rec *CollectionRecord) (*channel.Collection, error) {
	if a.validator != nil {
		if err := a.validator.ValidateDefinition(&rec.Definition); err != nil {
			return nil, err
		}
	}
	// Check the document on a scratch manager so a bad record leaves the
	// registered collection in place.
	if _, err := channel.NewManager(channel.ManagerConfig{}).LoadCollection(rec.Definition); err != nil {
		return nil, err
	}
	a.manager.RemoveCollection(rec.Name)
	c, err := a.manager.LoadCollection(rec.Definition)
	if err != nil {
		return nil, err
	}
	c.ClearModified()

	a.mu.Lock()
	a.revisions[rec.Name] = rec.Revision
	a.mu.Unlock()
	return c, nil
}

// RestoreAll loads every stored collection. Documents that fail validation
// are logged and skipped; the count of loaded collections is returned.
func (a *Archiver) RestoreAll(ctx context.Context) (int, error) {
	recs, err := a.store.ListCollections(ctx, CollectionFilter{})
	if err != nil {
		return 0, err
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	loaded := 0
	for _, rec := range recs {
		if _, err := a.restore(rec); err != nil {
			a.logger.Warn("skipping stored collection",
				slog.String("collection", rec.Name),
				slog.String("error", err.Error()))
			continue
		}
		loaded++
	}
	return loaded, nil
}

// Revision returns the revision the named collection was last loaded or
// saved at, or 0 if it never touched the store.
func (a *Archiver) Revision(name string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.revisions[name]
}
