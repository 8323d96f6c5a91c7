package channel

import "github.com/rendis/chanops/pkg/schema"

// SaveSnapshot stores a deep copy of the keyed state (segments, disabled
// ranges, defaults and extrapolation) for a later revert.
func (ch *Channel) SaveSnapshot() {
	ch.snapshot = ch.state.clone()
	ch.snapshotCleared = false
	ch.emit(schema.ChangeSnapshot, 0, map[string]any{"op": "save"})
}

// ClearSnapshot drops the stored snapshot and remembers that it was dropped.
func (ch *Channel) ClearSnapshot() {
	ch.snapshot = nil
	ch.snapshotCleared = true
	ch.emit(schema.ChangeSnapshot, 0, map[string]any{"op": "clear"})
}

// HasSnapshot reports whether a snapshot is stored.
func (ch *Channel) HasSnapshot() bool { return ch.snapshot != nil }

// SnapshotCleared reports whether the last snapshot was dropped by
// ClearSnapshot rather than never taken.
func (ch *Channel) SnapshotCleared() bool { return ch.snapshotCleared }

// LoadSnapshot replaces the live state with a copy of the snapshot, which is
// kept.
func (ch *Channel) LoadSnapshot() bool {
	if ch.snapshot == nil || ch.IsLocked() {
		return false
	}
	ch.install(ch.snapshot.clone())
	ch.touch(schema.ChangeSegment, 0)
	return true
}

// SwapSnapshot exchanges the live state with the snapshot in constant time.
// Swapping twice restores the original arrangement.
func (ch *Channel) SwapSnapshot() bool {
	if ch.snapshot == nil || ch.IsLocked() {
		return false
	}
	live := ch.state
	ch.install(ch.snapshot)
	live.owner = nil
	ch.snapshot = live
	ch.touch(schema.ChangeSegment, 0)
	return true
}

// UndoSnapshot restores the live state from previous, a copy taken before an
// edit. The snapshot follows previous as well: it is dropped when
// previousCleared is set, otherwise previous's snapshot (if any) is copied.
func (ch *Channel) UndoSnapshot(previous *Channel, previousCleared bool) bool {
	if previous == nil || ch.IsLocked() {
		return false
	}
	ch.install(previous.state.clone())
	ch.snapshot = nil
	if !previousCleared && previous.snapshot != nil {
		ch.snapshot = previous.snapshot.clone()
	}
	ch.snapshotCleared = previousCleared
	ch.touch(schema.ChangeSegment, 0)
	return true
}

func (ch *Channel) install(st *keyState) {
	st.owner = ch
	st.reindex()
	ch.state = st
}
