package channel

import "github.com/rendis/chanops/pkg/schema"

// BeginModify opens a batch: change events raised until the matching
// EndModify are coalesced into one event per change type, the latest winning.
func (ch *Channel) BeginModify() {
	ch.modifyDepth++
}

// EndModify closes a batch opened by BeginModify and flushes its events once
// the outermost batch closes.
func (ch *Channel) EndModify() {
	if ch.modifyDepth == 0 {
		contractViolation("EndModify without BeginModify on %s", ch.Path())
		return
	}
	ch.modifyDepth--
	if ch.modifyDepth > 0 {
		return
	}
	queued := ch.queued
	ch.queued = nil
	for _, ev := range queued {
		ch.publish(ev)
	}
}

// touch marks the channel modified and reports the change.
func (ch *Channel) touch(ct schema.ChangeType, lt float64) {
	ch.flags |= FlagModified
	ch.emit(ct, lt, nil)
}

func (ch *Channel) emit(ct schema.ChangeType, lt float64, payload map[string]any) {
	ev := schema.ChangeEvent{
		Channel: ch.name,
		Type:    ct,
		Time:    ch.GlobalTime(lt),
		Payload: payload,
	}
	if ch.collection != nil {
		ev.Collection = ch.collection.Name()
	}
	if ch.modifyDepth > 0 {
		for i, q := range ch.queued {
			if q.Type == ct {
				ch.queued[i] = ev
				return
			}
		}
		ch.queued = append(ch.queued, ev)
		return
	}
	ch.publish(ev)
}

func (ch *Channel) publish(ev schema.ChangeEvent) {
	if m := ch.manager(); m != nil {
		m.Notify(ev)
	}
}
