package channel

import (
	"encoding/json"
	"io"

	"github.com/rendis/chanops/pkg/schema"
)

func (s *Segment) definition() schema.SegmentDefinition {
	d := schema.SegmentDefinition{
		Start:    s.start,
		Length:   s.length,
		Basis:    s.basis.String(),
		InValue:  s.inValue,
		OutValue: s.outValue,
		InSlope:  s.inSlope,
		OutSlope: s.outSlope,
		InAccel:  s.inAccel,
		OutAccel: s.outAccel,
	}
	for _, t := range tieNames {
		if s.ties&t.flag != 0 {
			d.Ties = append(d.Ties, t.name)
		}
	}
	for _, l := range lockNames {
		if s.locks&l.flag != 0 {
			d.Locks = append(d.Locks, l.name)
		}
	}
	if s.expr != nil {
		d.Expression = &schema.ExpressionDefinition{Text: s.expr.Text, Language: s.expr.Language}
	}
	return d
}

func segmentFromDefinition(d schema.SegmentDefinition) (*Segment, error) {
	basis, ok := ParseBasis(d.Basis)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown basis %q", d.Basis)
	}
	s := &Segment{
		start:    d.Start,
		basis:    basis,
		inValue:  d.InValue,
		outValue: d.OutValue,
		inSlope:  clampSlope(d.InSlope),
		outSlope: clampSlope(d.OutSlope),
		inAccel:  clampSlope(d.InAccel),
		outAccel: clampSlope(d.OutAccel),
	}
	s.setLength(d.Length)
tie:
	for _, name := range d.Ties {
		for _, t := range tieNames {
			if t.name == name {
				s.ties |= t.flag
				continue tie
			}
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown tie %q", name)
	}
lock:
	for _, name := range d.Locks {
		for _, l := range lockNames {
			if l.name == name {
				s.locks |= l.flag
				continue lock
			}
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown lock %q", name)
	}
	switch {
	case d.Expression != nil:
		s.expr = &Expression{Text: d.Expression.Text, Language: d.Expression.Language}
		s.basis = BasisExpression
	case basis == BasisExpression:
		return nil, schema.NewError(schema.ErrCodeValidation, "expression basis without expression")
	}
	return s, nil
}

// Definition returns the persisted form of the channel.
func (ch *Channel) Definition() schema.ChannelDefinition {
	st := ch.state
	d := schema.ChannelDefinition{
		Name:          ch.name,
		Alias:         ch.alias,
		Default:       st.defValue,
		DefaultString: st.defString,
		Offset:        ch.offset,
		Locked:        ch.IsLocked(),
		Inactive:      !ch.IsActive(),
	}
	if st.left != BehaviorDefault {
		d.Left = st.left.String()
	}
	if st.right != BehaviorDefault {
		d.Right = st.right.String()
	}
	for _, s := range st.segs {
		d.Segments = append(d.Segments, s.definition())
	}
	for _, r := range st.disabled {
		r = r.clone()
		d.Disabled = append(d.Disabled, schema.DisableDefinition{Start: r.start, End: r.end, Hold: r.hold})
	}
	return d
}

// FromDefinition builds a standalone channel from its persisted form.
// Segment lengths are recomputed from the start times; starts must be
// strictly increasing.
func FromDefinition(d schema.ChannelDefinition) (*Channel, error) {
	if err := validChannelName(d.Name); err != nil {
		return nil, err
	}
	left, ok := ParseBehavior(d.Left)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown extrapolation %q", d.Left).WithChannel(d.Name)
	}
	right, ok := ParseBehavior(d.Right)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown extrapolation %q", d.Right).WithChannel(d.Name)
	}

	ch := New(d.Name, d.Default)
	ch.alias = d.Alias
	ch.offset = d.Offset
	st := ch.state
	st.defString = d.DefaultString
	st.left, st.right = left, right

	for i, sd := range d.Segments {
		if i > 0 && sd.Start <= d.Segments[i-1].Start {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"segment %d starts at %g, not after %g", i, sd.Start, d.Segments[i-1].Start).WithChannel(d.Name)
		}
		s, err := segmentFromDefinition(sd)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "invalid segment").
				WithChannel(d.Name).
				WithDetails(map[string]any{"index": i}).
				WithCause(err)
		}
		if i+1 < len(d.Segments) {
			s.setLength(d.Segments[i+1].Start - sd.Start)
		}
		st.segs = append(st.segs, s)
	}
	if n := len(st.segs); n > 0 {
		st.segs[n-1].ties &^= tieOutAll
		st.segs[0].ties &^= tieInAll
	}
	st.reindex()
	st.syncEnd()

	for _, dd := range d.Disabled {
		if dd.End <= dd.Start {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"disabled range [%g, %g) is empty", dd.Start, dd.End).WithChannel(d.Name)
		}
		r := disableRange{start: dd.Start, end: dd.End, hold: dd.Hold}.clone()
		st.disabled = append(subtractRange(st.disabled, dd.Start, dd.End), r)
		sortRanges(st.disabled)
	}
	st.disabled = mergeRanges(st.disabled, ch.tolerance())

	if d.Locked {
		ch.flags |= FlagLocked
	}
	if d.Inactive {
		ch.flags |= FlagInactive
	}
	return ch, nil
}

// Save writes the channel as an indented JSON document.
func (ch *Channel) Save(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(ch.Definition()); err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode channel").WithChannel(ch.Path()).WithCause(err)
	}
	return nil
}

// LoadChannel reads a channel written by Save.
func LoadChannel(r io.Reader) (*Channel, error) {
	var d schema.ChannelDefinition
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode channel").WithCause(err)
	}
	return FromDefinition(d)
}

// Clone returns a detached deep copy: keys, disabled ranges, pending value,
// snapshot and flags. The copy belongs to no collection.
func (ch *Channel) Clone() *Channel {
	cp := &Channel{
		name:            ch.name,
		alias:           ch.alias,
		offset:          ch.offset,
		pending:         ch.pending,
		flags:           ch.flags,
		snapshotCleared: ch.snapshotCleared,
	}
	cp.install(ch.state.clone())
	if ch.snapshot != nil {
		cp.snapshot = ch.snapshot.clone()
	}
	return cp
}

// Definition returns the persisted form of the collection.
func (c *Collection) Definition() schema.CollectionDefinition {
	d := schema.CollectionDefinition{
		Version:  schema.DocumentVersion,
		ID:       c.id,
		Name:     c.name,
		Channels: make([]schema.ChannelDefinition, 0, len(c.channels)),
		Metadata: c.metadata,
	}
	for _, ch := range c.channels {
		d.Channels = append(d.Channels, ch.Definition())
	}
	return d
}

// LoadCollection builds and registers a collection from its persisted form.
// The whole document is checked before anything is registered.
func (m *Manager) LoadCollection(d schema.CollectionDefinition) (*Collection, error) {
	if d.Version > schema.DocumentVersion {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"document version %d is newer than supported %d", d.Version, schema.DocumentVersion)
	}
	c := &Collection{
		id:       d.ID,
		name:     d.Name,
		manager:  m,
		byName:   make(map[string]*Channel, len(d.Channels)),
		metadata: d.Metadata,
	}
	if c.id == "" {
		c.id = newID()
	}
	for _, cd := range d.Channels {
		ch, err := FromDefinition(cd)
		if err != nil {
			return nil, err
		}
		if _, dup := c.byName[ch.name]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "channel %q defined twice", ch.name).
				WithChannel(d.Name + "/" + ch.name)
		}
		c.attach(ch)
	}
	if err := validCollectionName(d.Name); err != nil {
		return nil, err
	}
	if err := m.register(c); err != nil {
		return nil, err
	}
	return c, nil
}
