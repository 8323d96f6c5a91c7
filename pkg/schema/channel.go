package schema

// DocumentVersion is the current persisted layout version.
const DocumentVersion = 1

// CollectionDefinition is the JSON-serializable form of a channel collection.
type CollectionDefinition struct {
	Version  int                 `json:"version"`
	ID       string              `json:"id,omitempty"`
	Name     string              `json:"name"`
	Channels []ChannelDefinition `json:"channels"`
	Metadata map[string]any      `json:"metadata,omitempty"`
}

// ChannelDefinition is the persisted form of one channel.
type ChannelDefinition struct {
	Name          string              `json:"name"`
	Alias         string              `json:"alias,omitempty"`
	Default       float64             `json:"default"`
	DefaultString string              `json:"default_string,omitempty"`
	Offset        float64             `json:"offset,omitempty"`
	Left          string              `json:"left,omitempty"`  // extrapolation behavior
	Right         string              `json:"right,omitempty"` // extrapolation behavior
	Locked        bool                `json:"locked,omitempty"`
	Inactive      bool                `json:"inactive,omitempty"`
	Segments      []SegmentDefinition `json:"segments,omitempty"`
	Disabled      []DisableDefinition `json:"disabled,omitempty"`
}

// SegmentDefinition is the persisted form of one segment. The final segment
// of a channel always has Length 0.
type SegmentDefinition struct {
	Start      float64               `json:"start"`
	Length     float64               `json:"length"`
	Basis      string                `json:"basis"`
	InValue    float64               `json:"in_value"`
	OutValue   float64               `json:"out_value"`
	InSlope    float64               `json:"in_slope,omitempty"`
	OutSlope   float64               `json:"out_slope,omitempty"`
	InAccel    float64               `json:"in_accel,omitempty"`
	OutAccel   float64               `json:"out_accel,omitempty"`
	Ties       []string              `json:"ties,omitempty"`
	Locks      []string              `json:"locks,omitempty"`
	Expression *ExpressionDefinition `json:"expression,omitempty"`
}

// ExpressionDefinition carries expression text and its language.
type ExpressionDefinition struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// DisableDefinition is a persisted disabled range.
type DisableDefinition struct {
	Start float64  `json:"start"`
	End   float64  `json:"end"`
	Hold  *float64 `json:"hold,omitempty"`
}
