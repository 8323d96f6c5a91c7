package channel

// KeySide is the value, slope and acceleration on one side of a key.
type KeySide struct {
	Value float64 `json:"value"`
	Slope float64 `json:"slope"`
	Accel float64 `json:"accel"`
}

// Key is a full keyframe description. In is the arriving side (the out
// boundary of the segment ending at the key); Out is the leaving side (the in
// boundary of the segment starting at the key). Time is global.
type Key struct {
	Time       float64     `json:"time"`
	In         KeySide     `json:"in"`
	Out        KeySide     `json:"out"`
	ValueTied  bool        `json:"value_tied"`
	SlopeTied  bool        `json:"slope_tied"`
	AccelTied  bool        `json:"accel_tied"`
	Basis      Basis       `json:"basis"`
	Expression *Expression `json:"expression,omitempty"`
}

// Expression is expression source attached to a segment. An empty Language
// selects the evaluator's default.
type Expression struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// Expression languages understood by the bundled evaluator.
const (
	LanguageExpr = "expr"
	LanguageCEL  = "cel"
	LanguageJQ   = "jq"
)

func (e *Expression) clone() *Expression {
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}
