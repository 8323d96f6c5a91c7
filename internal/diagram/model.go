package diagram

// NodeKind classifies a channel node by how it produces values.
type NodeKind string

const (
	NodeKindKeyed      NodeKind = "keyed"
	NodeKindExpression NodeKind = "expression" // at least one expression segment
	NodeKindEmpty      NodeKind = "empty"      // no keys, evaluates to its default
	NodeKindMissing    NodeKind = "missing"    // referenced but not defined
)

// Channel states shown by the renderers.
const (
	StatusPending  = "pending"
	StatusModified = "modified"
	StatusInactive = "inactive"
	StatusLocked   = "locked"
	StatusCyclic   = "cyclic"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string // evaluation order: a level only reads earlier levels
	Cyclic []string   // channels caught in a reference cycle
}

// Node represents one channel.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Keys   int
	Status string
}

// Edge points from the channel being read to the channel reading it.
type Edge struct {
	From  string
	To    string
	Label string
}

// Node returns the node with id, or nil.
func (m *DiagramModel) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
