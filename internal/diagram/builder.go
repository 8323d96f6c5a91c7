package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/chanops/internal/channel"
	"github.com/rendis/chanops/internal/expressions"
	"github.com/rendis/chanops/pkg/schema"
)

// Build constructs the dependency graph of a collection document. status
// maps channel names to one of the Status constants and may be nil.
func Build(def *schema.CollectionDefinition, status map[string]string) (*DiagramModel, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "collection definition is nil")
	}

	model := &DiagramModel{Title: def.Name}
	ids := make([]string, 0, len(def.Channels))
	deps := make(map[string][]string, len(def.Channels))
	defined := make(map[string]bool, len(def.Channels))
	for i := range def.Channels {
		defined[def.Channels[i].Name] = true
	}

	var missing []string
	for i := range def.Channels {
		cd := &def.Channels[i]
		node := channelNode(cd)
		if s, ok := status[cd.Name]; ok {
			node.Status = s
		}
		model.Nodes = append(model.Nodes, node)
		ids = append(ids, cd.Name)

		for _, ref := range channelRefs(cd) {
			deps[cd.Name] = append(deps[cd.Name], ref)
			model.Edges = append(model.Edges, Edge{From: ref, To: cd.Name})
			if ref == cd.Name {
				model.Cyclic = append(model.Cyclic, ref)
			}
			if !defined[ref] {
				defined[ref] = true
				missing = append(missing, ref)
			}
		}
	}
	for _, ref := range missing {
		model.Nodes = append(model.Nodes, &Node{ID: ref, Label: ref + "\n(missing)", Kind: NodeKindMissing})
		ids = append(ids, ref)
	}

	var cyclic []string
	model.Levels, cyclic = levelize(ids, deps)
	for _, id := range cyclic {
		if !contains(model.Cyclic, id) {
			model.Cyclic = append(model.Cyclic, id)
		}
	}
	for _, id := range model.Cyclic {
		model.Node(id).Status = StatusCyclic
	}
	return model, nil
}

// BuildCollection builds the graph of a live collection with its channel
// states overlaid.
func BuildCollection(c *channel.Collection) (*DiagramModel, error) {
	def := c.Definition()
	status := make(map[string]string)
	for _, ch := range c.Channels() {
		switch {
		case ch.IsPending():
			status[ch.Name()] = StatusPending
		case ch.IsModified():
			status[ch.Name()] = StatusModified
		case !ch.IsActive():
			status[ch.Name()] = StatusInactive
		case ch.IsLocked():
			status[ch.Name()] = StatusLocked
		}
	}
	return Build(&def, status)
}

func channelNode(cd *schema.ChannelDefinition) *Node {
	node := &Node{ID: cd.Name, Kind: NodeKindKeyed, Keys: keyCount(cd)}
	switch {
	case len(cd.Segments) == 0:
		node.Kind = NodeKindEmpty
		node.Label = fmt.Sprintf("%s\n(default %g)", cd.Name, cd.Default)
	default:
		for _, sd := range cd.Segments {
			if sd.Expression != nil {
				node.Kind = NodeKindExpression
				break
			}
		}
		node.Label = fmt.Sprintf("%s\n(%d keys)", cd.Name, node.Keys)
	}
	if cd.Inactive && node.Status == "" {
		node.Status = StatusInactive
	}
	return node
}

// keyCount is the number of keys. Each key starts one segment; the last
// starts the zero-length end segment.
func keyCount(cd *schema.ChannelDefinition) int {
	return len(cd.Segments)
}

// channelRefs returns the channels cd's expression segments read, in
// first-use order.
func channelRefs(cd *schema.ChannelDefinition) []string {
	var out []string
	for _, sd := range cd.Segments {
		if sd.Expression == nil {
			continue
		}
		e := channel.Expression{Text: sd.Expression.Text, Language: sd.Expression.Language}
		for _, ref := range expressions.References(e) {
			if !contains(out, ref) {
				out = append(out, ref)
			}
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}
