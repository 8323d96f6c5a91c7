package diagram

// levelize orders ids so every node comes after the nodes it reads, using
// Kahn's algorithm one level at a time. deps maps a node to the nodes it
// reads; self references are ignored. Nodes left over sit on a cycle.
func levelize(ids []string, deps map[string][]string) (levels [][]string, cyclic []string) {
	inDegree := make(map[string]int, len(ids))
	reverse := make(map[string][]string, len(ids))
	for _, id := range ids {
		inDegree[id] += 0
		for _, dep := range deps[id] {
			if dep == id {
				continue
			}
			inDegree[id]++
			reverse[dep] = append(reverse[dep], id)
		}
	}

	var current []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}
	placed := 0
	for len(current) > 0 {
		levels = append(levels, current)
		placed += len(current)
		var next []string
		for _, id := range current {
			for _, dependent := range reverse[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = sortByIndex(next, ids)
	}

	if placed < len(ids) {
		for _, id := range ids {
			if inDegree[id] > 0 {
				cyclic = append(cyclic, id)
			}
		}
	}
	return levels, cyclic
}

// sortByIndex orders subset by position in ids.
func sortByIndex(subset, ids []string) []string {
	if len(subset) < 2 {
		return subset
	}
	in := make(map[string]bool, len(subset))
	for _, s := range subset {
		in[s] = true
	}
	out := subset[:0]
	for _, id := range ids {
		if in[id] {
			out = append(out, id)
			delete(in, id)
		}
	}
	return out
}
