package graph

const (
	white = iota
	grey
	black
)

// validateAcyclic runs a DFS over dependency edges and reports the first cycle
// found, naming the tasks on it.
func (g *Graph) validateAcyclic() error {
	color := make([]int, len(g.names))
	stack := make([]int, 0, len(g.names))

	var visit func(u int) error
	visit = func(u int) error {
		color[u] = grey
		stack = append(stack, u)
		for _, v := range g.dependents[u] {
			switch color[v] {
			case grey:
				start := 0
				for i, s := range stack {
					if s == v {
						start = i
						break
					}
				}
				path := g.namesOf(stack[start:])
				path = append(path, g.names[v])
				return cycleError(path)
			case white:
				if err := visit(v); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
		return nil
	}

	for i := range g.names {
		if color[i] == white {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}
