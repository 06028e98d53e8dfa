package graph

import "sort"

// Node declares a task and the tasks whose output it needs.
type Node struct {
	Name  string
	Needs []string
}

// Graph is a validated, immutable task dependency graph.
//
// It is safe for concurrent read access.
type Graph struct {
	index      map[string]int
	names      []string // declaration order
	needs      [][]int  // by index, sorted ascending
	dependents [][]int  // by index, sorted ascending
	order      []int    // topological order
	depth      []int    // by index
}

// New builds and validates a Graph from task declarations.
func New(nodes []Node) (*Graph, error) {
	if len(nodes) == 0 {
		return nil, invalidf("no tasks")
	}

	g := &Graph{
		index:      make(map[string]int, len(nodes)),
		names:      make([]string, 0, len(nodes)),
		needs:      make([][]int, len(nodes)),
		dependents: make([][]int, len(nodes)),
	}
	for _, n := range nodes {
		if n.Name == "" {
			return nil, invalidf("task name is required")
		}
		if _, exists := g.index[n.Name]; exists {
			return nil, invalidf("duplicate task name: %q", n.Name)
		}
		g.index[n.Name] = len(g.names)
		g.names = append(g.names, n.Name)
	}

	for i, n := range nodes {
		seen := make(map[int]struct{}, len(n.Needs))
		for _, dep := range n.Needs {
			j, ok := g.index[dep]
			if !ok {
				return nil, invalidf("task %q needs unknown task %q", n.Name, dep)
			}
			if j == i {
				return nil, invalidf("task %q needs itself", n.Name)
			}
			if _, dup := seen[j]; dup {
				return nil, invalidf("task %q lists %q twice", n.Name, dep)
			}
			seen[j] = struct{}{}
			g.needs[i] = append(g.needs[i], j)
			g.dependents[j] = append(g.dependents[j], i)
		}
	}
	for i := range g.names {
		sort.Ints(g.needs[i])
		sort.Ints(g.dependents[i])
	}

	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}
	g.order = g.topoOrder()
	g.depth = g.computeDepth()
	return g, nil
}

// Has reports whether a task is declared.
func (g *Graph) Has(name string) bool {
	_, ok := g.index[name]
	return ok
}

// Names returns task names in declaration order.
func (g *Graph) Names() []string {
	out := make([]string, len(g.names))
	copy(out, g.names)
	return out
}

// Order returns a deterministic topological ordering of task names. Among
// tasks that are ready at the same time, declaration order wins.
func (g *Graph) Order() []string {
	return g.namesOf(g.order)
}

// Needs returns the direct upstream tasks of name.
func (g *Graph) Needs(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.namesOf(g.needs[i])
}

// Dependents returns the tasks that directly need name.
func (g *Graph) Dependents(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.namesOf(g.dependents[i])
}

// Depth returns the length of the longest dependency chain ending at name.
func (g *Graph) Depth(name string) (int, bool) {
	i, ok := g.index[name]
	if !ok {
		return 0, false
	}
	return g.depth[i], true
}

// Closure returns the named tasks plus everything they transitively need, in
// topological order.
func (g *Graph) Closure(names ...string) ([]string, error) {
	keep := make([]bool, len(g.names))
	var visit func(i int)
	visit = func(i int) {
		if keep[i] {
			return
		}
		keep[i] = true
		for _, p := range g.needs[i] {
			visit(p)
		}
	}
	for _, name := range names {
		i, ok := g.index[name]
		if !ok {
			return nil, unknownf("%q", name)
		}
		visit(i)
	}
	out := make([]string, 0, len(names))
	for _, i := range g.order {
		if keep[i] {
			out = append(out, g.names[i])
		}
	}
	return out, nil
}

// Subset returns the named tasks in topological order without pulling in
// their dependencies.
func (g *Graph) Subset(names ...string) ([]string, error) {
	keep := make(map[int]bool, len(names))
	for _, name := range names {
		i, ok := g.index[name]
		if !ok {
			return nil, unknownf("%q", name)
		}
		keep[i] = true
	}
	out := make([]string, 0, len(keep))
	for _, i := range g.order {
		if keep[i] {
			out = append(out, g.names[i])
		}
	}
	return out, nil
}

func (g *Graph) namesOf(idx []int) []string {
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, g.names[i])
	}
	return out
}

// topoOrder is Kahn's algorithm, always releasing the lowest declaration index.
func (g *Graph) topoOrder() []int {
	indeg := make([]int, len(g.names))
	for i := range g.names {
		indeg[i] = len(g.needs[i])
	}
	var ready []int
	for i, d := range indeg {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]int, 0, len(g.names))
	for len(ready) > 0 {
		sort.Ints(ready)
		u := ready[0]
		ready = ready[1:]
		order = append(order, u)
		for _, v := range g.dependents[u] {
			indeg[v]--
			if indeg[v] == 0 {
				ready = append(ready, v)
			}
		}
	}
	return order
}

func (g *Graph) computeDepth() []int {
	depth := make([]int, len(g.names))
	for _, u := range g.order {
		for _, p := range g.needs[u] {
			if depth[p]+1 > depth[u] {
				depth[u] = depth[p] + 1
			}
		}
	}
	return depth
}
