package core

import "fmt"

// NewDAG builds a DAG from a flat node list, wiring up bidirectional
// adjacency and rejecting cycles.
func NewDAG(name string, nodes []*TaskNode) (*DAG, error) {
	d := &DAG{
		Name:     name,
		Nodes:    make(map[string]*TaskNode, len(nodes)),
		children: make(map[string][]string),
		parents:  make(map[string][]string),
	}

	for _, n := range nodes {
		if _, exists := d.Nodes[n.Name]; exists {
			return nil, fmt.Errorf("duplicate node name %q", n.Name)
		}
		d.Nodes[n.Name] = n
	}

	for _, n := range nodes {
		for _, dep := range n.Deps {
			if _, ok := d.Nodes[dep]; !ok {
				return nil, fmt.Errorf("node %q depends on unknown node %q", n.Name, dep)
			}
			d.parents[n.Name] = append(d.parents[n.Name], dep)
			d.children[dep] = append(d.children[dep], n.Name)
		}
	}

	if err := d.checkCycle(); err != nil {
		return nil, err
	}

	return d, nil
}

// checkCycle performs a DFS-based cycle detection over the dependency graph.
func (d *DAG) checkCycle() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(d.Nodes))

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case gray:
			return fmt.Errorf("cycle detected at node %q", name)
		case black:
			return nil
		}
		color[name] = gray
		for _, child := range d.children[name] {
			if err := visit(child); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}

	for name := range d.Nodes {
		if color[name] == white {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Sources returns node names with no (non-forbidden) dependencies.
func (d *DAG) Sources() []string {
	var out []string
	for name, n := range d.Nodes {
		if n.Forbidden {
			continue
		}
		if len(d.NonForbiddenParents(name)) == 0 {
			out = append(out, name)
		}
	}
	return out
}

// NonForbiddenParents returns the parents of a node that are not pruned.
func (d *DAG) NonForbiddenParents(name string) []string {
	var out []string
	for _, p := range d.parents[name] {
		if n, ok := d.Nodes[p]; ok && !n.Forbidden {
			out = append(out, p)
		}
	}
	return out
}

// Children returns the direct successors of a node in insertion order.
func (d *DAG) Children(name string) []string {
	return d.children[name]
}

// Parents returns the direct predecessors of a node, forbidden or not.
func (d *DAG) Parents(name string) []string {
	return d.parents[name]
}

// Prune removes forbidden nodes from traversal by marking them so
// descendants treat them as already-satisfied. It does not delete the
// node from the map since TaskJSON lookups still need it.
func (d *DAG) Prune(forbiddenNames []string) {
	for _, name := range forbiddenNames {
		if n, ok := d.Nodes[name]; ok {
			n.Forbidden = true
		}
	}
}
