package core

// ProcessDag is the subgraph reachable from a start-node-name list and a
// recovery-node-name list, sliced according to a TaskDependType. It is
// the intermediate shape GenerateFlowDag produces before a DagEngine
// begins traversing it.
type ProcessDag struct {
	*DAG
}

// GenerateFlowDag parses a DAG definition and slices it down to the
// subgraph reachable given startNames/recoveryNames and depType. An
// empty startNames and recoveryNames with depType TaskDependAll yields
// the full DAG unchanged — this is the identity case exercised by the
// definition-JSON round-trip property tests.
func GenerateFlowDag(nodes []*TaskNode, dagName string, startNames, recoveryNames []string, depType TaskDependType) (*ProcessDag, error) {
	full, err := NewDAG(dagName, nodes)
	if err != nil {
		return nil, err
	}

	if len(startNames) == 0 && len(recoveryNames) == 0 {
		return &ProcessDag{DAG: full}, nil
	}

	seeds := make(map[string]bool)
	for _, n := range startNames {
		seeds[n] = true
	}
	for _, n := range recoveryNames {
		seeds[n] = true
	}

	keep := make(map[string]bool)
	switch depType {
	case TaskDependForward:
		// Only the seeds and everything reachable downstream of them.
		for name := range seeds {
			collectDescendants(full, name, keep)
			keep[name] = true
		}
	case TaskDependBackward:
		// The seeds and everything their ancestors need to have completed.
		for name := range seeds {
			collectAncestors(full, name, keep)
			keep[name] = true
		}
	default: // TaskDependAll
		for name := range seeds {
			collectAncestors(full, name, keep)
			collectDescendants(full, name, keep)
			keep[name] = true
		}
	}

	sliced := make([]*TaskNode, 0, len(keep))
	for name := range keep {
		if n, ok := full.Nodes[name]; ok {
			cp := *n
			cp.Deps = nil
			for _, dep := range n.Deps {
				if keep[dep] {
					cp.Deps = append(cp.Deps, dep)
				}
			}
			sliced = append(sliced, &cp)
		}
	}

	d, err := NewDAG(dagName, sliced)
	if err != nil {
		return nil, err
	}
	return &ProcessDag{DAG: d}, nil
}

func collectDescendants(d *DAG, name string, keep map[string]bool) {
	for _, child := range d.Children(name) {
		if keep[child] {
			continue
		}
		keep[child] = true
		collectDescendants(d, child, keep)
	}
}

func collectAncestors(d *DAG, name string, keep map[string]bool) {
	for _, parent := range d.Parents(name) {
		if keep[parent] {
			continue
		}
		keep[parent] = true
		collectAncestors(d, parent, keep)
	}
}
