package engine

import (
	"fmt"
	"sort"
	"strings"
)

// CycleError reports a dependency cycle between calculated fields. The
// schema is rejected as a whole; a partial evaluation order is never
// produced.
type CycleError struct {
	Paths []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("calculation dependency cycle involving %s", strings.Join(e.Paths, ", "))
}

// topoSort produces a deterministic evaluation order: every calculation
// runs strictly after the calculations it depends on, ties broken by
// declaration order.
func topoSort(programs []*formulaProgram, producers map[string]*formulaProgram) ([]*formulaProgram, error) {
	inDegree := make(map[*formulaProgram]int, len(programs))
	edges := make(map[*formulaProgram][]*formulaProgram, len(programs))

	for _, prog := range programs {
		for _, b := range prog.bindings {
			producer := producers[b.path]
			if producer == nil {
				continue
			}
			// A self edge keeps the node stuck and surfaces as a cycle.
			edges[producer] = append(edges[producer], prog)
			inDegree[prog]++
		}
	}

	queue := make([]*formulaProgram, 0, len(programs))
	for _, prog := range programs {
		if inDegree[prog] == 0 {
			queue = append(queue, prog)
		}
	}
	sort.Slice(queue, func(i, j int) bool {
		return queue[i].order < queue[j].order
	})

	ordered := make([]*formulaProgram, 0, len(programs))
	resolved := make(map[*formulaProgram]struct{}, len(programs))
	for len(queue) > 0 {
		prog := queue[0]
		queue = queue[1:]
		ordered = append(ordered, prog)
		resolved[prog] = struct{}{}
		for _, succ := range edges[prog] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
		sort.Slice(queue, func(i, j int) bool {
			return queue[i].order < queue[j].order
		})
	}

	if len(ordered) != len(programs) {
		stuck := make([]*formulaProgram, 0, len(programs)-len(ordered))
		for _, prog := range programs {
			if _, ok := resolved[prog]; !ok {
				stuck = append(stuck, prog)
			}
		}
		sort.Slice(stuck, func(i, j int) bool { return stuck[i].order < stuck[j].order })
		paths := make([]string, 0, len(stuck))
		for _, prog := range stuck {
			paths = append(paths, prog.cfg.Target)
		}
		return nil, &CycleError{Paths: paths}
	}
	return ordered, nil
}
