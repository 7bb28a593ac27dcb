// Package graph answers dependency questions about beads: whether a bead
// is ready to run and whether a set of edges is free of cycles.
package graph

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cloud-shuttle/rigs/pkg/types"
)

// StatusFunc looks up the current status of a bead
type StatusFunc func(id types.BeadID) (types.BeadStatus, bool)

// StatusMap adapts a map to a StatusFunc
func StatusMap(m map[types.BeadID]types.BeadStatus) StatusFunc {
	return func(id types.BeadID) (types.BeadStatus, bool) {
		st, ok := m[id]
		return st, ok
	}
}

// Schedulable reports whether b's own status lets it be picked up:
// Pending, Queued, or Deferred with its wait elapsed.
func Schedulable(b *types.Bead, now time.Time) bool {
	switch b.Status {
	case types.BeadStatusPending, types.BeadStatusQueued:
		return true
	case types.BeadStatusDeferred:
		return b.DeferredUntil == nil || !b.DeferredUntil.After(now)
	}
	return false
}

// Unmet returns the dependencies of b that are not Completed. Unknown ids count as unmet.
func Unmet(b *types.Bead, status StatusFunc) []types.BeadID {
	var unmet []types.BeadID
	for _, dep := range b.Dependencies {
		if st, ok := status(dep); !ok || st != types.BeadStatusCompleted {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// IsReady reports whether b may be dispatched now
func IsReady(b *types.Bead, status StatusFunc, now time.Time) bool {
	return Schedulable(b, now) && len(Unmet(b, status)) == 0
}

// Edges maps each bead to the beads it depends on
type Edges map[types.BeadID][]types.BeadID

// EdgesOf builds the dependency relation of beads
func EdgesOf(beads []*types.Bead) Edges {
	edges := make(Edges, len(beads))
	for _, b := range beads {
		edges[b.ID] = b.Dependencies
	}
	return edges
}

const (
	white = iota
	grey
	black
)

// DetectCycle walks the relation depth first, visiting roots in the order
// given, and returns a *types.CycleError naming the members of the first
// cycle found.
func DetectCycle(order []types.BeadID, edges Edges) error {
	color := make(map[types.BeadID]int, len(edges))
	var path []types.BeadID

	var visit func(id types.BeadID) []types.BeadID
	visit = func(id types.BeadID) []types.BeadID {
		color[id] = grey
		path = append(path, id)
		for _, next := range edges[id] {
			switch color[next] {
			case grey:
				for i, p := range path {
					if p == next {
						return append([]types.BeadID(nil), path[i:]...)
					}
				}
			case white:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, id := range order {
		if color[id] != white {
			continue
		}
		if cycle := visit(id); cycle != nil {
			return &types.CycleError{Cycle: cycle}
		}
	}
	return nil
}

// CheckAcyclic verifies that beads, in the order given, form no cycle
func CheckAcyclic(beads []*types.Bead) error {
	order := make([]types.BeadID, len(beads))
	for i, b := range beads {
		order[i] = b.ID
	}
	return DetectCycle(order, EdgesOf(beads))
}

// CheckAddition verifies that adding or replacing candidate among existing
// keeps the relation acyclic.
func CheckAddition(existing []*types.Bead, candidate *types.Bead) error {
	edges := EdgesOf(existing)
	edges[candidate.ID] = candidate.Dependencies
	order := []types.BeadID{candidate.ID}
	for _, b := range existing {
		order = append(order, b.ID)
	}
	return DetectCycle(order, edges)
}

// TopoOrder returns indexes of beads so that every bead follows its
// dependencies. Ties keep the input order.
func TopoOrder(beads []*types.Bead) ([]int, error) {
	if err := CheckAcyclic(beads); err != nil {
		return nil, err
	}
	index := make(map[types.BeadID]int, len(beads))
	for i, b := range beads {
		index[b.ID] = i
	}

	placed := make([]bool, len(beads))
	out := make([]int, 0, len(beads))
	var place func(i int)
	place = func(i int) {
		if placed[i] {
			return
		}
		placed[i] = true
		for _, dep := range beads[i].Dependencies {
			if j, ok := index[dep]; ok {
				place(j)
			}
		}
		out = append(out, i)
	}
	for i := range beads {
		place(i)
	}
	return out, nil
}

// ResolveRefs turns the dependency references of the draft at position
// self into bead ids. A reference is either a 1-based position into ids
// ("2" or "#2") or a bead id.
func ResolveRefs(self int, refs []string, ids []types.BeadID, prefix string) ([]types.BeadID, error) {
	var out []types.BeadID
	seen := make(map[types.BeadID]bool)
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}

		var id types.BeadID
		if n, err := strconv.Atoi(strings.TrimPrefix(ref, "#")); err == nil {
			if n < 1 || n > len(ids) {
				return nil, fmt.Errorf("draft %d: dependency position %d out of range 1..%d", self+1, n, len(ids))
			}
			if n-1 == self {
				return nil, fmt.Errorf("draft %d: depends on itself", self+1)
			}
			id = ids[n-1]
		} else {
			parsed, err := types.ParseBeadIDWithPrefix(prefix, ref)
			if err != nil {
				return nil, fmt.Errorf("draft %d: %w", self+1, err)
			}
			id = parsed
		}

		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}
