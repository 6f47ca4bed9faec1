package memory

import (
	"sort"

	"latticecore/pkg/domain"
)

// transactionView exposes a read-only snapshot of the transactional state to
// rules and traversal queries.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

// ListCells returns all cells within the snapshot, ordered by id.
func (v transactionView) ListCells() []Cell {
	out := make([]Cell, 0, len(v.state.cells))
	for _, c := range v.state.cells {
		out = append(out, cloneCell(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindCell retrieves a cell by id from the snapshot.
func (v transactionView) FindCell(id string) (Cell, bool) {
	c, ok := v.state.cells[id]
	if !ok {
		return Cell{}, false
	}
	return cloneCell(c), true
}

// ListRelationships returns all relationships in the snapshot, ordered by id.
func (v transactionView) ListRelationships() []Relationship {
	out := make([]Relationship, 0, len(v.state.relationships))
	for _, r := range v.state.relationships {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RelationshipsOf returns the relationships touching the given cell.
func (v transactionView) RelationshipsOf(cellID string) []Relationship {
	var out []Relationship
	for _, r := range v.state.relationships {
		if r.SourceID == cellID || r.TargetID == cellID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListDecisions returns all decisions in the snapshot.
func (v transactionView) ListDecisions() []Decision {
	out := make([]Decision, 0, len(v.state.decisions))
	for _, d := range v.state.decisions {
		out = append(out, cloneDecision(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindDecision retrieves a decision by id from the snapshot.
func (v transactionView) FindDecision(id string) (Decision, bool) {
	d, ok := v.state.decisions[id]
	if !ok {
		return Decision{}, false
	}
	return cloneDecision(d), true
}

// Lineage walks parent_child edges upward from cellID until no parent
// exists. Order is child→...→root; cells at equal distance are ordered by id
// so the walk is deterministic on a multi-parent lattice.
func (v transactionView) Lineage(cellID string, includeSelf bool) ([]string, error) {
	if _, ok := v.state.cells[cellID]; !ok {
		return nil, domain.NotFoundError{Entity: domain.EntityCell, ID: cellID}
	}
	parents := v.state.parentIndex()
	var out []string
	if includeSelf {
		out = append(out, cellID)
	}
	visited := map[string]struct{}{cellID: {}}
	frontier := []string{cellID}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			for _, parent := range parents[id] {
				if _, seen := visited[parent]; seen {
					continue
				}
				visited[parent] = struct{}{}
				next = append(next, parent)
			}
		}
		sort.Strings(next)
		out = append(out, next...)
		frontier = next
	}
	return out, nil
}

// Descendants performs a breadth-first downward traversal bounded by
// q.MaxDepth (negative means unlimited). With VisibleOnly set, non-activated
// cells are omitted from results and deprecated cells also stop the walk.
func (v transactionView) Descendants(cellID string, q domain.DescendantQuery) ([]domain.CellDistance, error) {
	origin, ok := v.state.cells[cellID]
	if !ok {
		return nil, domain.NotFoundError{Entity: domain.EntityCell, ID: cellID}
	}
	out := []domain.CellDistance{}
	if q.IncludeSelf {
		if !q.VisibleOnly || origin.Visible() {
			out = append(out, domain.CellDistance{ID: cellID, Distance: 0})
		}
	}
	if q.MaxDepth == 0 {
		return out, nil
	}
	children := v.state.childIndex()
	visited := map[string]struct{}{cellID: {}}
	frontier := []string{cellID}
	for depth := 1; len(frontier) > 0 && (q.MaxDepth < 0 || depth <= q.MaxDepth); depth++ {
		var next []string
		for _, id := range frontier {
			for _, child := range children[id] {
				if _, seen := visited[child]; seen {
					continue
				}
				visited[child] = struct{}{}
				cell := v.state.cells[child]
				if q.VisibleOnly && cell.ActivationState == domain.StateDeprecated {
					continue
				}
				if !q.VisibleOnly || cell.Visible() {
					out = append(out, domain.CellDistance{ID: child, Distance: depth})
				}
				next = append(next, child)
			}
		}
		sort.Strings(next)
		frontier = next
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance == out[j].Distance {
			return out[i].ID < out[j].ID
		}
		return out[i].Distance < out[j].Distance
	})
	return out, nil
}

// Cousins returns direct cousin edges only, optionally filtered by relation
// kind. Cousin edges are undirected in meaning, so both orientations match.
func (v transactionView) Cousins(cellID string, kindFilter string, opts domain.TraversalOptions) ([]domain.Cousin, error) {
	if _, ok := v.state.cells[cellID]; !ok {
		return nil, domain.NotFoundError{Entity: domain.EntityCell, ID: cellID}
	}
	out := []domain.Cousin{}
	for _, rel := range v.state.relationships {
		if rel.Type != domain.RelationCousin {
			continue
		}
		var other string
		switch cellID {
		case rel.SourceID:
			other = rel.TargetID
		case rel.TargetID:
			other = rel.SourceID
		default:
			continue
		}
		if kindFilter != "" && rel.RelationKind != kindFilter {
			continue
		}
		if opts.VisibleOnly {
			if cell, ok := v.state.cells[other]; !ok || !cell.Visible() {
				continue
			}
		}
		out = append(out, domain.Cousin{CellID: other, RelationKind: rel.RelationKind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CellID < out[j].CellID })
	return out, nil
}

// parentIndex maps child id to its parent ids over the parent_child subgraph.
func (s *memoryState) parentIndex() map[string][]string {
	idx := make(map[string][]string)
	for _, rel := range s.relationships {
		if rel.Type == domain.RelationParentChild {
			idx[rel.TargetID] = append(idx[rel.TargetID], rel.SourceID)
		}
	}
	return idx
}

// childIndex maps parent id to its child ids over the parent_child subgraph.
func (s *memoryState) childIndex() map[string][]string {
	idx := make(map[string][]string)
	for _, rel := range s.relationships {
		if rel.Type == domain.RelationParentChild {
			idx[rel.SourceID] = append(idx[rel.SourceID], rel.TargetID)
		}
	}
	for _, children := range idx {
		sort.Strings(children)
	}
	return idx
}

// pathBetween returns the parent_child path from one cell down to another,
// or nil when target is not reachable. The walk is bounded by lattice size.
func (s *memoryState) pathBetween(from, to string) []string {
	children := s.childIndex()
	prev := map[string]string{}
	visited := map[string]struct{}{from: {}}
	frontier := []string{from}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			for _, child := range children[id] {
				if _, seen := visited[child]; seen {
					continue
				}
				visited[child] = struct{}{}
				prev[child] = id
				if child == to {
					path := []string{to}
					for cur := to; cur != from; {
						cur = prev[cur]
						path = append([]string{cur}, path...)
					}
					return path
				}
				next = append(next, child)
			}
		}
		frontier = next
	}
	return nil
}
