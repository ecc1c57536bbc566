package roster

import "sort"

// OpKind classifies one planned channel operation.
type OpKind int

const (
	OpCreate OpKind = iota
	OpEdit
	OpDelete
)

// CardOp is one planned operation on an entity card.
type CardOp struct {
	Kind      OpKind
	EntityID  string
	MessageID string // set for edit/delete
	Entity    LiveEntity
}

// Plan is the output of one diff: the minimal card operations plus the
// posted-id map to persist. NewCards starts with the retained (edited)
// mappings; the synchronizer fills in ids for creates as they succeed.
type Plan struct {
	Deletes      []CardOp
	Upserts      []CardOp
	Highlight    *LiveEntity
	RotationNext int
	NewCards     map[string]string
}

// BuildPlan is the pure diff: previous posted-id map plus the policy's
// selection for this pass. Deletes are emitted for every previously posted id
// no longer selected (sorted for determinism); upserts follow the selection's
// display order, editing in place where a mapping survives and creating
// otherwise. An entity that disappeared and reappeared within one interval
// simply still has its mapping and is edited; a lost mapping means a fresh
// create, never an error.
func BuildPlan(prev map[string]string, sel Selection) Plan {
	plan := Plan{
		Highlight:    sel.Highlight,
		RotationNext: sel.RotationNext,
		NewCards:     map[string]string{},
	}

	selected := make(map[string]struct{}, len(sel.Cards))
	for _, e := range sel.Cards {
		selected[e.ID] = struct{}{}
	}

	var staleIDs []string
	for id := range prev {
		if _, ok := selected[id]; !ok {
			staleIDs = append(staleIDs, id)
		}
	}
	sort.Strings(staleIDs)
	for _, id := range staleIDs {
		plan.Deletes = append(plan.Deletes, CardOp{Kind: OpDelete, EntityID: id, MessageID: prev[id]})
	}

	for _, e := range sel.Cards {
		if mid, ok := prev[e.ID]; ok {
			plan.Upserts = append(plan.Upserts, CardOp{Kind: OpEdit, EntityID: e.ID, MessageID: mid, Entity: e})
			plan.NewCards[e.ID] = mid
			continue
		}
		plan.Upserts = append(plan.Upserts, CardOp{Kind: OpCreate, EntityID: e.ID, Entity: e})
	}

	return plan
}
