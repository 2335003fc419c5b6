package feed

import "reflect"

// Diff computes the changes between two consecutive result sets. Removed
// documents come first in prev order, followed by added and modified
// documents in next order.
func Diff(prev, next []Document) []Change {
	before := make(map[string]Document, len(prev))
	for _, d := range prev {
		before[d.ID] = d
	}
	after := make(map[string]struct{}, len(next))
	for _, d := range next {
		after[d.ID] = struct{}{}
	}

	var changes []Change
	for _, d := range prev {
		if _, ok := after[d.ID]; !ok {
			changes = append(changes, Change{Type: Removed, Doc: d})
		}
	}
	for _, d := range next {
		old, ok := before[d.ID]
		switch {
		case !ok:
			changes = append(changes, Change{Type: Added, Doc: d})
		case !reflect.DeepEqual(old.Fields, d.Fields):
			changes = append(changes, Change{Type: Modified, Doc: d})
		}
	}
	return changes
}

func allAdded(docs []Document) []Change {
	changes := make([]Change, 0, len(docs))
	for _, d := range docs {
		changes = append(changes, Change{Type: Added, Doc: d})
	}
	return changes
}
