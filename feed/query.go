package feed

import (
	"cmp"
	"reflect"
	"slices"
	"strings"
)

// Matches reports whether doc satisfies every filter of q.
func (q Query) Matches(doc Document) bool {
	for _, f := range q.Where {
		val := fieldValue(doc, f.Field)
		switch f.Op {
		case OpEqual:
			if !equalValues(val, f.Value) {
				return false
			}
		case OpArrayContains:
			if !containsValue(val, f.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// apply filters and orders docs in place and returns the matching subset.
func (q Query) apply(docs []Document) []Document {
	out := docs[:0]
	for _, d := range docs {
		if q.Matches(d) {
			out = append(out, d)
		}
	}
	slices.SortStableFunc(out, func(a, b Document) int {
		if q.OrderBy != "" {
			c := compareValues(fieldValue(a, q.OrderBy), fieldValue(b, q.OrderBy))
			if q.Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func fieldValue(doc Document, field string) any {
	if field == "id" {
		return doc.ID
	}
	return doc.Fields[field]
}

func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	}
	return v
}

func equalValues(a, b any) bool {
	a, b = normalize(a), normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		if ta.Kind() == reflect.String && tb.Kind() == reflect.String {
			return reflect.ValueOf(a).String() == reflect.ValueOf(b).String()
		}
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

func containsValue(field, want any) bool {
	rv := reflect.ValueOf(field)
	if field == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if equalValues(rv.Index(i).Interface(), want) {
			return true
		}
	}
	return false
}

// compareValues orders missing values first, then numbers, then strings.
// Timestamps are fixed-width strings so lexical order is chronological.
func compareValues(a, b any) int {
	a, b = normalize(a), normalize(b)
	ra, rb := valueRank(a), valueRank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch av := a.(type) {
	case float64:
		return cmp.Compare(av, b.(float64))
	case string:
		return strings.Compare(av, b.(string))
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	}
	return 0
}

func valueRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	}
	return 4
}
