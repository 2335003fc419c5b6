// Package feed implements the document change feed: live query
// subscriptions that push snapshots with added/modified/removed changes,
// one-shot fetches, and the mutations that drive them.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taskhub/stream"
)

type Op string

const (
	OpEqual         Op = "=="
	OpArrayContains Op = "array-contains"
)

// Filter restricts a query to documents whose Field satisfies Op against Value.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Where is shorthand for an equality filter.
func Where(field string, value any) Filter {
	return Filter{Field: field, Op: OpEqual, Value: value}
}

// Contains is shorthand for an array-contains filter.
func Contains(field string, value any) Filter {
	return Filter{Field: field, Op: OpArrayContains, Value: value}
}

// Query selects documents of one collection.
type Query struct {
	Collection string
	Where      []Filter
	OrderBy    string
	Descending bool
}

func (q Query) String() string {
	var b strings.Builder
	b.WriteString(q.Collection)
	for _, f := range q.Where {
		fmt.Fprintf(&b, " where %s %s %v", f.Field, f.Op, f.Value)
	}
	if q.OrderBy != "" {
		b.WriteString(" order by " + q.OrderBy)
		if q.Descending {
			b.WriteString(" desc")
		}
	}
	return b.String()
}

func (q Query) validate() error {
	if q.Collection == "" {
		return errors.New("query without collection")
	}
	for _, f := range q.Where {
		if f.Field == "" {
			return errors.New("filter without field")
		}
		switch f.Op {
		case OpEqual, OpArrayContains:
		default:
			return fmt.Errorf("unsupported filter operator %q", f.Op)
		}
	}
	return nil
}

// Document is a stored record. Fields hold JSON-compatible values.
type Document struct {
	ID     string
	Fields map[string]any
}

type ChangeType int

const (
	Added ChangeType = iota
	Modified
	Removed
)

func (c ChangeType) String() string {
	switch c {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Change is one document transition inside a snapshot.
type Change struct {
	Type ChangeType
	Doc  Document
}

// Snapshot is a single push of a query subscription: the full matching
// result set plus the changes since the previous push. The first snapshot
// reports every document as Added.
type Snapshot struct {
	Docs    []Document
	Changes []Change
}

// Subscription is the cancel handle of a live query.
type Subscription = stream.Stream[Snapshot]

// Store is the change-feed contract offered to the components.
type Store interface {
	Subscribe(ctx context.Context, q Query) (*Subscription, error)
	Fetch(ctx context.Context, q Query) ([]Document, error)
	Get(ctx context.Context, collection, id string) (Document, error)
	Add(ctx context.Context, collection string, fields map[string]any) (string, error)
	Set(ctx context.Context, collection, id string, fields map[string]any) error
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
}
