package mongodoc

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/linkwave/chatsync"
)

// FilterBuilder builds MongoDB filters fluently. Conditions on the same
// field are merged, so ranges may be expressed with two calls.
type FilterBuilder struct {
	filter bson.M
}

// NewFilter creates a new FilterBuilder.
func NewFilter() *FilterBuilder {
	return &FilterBuilder{filter: bson.M{}}
}

// Eq adds an equality condition. On an array field it matches documents
// whose array holds value.
func (f *FilterBuilder) Eq(field string, value any) *FilterBuilder {
	return f.op(field, "$eq", value)
}

// Ne adds a not-equal condition.
func (f *FilterBuilder) Ne(field string, value any) *FilterBuilder {
	return f.op(field, "$ne", value)
}

// Gt adds a greater-than condition.
func (f *FilterBuilder) Gt(field string, value any) *FilterBuilder {
	return f.op(field, "$gt", value)
}

// Gte adds a greater-than-or-equal condition.
func (f *FilterBuilder) Gte(field string, value any) *FilterBuilder {
	return f.op(field, "$gte", value)
}

// Lt adds a less-than condition.
func (f *FilterBuilder) Lt(field string, value any) *FilterBuilder {
	return f.op(field, "$lt", value)
}

// Lte adds a less-than-or-equal condition.
func (f *FilterBuilder) Lte(field string, value any) *FilterBuilder {
	return f.op(field, "$lte", value)
}

// ID matches the document with the given identifier.
func (f *FilterBuilder) ID(id string) *FilterBuilder {
	f.filter["_id"] = id
	return f
}

func (f *FilterBuilder) op(field, op string, value any) *FilterBuilder {
	cond, ok := f.filter[field].(bson.M)
	if !ok {
		cond = bson.M{}
		f.filter[field] = cond
	}
	cond[op] = value
	return f
}

// Build returns the final bson.M filter.
func (f *FilterBuilder) Build() bson.M {
	return f.filter
}

// translateQuery converts chatsync filters into a MongoDB filter.
func translateQuery(q chatsync.Query) (bson.M, error) {
	f := NewFilter()
	for _, c := range q.Filters {
		field := c.Field
		if field == "id" {
			field = "_id"
		}
		switch c.Op {
		case chatsync.OpEqual, chatsync.OpArrayContains:
			f.Eq(field, c.Value)
		case chatsync.OpNotEqual:
			f.Ne(field, c.Value)
		case chatsync.OpLess:
			f.Lt(field, c.Value)
		case chatsync.OpLessEqual:
			f.Lte(field, c.Value)
		case chatsync.OpGreater:
			f.Gt(field, c.Value)
		case chatsync.OpGreaterEqual:
			f.Gte(field, c.Value)
		default:
			return nil, fmt.Errorf("unsupported operator %q", c.Op)
		}
	}
	return f.Build(), nil
}

// sortFor orders by the query's field with the document id as tiebreak.
func sortFor(q chatsync.Query) bson.D {
	dir := 1
	if q.Desc {
		dir = -1
	}
	if q.OrderBy == "" {
		return bson.D{{Key: "_id", Value: dir}}
	}
	return bson.D{{Key: q.OrderBy, Value: dir}, {Key: "_id", Value: dir}}
}
