package store

import (
	"context"

	"github.com/agentnet/reconcile/errors"
	"github.com/agentnet/reconcile/schema"
)

// Filter selects documents by field value. Plain values match by
// equality; operator wrappers (In, Ne, Lt, Gt, Exists) express the
// query subset this system needs. Keys may use dotted paths to reach
// into nested maps ("metadata.started_at").
type Filter map[string]interface{}

// In matches when the field value equals any listed value.
type In []interface{}

// Ne matches when the field value differs from Value.
type Ne struct{ Value interface{} }

// Lt matches when the field value is ordered before Value.
type Lt struct{ Value interface{} }

// Gt matches when the field value is ordered after Value.
type Gt struct{ Value interface{} }

// Exists matches on field presence (true) or absence (false).
type Exists bool

// Update describes a partial document mutation. Set and Inc keys may
// use dotted paths.
type Update struct {
	Set   map[string]interface{}
	Unset []string
	Inc   map[string]int64
}

// OpKind names one operation type inside an atomic operation list.
type OpKind string

const (
	OpInsert     OpKind = "insert"
	OpUpdate     OpKind = "update"
	OpUpdateMany OpKind = "update_many"
	OpReplace    OpKind = "replace"
	OpDelete     OpKind = "delete"
	OpDeleteMany OpKind = "delete_many"
)

// Operation is a single typed operation naming a collection, an
// optional filter and a payload. Ordered lists of operations are
// executed atomically by ExecuteAtomic.
type Operation struct {
	Collection string
	Kind       OpKind
	Filter     Filter
	Doc        schema.Doc
	Update     *Update
}

// InsertOp builds an insert operation.
func InsertOp(collection string, doc schema.Doc) Operation {
	return Operation{Collection: collection, Kind: OpInsert, Doc: doc}
}

// UpdateOp builds a single-document update operation.
func UpdateOp(collection string, filter Filter, update Update) Operation {
	return Operation{Collection: collection, Kind: OpUpdate, Filter: filter, Update: &update}
}

// UpdateManyOp builds a multi-document update operation.
func UpdateManyOp(collection string, filter Filter, update Update) Operation {
	return Operation{Collection: collection, Kind: OpUpdateMany, Filter: filter, Update: &update}
}

// ReplaceOp builds a full-document replacement operation.
func ReplaceOp(collection string, filter Filter, doc schema.Doc) Operation {
	return Operation{Collection: collection, Kind: OpReplace, Filter: filter, Doc: doc}
}

// DeleteOp builds a single-document delete operation.
func DeleteOp(collection string, filter Filter) Operation {
	return Operation{Collection: collection, Kind: OpDelete, Filter: filter}
}

// DeleteManyOp builds a multi-document delete operation.
func DeleteManyOp(collection string, filter Filter) Operation {
	return Operation{Collection: collection, Kind: OpDeleteMany, Filter: filter}
}

// FindOption adjusts a Find call.
type FindOption func(*findOptions)

type findOptions struct {
	limit    int64
	sortKey  string
	sortDesc bool
}

// WithLimit bounds the number of returned documents.
func WithLimit(n int64) FindOption {
	return func(o *findOptions) { o.limit = n }
}

// WithSortAsc sorts results by field, ascending.
func WithSortAsc(field string) FindOption {
	return func(o *findOptions) { o.sortKey = field; o.sortDesc = false }
}

// WithSortDesc sorts results by field, descending.
func WithSortDesc(field string) FindOption {
	return func(o *findOptions) { o.sortKey = field; o.sortDesc = true }
}

func applyFindOptions(opts []FindOption) findOptions {
	var o findOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Store is the persistent store gateway. Implementations must be safe
// for concurrent use from multiple goroutines.
type Store interface {
	// InsertOne adds a document to a collection.
	InsertOne(ctx context.Context, collection string, doc schema.Doc) error

	// FindOne returns the first document matching filter, or a NOT_FOUND
	// error when nothing matches.
	FindOne(ctx context.Context, collection string, filter Filter) (schema.Doc, error)

	// Find returns all documents matching filter, honoring options.
	Find(ctx context.Context, collection string, filter Filter, opts ...FindOption) ([]schema.Doc, error)

	// Count returns the number of documents matching filter.
	Count(ctx context.Context, collection string, filter Filter) (int64, error)

	// UpdateOne applies update to the first matching document. Matching
	// nothing is not an error.
	UpdateOne(ctx context.Context, collection string, filter Filter, update Update) error

	// UpdateMany applies update to every matching document and returns
	// the number of documents modified.
	UpdateMany(ctx context.Context, collection string, filter Filter, update Update) (int64, error)

	// ReplaceOne replaces the first matching document. With upsert, a
	// non-matching filter inserts the document instead.
	ReplaceOne(ctx context.Context, collection string, filter Filter, doc schema.Doc, upsert bool) error

	// DeleteOne removes the first matching document.
	DeleteOne(ctx context.Context, collection string, filter Filter) error

	// ExecuteAtomic applies the ordered operation list as one atomic
	// unit: after it returns, either every operation is visible or none
	// is. Retryable failures carry the TRANSIENT_CONFLICT or
	// UNKNOWN_COMMIT error codes.
	ExecuteAtomic(ctx context.Context, ops []Operation) error

	// EnsureIndexes creates the collection indexes this system relies on.
	EnsureIndexes(ctx context.Context) error

	// Stats returns per-collection document counts.
	Stats(ctx context.Context) (map[string]int64, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close(ctx context.Context) error
}

// IsNotFound reports whether err marks a missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, errors.ErrCodeNotFound)
}

func validateOps(ops []Operation) error {
	if len(ops) == 0 {
		return errors.New(errors.ErrCodeInvalidInput, "empty operation list")
	}
	for i := range ops {
		op := &ops[i]
		switch op.Kind {
		case OpInsert:
			if op.Doc == nil {
				return errors.Newf(errors.ErrCodeInvalidInput, "operation %d: insert without document", i)
			}
		case OpUpdate, OpUpdateMany:
			if op.Update == nil {
				return errors.Newf(errors.ErrCodeInvalidInput, "operation %d: update without update spec", i)
			}
		case OpReplace:
			if op.Doc == nil {
				return errors.Newf(errors.ErrCodeInvalidInput, "operation %d: replace without document", i)
			}
		case OpDelete, OpDeleteMany:
			// filter-only
		default:
			return errors.Newf(errors.ErrCodeUnsupported, "operation %d: unknown kind %q", i, op.Kind)
		}
	}
	return nil
}
