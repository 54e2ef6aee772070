package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/agentnet/reconcile/errors"
	"github.com/agentnet/reconcile/schema"
)

// Memory implements Store with in-process storage.
// Useful for testing and single-process scenarios. ExecuteAtomic
// emulates transactional behavior by restoring a snapshot when any
// operation fails.
type Memory struct {
	mu          sync.RWMutex
	collections map[string][]schema.Doc
	closed      atomic.Bool

	// atomicHook, when set, runs before each operation inside
	// ExecuteAtomic. Returning an error aborts the whole unit. Tests use
	// it to inject failures at a chosen operation index.
	atomicHook func(index int, op Operation) error

	// failAtomic makes the next n ExecuteAtomic calls fail with failErr
	// before applying anything. Tests use it to exercise retry paths.
	failAtomic int
	failErr    error
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string][]schema.Doc)}
}

// SetAtomicHook installs a per-operation hook for failure injection.
func (m *Memory) SetAtomicHook(fn func(index int, op Operation) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.atomicHook = fn
}

// FailAtomic makes the next n ExecuteAtomic calls fail with err.
func (m *Memory) FailAtomic(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAtomic = n
	m.failErr = err
}

func (m *Memory) checkOpen() error {
	if m.closed.Load() {
		return errors.New(errors.ErrCodeUnavailable, "store closed")
	}
	return nil
}

// InsertOne adds a document to a collection.
func (m *Memory) InsertOne(ctx context.Context, collection string, doc schema.Doc) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[collection] = append(m.collections[collection], doc.Clone())
	return nil
}

// FindOne returns the first matching document.
func (m *Memory) FindOne(ctx context.Context, collection string, filter Filter) (schema.Doc, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, doc := range m.collections[collection] {
		if matchFilter(doc, filter) {
			return doc.Clone(), nil
		}
	}
	return nil, errors.Newf(errors.ErrCodeNotFound, "no document in %s matches filter", collection)
}

// Find returns all matching documents.
func (m *Memory) Find(ctx context.Context, collection string, filter Filter, opts ...FindOption) ([]schema.Doc, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	o := applyFindOptions(opts)

	m.mu.RLock()
	var out []schema.Doc
	for _, doc := range m.collections[collection] {
		if matchFilter(doc, filter) {
			out = append(out, doc.Clone())
		}
	}
	m.mu.RUnlock()

	if o.sortKey != "" {
		sort.SliceStable(out, func(i, j int) bool {
			less := lessThan(getPath(out[i], o.sortKey), getPath(out[j], o.sortKey))
			if o.sortDesc {
				return !less && !equalValues(getPath(out[i], o.sortKey), getPath(out[j], o.sortKey))
			}
			return less
		})
	}
	if o.limit > 0 && int64(len(out)) > o.limit {
		out = out[:o.limit]
	}
	return out, nil
}

// Count returns the number of matching documents.
func (m *Memory) Count(ctx context.Context, collection string, filter Filter) (int64, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, doc := range m.collections[collection] {
		if matchFilter(doc, filter) {
			n++
		}
	}
	return n, nil
}

// UpdateOne applies update to the first matching document.
func (m *Memory) UpdateOne(ctx context.Context, collection string, filter Filter, update Update) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateOneLocked(collection, filter, update)
	return nil
}

// UpdateMany applies update to every matching document.
func (m *Memory) UpdateMany(ctx context.Context, collection string, filter Filter, update Update) (int64, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateManyLocked(collection, filter, update), nil
}

// ReplaceOne replaces the first matching document, optionally upserting.
func (m *Memory) ReplaceOne(ctx context.Context, collection string, filter Filter, doc schema.Doc, upsert bool) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaceOneLocked(collection, filter, doc, upsert)
	return nil
}

// DeleteOne removes the first matching document.
func (m *Memory) DeleteOne(ctx context.Context, collection string, filter Filter) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := m.collections[collection]
	for i, doc := range docs {
		if matchFilter(doc, filter) {
			m.collections[collection] = append(docs[:i:i], docs[i+1:]...)
			return nil
		}
	}
	return nil
}

// ExecuteAtomic applies the operation list as one unit. On any failure
// the pre-call snapshot is restored, so partial application is never
// observable.
func (m *Memory) ExecuteAtomic(ctx context.Context, ops []Operation) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if err := validateOps(ops); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failAtomic > 0 {
		m.failAtomic--
		return m.failErr
	}

	snapshot := make(map[string][]schema.Doc, len(m.collections))
	for name, docs := range m.collections {
		copied := make([]schema.Doc, len(docs))
		for i, d := range docs {
			copied[i] = d.Clone()
		}
		snapshot[name] = copied
	}

	for i, op := range ops {
		if m.atomicHook != nil {
			if err := m.atomicHook(i, op); err != nil {
				m.collections = snapshot
				return err
			}
		}
		if err := m.applyLocked(op); err != nil {
			m.collections = snapshot
			return err
		}
	}
	return nil
}

func (m *Memory) applyLocked(op Operation) error {
	switch op.Kind {
	case OpInsert:
		m.collections[op.Collection] = append(m.collections[op.Collection], op.Doc.Clone())
	case OpUpdate:
		m.updateOneLocked(op.Collection, op.Filter, *op.Update)
	case OpUpdateMany:
		m.updateManyLocked(op.Collection, op.Filter, *op.Update)
	case OpReplace:
		m.replaceOneLocked(op.Collection, op.Filter, op.Doc, false)
	case OpDelete:
		docs := m.collections[op.Collection]
		for i, doc := range docs {
			if matchFilter(doc, op.Filter) {
				m.collections[op.Collection] = append(docs[:i:i], docs[i+1:]...)
				break
			}
		}
	case OpDeleteMany:
		docs := m.collections[op.Collection]
		kept := docs[:0:0]
		for _, doc := range docs {
			if !matchFilter(doc, op.Filter) {
				kept = append(kept, doc)
			}
		}
		m.collections[op.Collection] = kept
	default:
		return errors.Newf(errors.ErrCodeUnsupported, "unknown operation kind %q", op.Kind)
	}
	return nil
}

func (m *Memory) updateOneLocked(collection string, filter Filter, update Update) {
	for _, doc := range m.collections[collection] {
		if matchFilter(doc, filter) {
			applyUpdate(doc, update)
			return
		}
	}
}

func (m *Memory) updateManyLocked(collection string, filter Filter, update Update) int64 {
	var n int64
	for _, doc := range m.collections[collection] {
		if matchFilter(doc, filter) {
			applyUpdate(doc, update)
			n++
		}
	}
	return n
}

func (m *Memory) replaceOneLocked(collection string, filter Filter, doc schema.Doc, upsert bool) {
	docs := m.collections[collection]
	for i, existing := range docs {
		if matchFilter(existing, filter) {
			docs[i] = doc.Clone()
			return
		}
	}
	if upsert {
		m.collections[collection] = append(docs, doc.Clone())
	}
}

// EnsureIndexes is a no-op for the in-process backend.
func (m *Memory) EnsureIndexes(ctx context.Context) error {
	return m.checkOpen()
}

// Stats returns per-collection document counts.
func (m *Memory) Stats(ctx context.Context) (map[string]int64, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.collections))
	for name, docs := range m.collections {
		out[name] = int64(len(docs))
	}
	return out, nil
}

// Ping verifies the store is open.
func (m *Memory) Ping(ctx context.Context) error {
	return m.checkOpen()
}

// Close marks the store closed. Further operations fail.
func (m *Memory) Close(ctx context.Context) error {
	m.closed.Store(true)
	return nil
}

// matchFilter evaluates filter against doc. Keys may be dotted paths.
func matchFilter(doc schema.Doc, filter Filter) bool {
	for key, want := range filter {
		val, present := lookupPath(doc, key)
		switch op := want.(type) {
		case In:
			found := false
			for _, candidate := range op {
				if equalValues(val, candidate) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case Ne:
			if equalValues(val, op.Value) {
				return false
			}
		case Lt:
			if !present || !lessThan(val, op.Value) {
				return false
			}
		case Gt:
			if !present || !lessThan(op.Value, val) {
				return false
			}
		case Exists:
			if bool(op) != (present && val != nil) {
				return false
			}
		default:
			if !present || !equalValues(val, want) {
				return false
			}
		}
	}
	return true
}

func applyUpdate(doc schema.Doc, update Update) {
	for path, value := range update.Set {
		setPath(doc, path, value)
	}
	for _, path := range update.Unset {
		unsetPath(doc, path)
	}
	for path, delta := range update.Inc {
		current, _ := lookupPath(doc, path)
		setPath(doc, path, toInt64(current)+delta)
	}
}

func lookupPath(doc map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = map[string]interface{}(doc)
	for _, part := range parts {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		current = v
	}
	return current, true
}

func getPath(doc schema.Doc, path string) interface{} {
	v, _ := lookupPath(doc, path)
	return v
}

func setPath(doc map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	current := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(current[part])
		if !ok {
			next = make(map[string]interface{})
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

func unsetPath(doc map[string]interface{}, path string) {
	parts := strings.Split(path, ".")
	current := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(current[part])
		if !ok {
			return
		}
		current = next
	}
	delete(current, parts[len(parts)-1])
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case schema.Doc:
		return m, true
	}
	return nil, false
}

func equalValues(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	at, bt := schema.AsTime(a), schema.AsTime(b)
	if !at.IsZero() && !bt.IsZero() {
		return at.Equal(bt)
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return a == b
}

func lessThan(a, b interface{}) bool {
	at, bt := schema.AsTime(a), schema.AsTime(b)
	if !at.IsZero() && !bt.IsZero() {
		return at.Before(bt)
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af < bf
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as < bs
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
