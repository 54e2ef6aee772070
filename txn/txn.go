package txn

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentnet/reconcile/errors"
	"github.com/agentnet/reconcile/logging"
	"github.com/agentnet/reconcile/retry"
	"github.com/agentnet/reconcile/schema"
	"github.com/agentnet/reconcile/store"
)

// Outcome of one coordinated transaction, as recorded in the history.
const (
	StatusCommitted = "committed"
	StatusFailed    = "failed"
	StatusAborted   = "aborted"
)

// Record is one entry in the transaction history ring.
type Record struct {
	TxnID       string
	Description string
	Status      string
	Operations  int
	Attempts    int
	Timestamp   time.Time
	Error       string
}

// Stats summarizes the coordinator's activity since start.
type Stats struct {
	Total     int
	Committed int
	Failed    int
	Aborted   int
	Recent    []Record
}

// Config tunes the coordinator's retry discipline.
type Config struct {
	// MaxAttempts is the retry budget for transient conflicts and
	// unknown commit outcomes. Default: 3.
	MaxAttempts int

	// RetryDelay is the linear backoff base; attempt n waits
	// RetryDelay × n. Default: 100ms.
	RetryDelay time.Duration

	// HistoryLimit bounds the in-memory history ring. Default: 100.
	HistoryLimit int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 100
	}
	return c
}

// Coordinator executes ordered operation lists atomically against the
// store. Safe for concurrent use.
type Coordinator struct {
	store store.Store
	cfg   Config
	log   *logging.Logger

	mu        sync.Mutex
	history   []Record
	committed int
	failed    int
	aborted   int
}

// New returns a coordinator over st.
func New(st store.Store, cfg Config, log *logging.Logger) *Coordinator {
	if log == nil {
		log = logging.New()
	}
	return &Coordinator{
		store: st,
		cfg:   cfg.withDefaults(),
		log:   log.WithComponent("TransactionCoordinator"),
	}
}

// retryableConflict matches the two conditions the store reports as
// worth retrying. Everything else is terminal.
func retryableConflict(err error) bool {
	return errors.Is(err, errors.ErrCodeTransientConflict) ||
		errors.Is(err, errors.ErrCodeUnknownCommit)
}

// Execute runs ops as one atomic unit, retrying transient conflicts and
// unknown commit outcomes with linear backoff. On exhausted retries or
// any terminal error, nothing is committed and the error carries the
// TXN_FAILED code.
func (c *Coordinator) Execute(ctx context.Context, ops []store.Operation, description string) error {
	txnID := uuid.NewString()
	attempts := 0

	policy := retry.Policy{
		MaxAttempts: c.cfg.MaxAttempts,
		BaseDelay:   c.cfg.RetryDelay,
		Backoff:     retry.Linear,
		Retryable:   retryableConflict,
	}

	err := policy.Do(ctx, func() error {
		attempts++
		execErr := c.store.ExecuteAtomic(ctx, ops)
		if execErr != nil && retryableConflict(execErr) && attempts < c.cfg.MaxAttempts {
			c.log.Warn("retrying transaction", map[string]interface{}{
				"txn_id":  txnID,
				"attempt": attempts,
				"max":     c.cfg.MaxAttempts,
				"error":   execErr.Error(),
			})
		}
		return execErr
	})

	rec := Record{
		TxnID:       txnID,
		Description: description,
		Operations:  len(ops),
		Attempts:    attempts,
		Timestamp:   time.Now().UTC(),
	}
	if err != nil {
		rec.Status = StatusFailed
		rec.Error = err.Error()
		c.record(rec)
		c.log.Error("transaction failed", map[string]interface{}{
			"txn_id":      txnID,
			"description": description,
			"attempts":    attempts,
			"error":       err.Error(),
		})
		return errors.WrapWithCode(err, errors.ErrCodeTxnFailed, "transaction "+txnID)
	}

	rec.Status = StatusCommitted
	c.record(rec)
	c.log.Debug("transaction committed", map[string]interface{}{
		"txn_id":     txnID,
		"operations": len(ops),
		"attempts":   attempts,
	})
	return nil
}

// ErrAborted marks a transaction the caller abandoned through Tx.Abort.
var ErrAborted = errors.New(errors.ErrCodeCanceled, "transaction aborted by caller")

// Tx accumulates operations inside a WithTransaction scope.
type Tx struct {
	id      string
	ops     []store.Operation
	aborted bool
}

// ID returns the transaction identifier, for logging.
func (t *Tx) ID() string { return t.id }

// Insert enqueues a document insert.
func (t *Tx) Insert(collection string, doc schema.Doc) {
	t.ops = append(t.ops, store.InsertOp(collection, doc))
}

// Update enqueues an update of the first document matching filter.
func (t *Tx) Update(collection string, filter store.Filter, update store.Update) {
	t.ops = append(t.ops, store.UpdateOp(collection, filter, update))
}

// UpdateMany enqueues an update of every document matching filter.
func (t *Tx) UpdateMany(collection string, filter store.Filter, update store.Update) {
	t.ops = append(t.ops, store.UpdateManyOp(collection, filter, update))
}

// Replace enqueues a full-document replacement.
func (t *Tx) Replace(collection string, filter store.Filter, doc schema.Doc) {
	t.ops = append(t.ops, store.ReplaceOp(collection, filter, doc))
}

// Delete enqueues a delete of the first document matching filter.
func (t *Tx) Delete(collection string, filter store.Filter) {
	t.ops = append(t.ops, store.DeleteOp(collection, filter))
}

// DeleteMany enqueues a delete of every document matching filter.
func (t *Tx) DeleteMany(collection string, filter store.Filter) {
	t.ops = append(t.ops, store.DeleteManyOp(collection, filter))
}

// Abort abandons the transaction; nothing enqueued will be applied.
func (t *Tx) Abort() { t.aborted = true }

// WithTransaction opens a scoped transaction: fn enqueues operations on
// the Tx, and the scope commits them atomically on normal return. An
// error return or Abort call discards everything; a panic inside fn
// discards everything and re-panics. The transaction resource is
// released on every exit path.
func (c *Coordinator) WithTransaction(ctx context.Context, description string, fn func(tx *Tx) error) (err error) {
	tx := &Tx{id: uuid.NewString()}

	defer func() {
		if r := recover(); r != nil {
			c.recordAborted(tx, description, "panic in transaction scope")
			panic(r)
		}
	}()

	if err = fn(tx); err != nil {
		c.recordAborted(tx, description, err.Error())
		return err
	}
	if tx.aborted {
		c.recordAborted(tx, description, ErrAborted.Error())
		return ErrAborted
	}
	if len(tx.ops) == 0 {
		return nil
	}
	return c.Execute(ctx, tx.ops, description)
}

func (c *Coordinator) recordAborted(tx *Tx, description, reason string) {
	c.record(Record{
		TxnID:       tx.id,
		Description: description,
		Status:      StatusAborted,
		Operations:  len(tx.ops),
		Timestamp:   time.Now().UTC(),
		Error:       reason,
	})
	c.log.Warn("transaction aborted", map[string]interface{}{
		"txn_id": tx.id, "description": description, "reason": reason,
	})
}

func (c *Coordinator) record(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch rec.Status {
	case StatusCommitted:
		c.committed++
	case StatusFailed:
		c.failed++
	case StatusAborted:
		c.aborted++
	}
	c.history = append(c.history, rec)
	if len(c.history) > c.cfg.HistoryLimit {
		c.history = c.history[len(c.history)-c.cfg.HistoryLimit:]
	}
}

// Stats returns transaction counts and the ten most recent records.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	recent := c.history
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	out := Stats{
		Total:     c.committed + c.failed + c.aborted,
		Committed: c.committed,
		Failed:    c.failed,
		Aborted:   c.aborted,
		Recent:    make([]Record, len(recent)),
	}
	copy(out.Recent, recent)
	return out
}
