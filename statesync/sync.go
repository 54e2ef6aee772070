package statesync

import (
	"context"
	"sync"
	"time"

	"github.com/agentnet/reconcile/errors"
	"github.com/agentnet/reconcile/logging"
	"github.com/agentnet/reconcile/queue"
	"github.com/agentnet/reconcile/schema"
	"github.com/agentnet/reconcile/store"
	"github.com/agentnet/reconcile/txn"
)

// DriftType classifies a queue/store disagreement.
type DriftType string

const (
	DriftOrphanedMessage   DriftType = "task_in_queue_not_db"
	DriftMissingMessage    DriftType = "task_in_db_not_queue"
	DriftStalledTask       DriftType = "stalled_task"
	DriftUnresponsiveAgent DriftType = "agent_unresponsive"
)

// Drift is one detected inconsistency between queue and store.
type Drift struct {
	Type       DriftType
	TaskID     string
	AgentID    string
	Severity   string
	Details    map[string]interface{}
	DetectedAt time.Time
	Resolved   bool
	Resolution string
}

// Result summarizes one sync pass.
type Result struct {
	Timestamp time.Time
	Found     int
	Resolved  int
	Errors    []string
}

// Report is the observability snapshot for the service.
type Report struct {
	ServiceStatus string
	LastSync      time.Time
	Summary       map[string]int
	Recent        []Drift
}

// Config tunes the synchronization service.
type Config struct {
	// SyncInterval between passes. Default: 60s.
	SyncInterval time.Duration

	// StallTimeout is how long a task may stay in_progress before it
	// counts as stalled. Default: 1h.
	StallTimeout time.Duration

	// HeartbeatTimeout is the maximum heartbeat age before an agent
	// counts as unresponsive. Default: 300s.
	HeartbeatTimeout time.Duration

	// Queues to inspect for assignment messages. Default: the three
	// well-known queues.
	Queues []string

	// WorkerQueue receives re-published assignments. Default: the
	// worker queue.
	WorkerQueue string

	// PeekLimit bounds how many messages one pass inspects per queue.
	// Default: 100.
	PeekLimit int
}

func (c Config) withDefaults() Config {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 60 * time.Second
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = time.Hour
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 300 * time.Second
	}
	if len(c.Queues) == 0 {
		c.Queues = []string{
			schema.DefaultCoordinatorQueue,
			schema.DefaultWorkerQueue,
			schema.DefaultWorkRequestQueue,
		}
	}
	if c.WorkerQueue == "" {
		c.WorkerQueue = schema.DefaultWorkerQueue
	}
	if c.PeekLimit <= 0 {
		c.PeekLimit = 100
	}
	return c
}

// historyLimit bounds the in-memory drift history.
const historyLimit = 100

// Service is the state synchronization loop.
type Service struct {
	store store.Store
	queue queue.Queue
	coord *txn.Coordinator
	cfg   Config
	log   *logging.Logger

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	done     chan struct{}
	lastSync time.Time
	history  []Drift
}

// New builds the service; Start begins the periodic loop.
func New(st store.Store, q queue.Queue, coord *txn.Coordinator, cfg Config, log *logging.Logger) *Service {
	if log == nil {
		log = logging.New()
	}
	return &Service{
		store: st,
		queue: q,
		coord: coord,
		cfg:   cfg.withDefaults(),
		log:   log.WithComponent("StateSyncService"),
	}
}

// Start launches the periodic loop on its own goroutine. The first
// pass runs immediately.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	s.log.Info("state sync service started", map[string]interface{}{
		"interval": s.cfg.SyncInterval.String(),
	})

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.SyncInterval)
		defer ticker.Stop()
		for {
			// An iteration that errors logs and waits for the next
			// tick; the loop itself never dies.
			s.PerformSync(ctx)
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop halts the loop and waits up to five seconds for the current
// pass to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("timed out waiting for sync loop to stop")
	}
	s.log.Info("state sync service stopped")
}

// Running reports whether the loop is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// PerformSync runs one full pass: detect all four drift patterns, then
// resolve each independently. Detection errors degrade the pass but do
// not abort it.
func (s *Service) PerformSync(ctx context.Context) Result {
	start := time.Now().UTC()
	result := Result{Timestamp: start}
	var drifts []Drift

	detectors := []struct {
		name string
		fn   func(context.Context) ([]Drift, error)
	}{
		{"queue_store_consistency", s.detectQueueStoreDrift},
		{"stalled_tasks", s.detectStalledTasks},
		{"agent_health", s.detectUnresponsiveAgents},
	}
	for _, d := range detectors {
		found, err := s.runDetector(ctx, d.fn)
		if err != nil {
			result.Errors = append(result.Errors, d.name+": "+err.Error())
			s.log.Error("drift detection failed", map[string]interface{}{
				"detector": d.name, "error": err.Error(),
			})
			continue
		}
		drifts = append(drifts, found...)
	}
	result.Found = len(drifts)

	for i := range drifts {
		if err := s.runResolve(ctx, &drifts[i]); err != nil {
			result.Errors = append(result.Errors, string(drifts[i].Type)+": "+err.Error())
			s.log.Error("drift resolution failed", map[string]interface{}{
				"type": string(drifts[i].Type), "task_id": drifts[i].TaskID, "error": err.Error(),
			})
			continue
		}
		result.Resolved++
	}

	s.mu.Lock()
	s.lastSync = start
	s.history = append(s.history, drifts...)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.mu.Unlock()

	s.updateSyncStatus(ctx, result)
	s.log.Info("sync pass complete", map[string]interface{}{
		"found":    result.Found,
		"resolved": result.Resolved,
		"errors":   len(result.Errors),
		"duration": time.Since(start).String(),
	})
	return result
}

// runDetector isolates one detector so a panic inside it degrades the
// pass like any other detection error instead of killing the loop.
func (s *Service) runDetector(ctx context.Context, fn func(context.Context) ([]Drift, error)) (found []Drift, err error) {
	defer func() {
		if perr := errors.RecoverPanic(recover()); perr != nil {
			found, err = nil, perr
		}
	}()
	return fn(ctx)
}

// runResolve guards resolution the same way.
func (s *Service) runResolve(ctx context.Context, d *Drift) (err error) {
	defer func() {
		if perr := errors.RecoverPanic(recover()); perr != nil {
			err = perr
		}
	}()
	return s.resolve(ctx, d)
}

// updateSyncStatus upserts the sync_status singleton. A failure here is
// logged, never fatal: observability must not break reconciliation.
func (s *Service) updateSyncStatus(ctx context.Context, result Result) {
	status := "healthy"
	if len(result.Errors) > 0 {
		status = "degraded"
	}
	errs := make([]interface{}, len(result.Errors))
	for i, e := range result.Errors {
		errs[i] = e
	}
	doc := schema.Doc{
		"component":                "state_sync",
		"last_sync":                result.Timestamp,
		"inconsistencies_found":    result.Found,
		"inconsistencies_resolved": result.Resolved,
		"errors":                   errs,
		"status":                   status,
	}
	err := s.store.ReplaceOne(ctx, schema.CollectionSyncStatus,
		store.Filter{"component": "state_sync"}, doc, true)
	if err != nil {
		s.log.Error("failed to update sync status", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// Report returns the service status, last sync time, and the recent
// drift history with a per-type summary.
func (s *Service) Report() Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := "stopped"
	if s.running {
		status = "running"
	}
	report := Report{
		ServiceStatus: status,
		LastSync:      s.lastSync,
		Summary:       map[string]int{},
		Recent:        make([]Drift, len(s.history)),
	}
	copy(report.Recent, s.history)
	for _, d := range s.history {
		report.Summary[string(d.Type)]++
		if d.Resolved {
			report.Summary["resolved"]++
		}
	}
	return report
}
