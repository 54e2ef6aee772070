package recovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentnet/reconcile/errors"
	"github.com/agentnet/reconcile/logging"
	"github.com/agentnet/reconcile/queue"
	"github.com/agentnet/reconcile/retry"
	"github.com/agentnet/reconcile/schema"
)

// Action priorities. Lower drains first.
const (
	PriorityCritical    = 1
	PriorityNonCritical = 3
)

// Action is one pending recovery step for a component.
type Action struct {
	Component  string
	Action     string // "restart" or "reconnect"
	Priority   int
	RetryCount int
	MaxRetries int
	QueuedAt   time.Time
	Reason     string
}

// Attempt records one executed recovery action for the history ring.
type Attempt struct {
	Component string    `json:"component"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Attempt   int       `json:"attempt"`
}

// HealthReport is the result of one monitoring pass.
type HealthReport struct {
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components"` // name -> "healthy" | "unhealthy" | "disabled"
	Issues     []string          `json:"issues"`
	Status     string            `json:"status"` // "healthy" | "degraded" | "critical"
}

// Status is a snapshot of the manager for operators.
type Status struct {
	Running          bool              `json:"running"`
	SafeMode         bool              `json:"safe_mode"`
	PendingActions   int               `json:"pending_actions"`
	Disabled         []string          `json:"disabled,omitempty"`
	RecentRecoveries []Attempt         `json:"recent_recoveries"`
	ComponentStatus  map[string]string `json:"component_status"`
}

// Alerter receives operator alerts. The default implementation logs.
type Alerter interface {
	Alert(severity, component, message string)
}

type logAlerter struct {
	log *logging.Logger
}

func (a logAlerter) Alert(severity, component, message string) {
	a.log.Error("ALERT", map[string]interface{}{
		"severity":  severity,
		"component": component,
		"message":   message,
	})
}

// Config tunes the recovery manager.
type Config struct {
	// CheckInterval is the monitoring cadence.
	CheckInterval time.Duration

	// MaxRetries is the per-action retry budget before the failure is
	// treated as permanent.
	MaxRetries int

	// BackoffCap bounds the re-enqueue delay after a failed action.
	BackoffCap time.Duration

	// AgentQueues receive a control_stop message when the manager
	// enters safe mode.
	AgentQueues []string

	// ReconnectPolicy drives reconnect actions. Zero value selects a
	// jittered exponential discipline.
	ReconnectPolicy retry.Policy
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	if len(c.AgentQueues) == 0 {
		c.AgentQueues = []string{schema.DefaultWorkerQueue}
	}
	if c.ReconnectPolicy.MaxAttempts == 0 {
		c.ReconnectPolicy = retry.Policy{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			MaxDelay:    60 * time.Second,
			Backoff:     retry.ExponentialJitter,
			Retryable:   func(error) bool { return true },
		}
	}
	return c
}

const historyLimit = 100

// Manager monitors the component table and drives recovery actions
// through a priority-ordered, deduplicated queue.
type Manager struct {
	queue   queue.Queue
	cfg     Config
	log     *logging.Logger
	alerter Alerter

	mu         sync.Mutex
	components []Component
	pending    []Action
	active     map[string]bool // component+action pairs being handled
	disabled   map[string]bool
	status     map[string]string
	history    []Attempt
	safeMode   bool
	running    bool
	stop       chan struct{}
	wake       chan struct{}
	done       chan struct{}
}

// New builds a manager over the given component table. q is the broker
// gateway used to stop agents in safe mode; alerter may be nil.
func New(q queue.Queue, components []Component, cfg Config, log *logging.Logger, alerter Alerter) *Manager {
	if log == nil {
		log = logging.New()
	}
	log = log.WithComponent("RecoveryManager")
	if alerter == nil {
		alerter = logAlerter{log: log}
	}
	return &Manager{
		queue:      q,
		cfg:        cfg.withDefaults(),
		log:        log,
		alerter:    alerter,
		components: components,
		active:     make(map[string]bool),
		disabled:   make(map[string]bool),
		status:     make(map[string]string),
	}
}

// Start launches the monitor and worker loops. Idempotent.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.wake = make(chan struct{}, 1)
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	// done closes only after both loops have exited, so Stop joins the
	// monitor as well as the worker.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.monitorLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.workerLoop(ctx)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()
	m.log.Info("recovery manager started", map[string]interface{}{
		"check_interval": m.cfg.CheckInterval.String(),
		"components":     len(m.components),
	})
}

// Stop halts the loops and waits briefly for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		m.log.Warn("recovery loops did not stop in time")
	}
}

// Running reports whether the loops are active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// monitorLoop runs the periodic health pass. Detected actions are
// drained by the worker loop so a slow restart never delays detection.
func (m *Manager) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.CheckSystemHealth(ctx)
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckSystemHealth(ctx)
		}
	}
}

func (m *Manager) workerLoop(ctx context.Context) {
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-m.wake:
			m.drain(ctx)
		}
	}
}

// CheckSystemHealth probes every enabled component, queues recovery
// actions for the unhealthy ones and returns the report.
func (m *Manager) CheckSystemHealth(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]string),
	}

	m.mu.Lock()
	components := make([]Component, len(m.components))
	copy(components, m.components)
	disabled := make(map[string]bool, len(m.disabled))
	for k, v := range m.disabled {
		disabled[k] = v
	}
	m.mu.Unlock()

	criticalDown := false
	var actions []Action
	for _, c := range components {
		if disabled[c.Name] {
			report.Components[c.Name] = "disabled"
			continue
		}
		err := m.runHealthCheck(ctx, c)
		if err == nil {
			report.Components[c.Name] = "healthy"
			continue
		}
		report.Components[c.Name] = "unhealthy"
		report.Issues = append(report.Issues, c.Name+": "+err.Error())
		if c.Critical {
			criticalDown = true
		}
		actions = append(actions, m.actionFor(c, err))
	}
	// One batch per pass so the worker sees the full, priority-sortable
	// set at once.
	m.requeue(actions...)

	switch {
	case criticalDown:
		report.Status = "critical"
	case len(report.Issues) > 0:
		report.Status = "degraded"
	default:
		report.Status = "healthy"
	}

	m.mu.Lock()
	m.status = report.Components
	m.mu.Unlock()

	if len(report.Issues) > 0 {
		m.log.Warn("health check found issues", map[string]interface{}{
			"status": report.Status,
			"issues": len(report.Issues),
		})
	}
	return report
}

// actionFor builds the recovery action for an unhealthy component.
// Reconnect is preferred when the component offers it.
func (m *Manager) actionFor(c Component, cause error) Action {
	kind := "restart"
	if c.Reconnect != nil {
		kind = "reconnect"
	}
	priority := PriorityNonCritical
	if c.Critical {
		priority = PriorityCritical
	}
	return Action{
		Component:  c.Name,
		Action:     kind,
		Priority:   priority,
		MaxRetries: m.cfg.MaxRetries,
		QueuedAt:   time.Now().UTC(),
		Reason:     cause.Error(),
	}
}

// requeue adds actions, then wakes the worker. A fresh detection for a
// component+action pair that is already being handled (pending,
// executing, or waiting out a retry backoff) is dropped so the retry
// counter of the in-flight chain is never reset. Retry continuations
// (RetryCount > 0) belong to the active chain and pass through.
func (m *Manager) requeue(actions ...Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	added := false
	for _, a := range actions {
		if m.disabled[a.Component] {
			continue
		}
		key := a.Component + "/" + a.Action
		if a.RetryCount == 0 && m.active[key] {
			continue
		}
		m.active[key] = true
		m.pending = append(m.pending, a)
		added = true
	}
	if added && m.running {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) settle(a Action) {
	m.mu.Lock()
	delete(m.active, a.Component+"/"+a.Action)
	m.mu.Unlock()
}

// drain executes pending actions in priority order until the queue is
// empty or the context is done.
func (m *Manager) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		a, ok := m.next()
		if !ok {
			return
		}
		m.execute(ctx, a)
	}
}

func (m *Manager) next() (Action, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return Action{}, false
	}
	sort.SliceStable(m.pending, func(i, j int) bool {
		return m.pending[i].Priority < m.pending[j].Priority
	})
	a := m.pending[0]
	m.pending = m.pending[1:]
	return a, true
}

func (m *Manager) execute(ctx context.Context, a Action) {
	c, ok := m.component(a.Component)
	if !ok {
		m.settle(a)
		return
	}

	m.log.Info("executing recovery action", map[string]interface{}{
		"component": a.Component,
		"action":    a.Action,
		"attempt":   a.RetryCount + 1,
	})

	err := m.runAction(ctx, c, a)

	m.record(Attempt{
		Component: a.Component,
		Action:    a.Action,
		Timestamp: time.Now().UTC(),
		Success:   err == nil,
		Attempt:   a.RetryCount + 1,
		Error:     errString(err),
	})

	if err == nil {
		m.settle(a)
		m.log.Info("recovery action succeeded", map[string]interface{}{
			"component": a.Component,
			"action":    a.Action,
		})
		return
	}

	a.RetryCount++
	if a.RetryCount >= a.MaxRetries {
		m.settle(a)
		m.permanentFailure(ctx, c, err)
		return
	}

	delay := retry.ExpDelay(a.RetryCount, m.cfg.BackoffCap)
	m.log.Warn("recovery action failed, will retry", map[string]interface{}{
		"component": a.Component,
		"action":    a.Action,
		"attempt":   a.RetryCount,
		"delay":     delay.String(),
		"error":     err.Error(),
	})
	time.AfterFunc(delay, func() {
		m.requeue(a)
	})
}

// runHealthCheck isolates a component's health probe so a panic inside
// it counts as unhealthy instead of killing the monitor loop.
func (m *Manager) runHealthCheck(ctx context.Context, c Component) (err error) {
	defer func() {
		if perr := errors.RecoverPanic(recover()); perr != nil {
			err = perr
		}
	}()
	return c.HealthCheck(ctx)
}

// runAction invokes the component's restart or reconnect hook with the
// same isolation, so a faulty hook is a failed attempt, not a dead
// worker loop.
func (m *Manager) runAction(ctx context.Context, c Component, a Action) (err error) {
	defer func() {
		if perr := errors.RecoverPanic(recover()); perr != nil {
			err = perr
		}
	}()
	switch a.Action {
	case "reconnect":
		if c.Reconnect == nil {
			return errors.New(errors.ErrCodeUnsupported, "component "+c.Name+" cannot reconnect")
		}
		return m.cfg.ReconnectPolicy.Do(ctx, func() error {
			return c.Reconnect(ctx)
		})
	default:
		return c.Restart(ctx)
	}
}

// permanentFailure handles a component whose retry budget is spent:
// critical components put the system into safe mode, non-critical ones
// are disabled until an operator intervenes.
func (m *Manager) permanentFailure(ctx context.Context, c Component, cause error) {
	wrapped := errors.WrapWithCode(cause, errors.ErrCodePermanentFailure,
		"component "+c.Name+" failed recovery")
	m.log.Error("permanent failure", map[string]interface{}{
		"component": c.Name,
		"critical":  c.Critical,
		"error":     wrapped.Error(),
	})

	if c.Critical {
		m.EnterSafeMode(ctx, c.Name, wrapped)
		return
	}

	m.mu.Lock()
	m.disabled[c.Name] = true
	m.status[c.Name] = "disabled"
	m.mu.Unlock()
	m.alerter.Alert("high", c.Name, "component disabled after exhausted recovery retries: "+wrapped.Error())
}

// EnterSafeMode publishes a stop control message to every agent queue
// and raises a critical alert. Further recovery continues so the
// failed component can still come back, but agents stop mutating state.
func (m *Manager) EnterSafeMode(ctx context.Context, component string, cause error) {
	m.mu.Lock()
	if m.safeMode {
		m.mu.Unlock()
		return
	}
	m.safeMode = true
	m.mu.Unlock()

	m.alerter.Alert("critical", component, "entering safe mode: "+cause.Error())

	for _, q := range m.cfg.AgentQueues {
		msg := &schema.Message{
			MessageType: schema.MessageControlStop,
			FromAgent:   schema.SystemAgentID,
			Timestamp:   time.Now().UTC(),
			Priority:    schema.PriorityCritical,
			Metadata: map[string]interface{}{
				"reason":    "safe_mode",
				"component": component,
			},
		}
		if err := m.queue.Publish(ctx, q, msg); err != nil {
			m.log.Error("failed to publish stop control", map[string]interface{}{
				"queue": q,
				"error": err.Error(),
			})
		}
	}
	m.log.Error("safe mode engaged", map[string]interface{}{"component": component})
}

// SafeMode reports whether safe mode is engaged.
func (m *Manager) SafeMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.safeMode
}

// Enable clears a component's disabled flag so it is checked again.
func (m *Manager) Enable(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.disabled, name)
}

// Status returns an operator snapshot of the manager.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		Running:         m.running,
		SafeMode:        m.safeMode,
		PendingActions:  len(m.pending),
		ComponentStatus: make(map[string]string, len(m.status)),
	}
	for k, v := range m.status {
		s.ComponentStatus[k] = v
	}
	for name := range m.disabled {
		s.Disabled = append(s.Disabled, name)
	}
	sort.Strings(s.Disabled)

	recent := m.history
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	s.RecentRecoveries = append([]Attempt(nil), recent...)
	return s
}

func (m *Manager) component(name string) (Component, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disabled[name] {
		return Component{}, false
	}
	for _, c := range m.components {
		if c.Name == name {
			return c, true
		}
	}
	return Component{}, false
}

func (m *Manager) record(a Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, a)
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
