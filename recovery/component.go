package recovery

import (
	"context"
	"time"

	"github.com/agentnet/reconcile/errors"
	"github.com/agentnet/reconcile/queue"
	"github.com/agentnet/reconcile/schema"
	"github.com/agentnet/reconcile/store"
)

// Component is one monitored element of the system. The component
// table is built at startup and passed into the manager by reference;
// there is no ambient registry.
type Component struct {
	// Name identifies the component in actions, logs and alerts.
	Name string

	// Critical components put the system into safe mode when they fail
	// permanently. Their recovery actions drain first.
	Critical bool

	// HealthCheck returns nil when the component is healthy.
	HealthCheck func(ctx context.Context) error

	// Restart brings the component back. Required.
	Restart func(ctx context.Context) error

	// Reconnect re-establishes a connection without a restart. Optional;
	// when set, reconnect actions use the jittered backoff loop instead
	// of the action-queue retry budget.
	Reconnect func(ctx context.Context) error
}

// reconnector is implemented by gateways that can re-dial in place.
type reconnector interface {
	Reconnect(ctx context.Context) error
}

// StoreComponent wraps the store gateway as a critical component.
// Restarting an external database is an operator action, so restart
// here means reconnect.
func StoreComponent(st store.Store) Component {
	c := Component{
		Name:        "store",
		Critical:    true,
		HealthCheck: st.Ping,
		Restart: func(ctx context.Context) error {
			return st.Ping(ctx)
		},
	}
	if r, ok := st.(reconnector); ok {
		c.Reconnect = r.Reconnect
		c.Restart = r.Reconnect
	}
	return c
}

// QueueComponent wraps the broker gateway as a critical component.
func QueueComponent(q queue.Queue) Component {
	c := Component{
		Name:        "queue",
		Critical:    true,
		HealthCheck: q.Ping,
		Restart: func(ctx context.Context) error {
			return q.Ping(ctx)
		},
	}
	if r, ok := q.(reconnector); ok {
		c.Reconnect = r.Reconnect
		c.Restart = r.Reconnect
	}
	return c
}

// AgentComponent monitors one agent process through its heartbeat in
// the store. The restart function is deployment-specific and supplied
// by the caller; agents are never critical.
func AgentComponent(agentID string, st store.Store, heartbeatTimeout time.Duration, restart func(ctx context.Context) error) Component {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 300 * time.Second
	}
	return Component{
		Name:     agentID,
		Critical: false,
		HealthCheck: func(ctx context.Context) error {
			doc, err := st.FindOne(ctx, schema.CollectionAgentStates,
				store.Filter{"agent_id": agentID})
			if err != nil {
				return errors.WrapWithCode(err, errors.ErrCodeAgentOffline, "agent "+agentID+" has no state record")
			}
			agent := schema.AgentStateFromDoc(doc)
			if agent.Status == schema.AgentError || agent.Status == schema.AgentStopped {
				return errors.Newf(errors.ErrCodeAgentOffline, "agent %s status is %s", agentID, agent.Status)
			}
			if agent.LastHeartbeat.IsZero() || time.Since(agent.LastHeartbeat) > heartbeatTimeout {
				return errors.Newf(errors.ErrCodeAgentOffline, "agent %s heartbeat is stale", agentID)
			}
			return nil
		},
		Restart: restart,
	}
}
