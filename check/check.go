package check

import (
	"context"
	"time"

	"github.com/agentnet/reconcile/errors"
	"github.com/agentnet/reconcile/logging"
	"github.com/agentnet/reconcile/schema"
	"github.com/agentnet/reconcile/store"
	"github.com/agentnet/reconcile/txn"
)

// Rule is one validation pass: a check that appends issues, and an
// optional repair applied to the issues the check found. A nil Repair
// means the rule's issues always require manual resolution.
type Rule struct {
	Name        string
	Description string
	Collection  string
	Severity    Severity
	Check       func(ctx context.Context, out *[]Issue) error
	Repair      func(ctx context.Context, issue Issue) error
}

// Config tunes the checker.
type Config struct {
	// SampleLimit bounds how many activity-log documents the sampled
	// passes read. Default: 1000.
	SampleLimit int

	// AgentRoster is the closed set of known agent identifiers. When
	// set, agent state documents with an agent_id outside the roster
	// are flagged as schema violations. Empty means any id is allowed.
	AgentRoster []string
}

func (c Config) withDefaults() Config {
	if c.SampleLimit <= 0 {
		c.SampleLimit = 1000
	}
	return c
}

// Checker runs the validation rule table against the store. It is
// invoked synchronously and never runs concurrently with itself.
type Checker struct {
	store store.Store
	coord *txn.Coordinator
	cfg   Config
	log   *logging.Logger
	rules []Rule
}

// New builds a checker with the standard rule table. The table is
// constructed once here and walked in order on every run; rules added
// by callers run after the standard ones.
func New(st store.Store, coord *txn.Coordinator, cfg Config, log *logging.Logger, extra ...Rule) *Checker {
	if log == nil {
		log = logging.New()
	}
	c := &Checker{
		store: st,
		coord: coord,
		cfg:   cfg.withDefaults(),
		log:   log.WithComponent("ConsistencyChecker"),
	}
	c.rules = append(c.standardRules(), extra...)
	return c
}

// standardRules is the ordered validation table. Schema validity comes
// first because every later pass assumes well-formed documents.
func (c *Checker) standardRules() []Rule {
	return []Rule{
		{
			Name:        "schema_validation",
			Description: "required fields present, types correct, enums within their closed sets",
			Collection:  "*",
			Severity:    SeverityHigh,
			Check:       c.checkSchemas,
		},
		{
			Name:        "task_assigned_agent_exists",
			Description: "assigned tasks reference an existing agent",
			Collection:  schema.CollectionTasks,
			Severity:    SeverityHigh,
			Check:       c.checkTaskAgentReferences,
			Repair:      c.repairTaskAgentReference,
		},
		{
			Name:        "agent_current_task_exists",
			Description: "agent task references point at existing tasks assigned to that agent",
			Collection:  schema.CollectionAgentStates,
			Severity:    SeverityHigh,
			Check:       c.checkAgentTaskReferences,
			Repair:      c.repairAgentTaskReference,
		},
		{
			Name:        "bidirectional_references",
			Description: "task assignment and agent back-reference agree",
			Collection:  "*",
			Severity:    SeverityHigh,
			Check:       c.checkBidirectionalReferences,
			Repair:      c.repairBidirectionalReference,
		},
		{
			Name:        "task_status_consistency",
			Description: "recorded status history follows the transition graph",
			Collection:  schema.CollectionTasks,
			Severity:    SeverityMedium,
			Check:       c.checkStatusTransitions,
			// Report only: choosing which historical state was correct
			// needs human judgment.
		},
		{
			Name:        "task_temporal_consistency",
			Description: "completion timestamps do not precede creation",
			Collection:  schema.CollectionTasks,
			Severity:    SeverityHigh,
			Check:       c.checkTemporalConsistency,
			Repair:      c.repairTemporalConsistency,
		},
		{
			Name:        "agent_unique_ids",
			Description: "agent identifiers are unique",
			Collection:  schema.CollectionAgentStates,
			Severity:    SeverityCritical,
			Check:       c.checkAgentUniqueness,
			// Duplicate identity is structural corruption; never repaired
			// automatically.
		},
		{
			Name:        "activity_agent_exists",
			Description: "activity entries reference known agents",
			Collection:  schema.CollectionActivityLogs,
			Severity:    SeverityLow,
			Check:       c.checkActivityAgentReferences,
			// Historical data; report only.
		},
	}
}

// RunFullCheck walks every rule in order and returns the aggregated
// report. With autoRepair, repairable issues are fixed through the
// coordinator before the report is persisted. The report is saved to
// consistency_reports regardless of its contents; a save failure is
// logged, not fatal.
func (c *Checker) RunFullCheck(ctx context.Context, autoRepair bool) (*Report, error) {
	start := time.Now().UTC()
	c.log.Info("starting full consistency check", map[string]interface{}{
		"rules": len(c.rules), "auto_repair": autoRepair,
	})

	var issues []Issue
	for _, rule := range c.rules {
		if err := c.runRule(ctx, rule, &issues); err != nil {
			issues = append(issues, Issue{
				Type:             IssueSchemaViolation,
				Rule:             rule.Name,
				Collection:       rule.Collection,
				Description:      "rule check failed: " + err.Error(),
				Severity:         SeverityCritical,
				AutoRepairable:   false,
				RepairSuggestion: "review rule implementation and store connectivity",
			})
			c.log.Error("rule check failed", map[string]interface{}{
				"rule": rule.Name, "error": err.Error(),
			})
		}
	}

	report := &Report{
		Timestamp:         start,
		TotalIssues:       len(issues),
		Issues:            issues,
		IssuesBySeverity:  map[Severity]int{},
		IssuesByType:      map[IssueType]int{},
		AutoRepairEnabled: autoRepair,
	}
	for _, issue := range issues {
		report.IssuesBySeverity[issue.Severity]++
		report.IssuesByType[issue.Type]++
	}

	if autoRepair {
		report.RepairsPerformed = c.performRepairs(ctx, issues)
	}
	report.Duration = time.Since(start)

	if err := c.store.InsertOne(ctx, schema.CollectionConsistencyReports, report.Doc()); err != nil {
		c.log.Error("failed to persist consistency report", map[string]interface{}{
			"error": err.Error(),
		})
	}

	c.log.Info("consistency check complete", map[string]interface{}{
		"issues":   report.TotalIssues,
		"repaired": report.RepairsPerformed,
		"duration": report.Duration.String(),
	})
	return report, nil
}

// runRule isolates one rule so a panic inside a check function is
// reported like any other rule failure.
func (c *Checker) runRule(ctx context.Context, rule Rule, out *[]Issue) (err error) {
	defer func() {
		if perr := errors.RecoverPanic(recover()); perr != nil {
			err = perr
		}
	}()
	return rule.Check(ctx, out)
}

// performRepairs applies the owning rule's repair to every repairable
// issue. A repair failure is logged and counted out, never fatal.
func (c *Checker) performRepairs(ctx context.Context, issues []Issue) int {
	byRule := map[string]*Rule{}
	for i := range c.rules {
		byRule[c.rules[i].Name] = &c.rules[i]
	}

	repaired := 0
	for _, issue := range issues {
		if !issue.AutoRepairable {
			continue
		}
		rule, ok := byRule[issue.Rule]
		if !ok || rule.Repair == nil {
			continue
		}
		if err := rule.Repair(ctx, issue); err != nil {
			c.log.Warn("repair failed", map[string]interface{}{
				"rule": issue.Rule, "document": issue.DocumentID, "error": err.Error(),
			})
			continue
		}
		repaired++
		c.log.Info("repaired issue", map[string]interface{}{
			"type": string(issue.Type), "collection": issue.Collection, "document": issue.DocumentID,
		})
	}
	return repaired
}

// Rules exposes the rule table, for status surfaces.
func (c *Checker) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}
