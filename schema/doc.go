// Package schema defines the shared entity set of the agent network:
// tasks, agent states, activity-log entries and work requests, plus the
// queue message envelope exchanged between agents.
//
// Entities carry a typed core (identifiers, statuses, timestamps) and an
// open Metadata map for free-form fields such as started_at and
// completed_at. Status enumerations are closed sets, and task status
// changes are constrained by the transition graph exposed through
// ValidTransition.
//
// The package also owns the document representation (Doc) used by the
// store gateway, with tolerant accessors for values that may arrive as
// native types or as RFC 3339 strings written by older producers.
package schema
