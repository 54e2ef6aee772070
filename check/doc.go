// Package check is the consistency checker: a table of validation
// rules walked in a fixed order (schema validity first, since the
// relational checks assume well-formed documents), producing a Report
// of per-document issues with severity and a repair suggestion.
//
// Issues marked auto-repairable are fixed through the transaction
// coordinator, each repair paired with an activity-log entry so every
// automated mutation leaves an audit trail. A rule that itself fails is
// recorded as a critical issue and the run continues; one broken rule
// must not blind the checker to the rest.
package check
