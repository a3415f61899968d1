// Package invariant gives the testable properties from spec.md section 8
// (P1-P8) a runtime assertion surface, in addition to the unit tests that
// exercise them directly. It wraps antithesis-sdk-go's assert package so the
// same invariant checks double as fuzz-target assertions when this module is
// run under Antithesis-style continuous behavioral fuzzing.
package invariant

import "github.com/antithesishq/antithesis-sdk-go/assert"

// MarkDeleteMonotonic asserts P1: accepted mark-delete positions never
// regress for a given cursor.
func MarkDeleteMonotonic(holds bool, cursor string, from, to string) {
	assert.Always(holds, "mark-delete is monotonic", map[string]any{
		"cursor": cursor,
		"from":   from,
		"to":     to,
	})
}

// IndividualDeleteIdempotent asserts P2: re-deleting an already-deleted
// position is a no-op.
func IndividualDeleteIdempotent(holds bool, cursor string, pos string) {
	assert.Always(holds, "individual delete is idempotent", map[string]any{
		"cursor":   cursor,
		"position": pos,
	})
}

// BacklogNonNegative asserts P3's conservation law never drives the backlog
// count negative.
func BacklogNonNegative(holds bool, cursor string, backlog int64) {
	assert.Always(holds, "backlog count is conserved and non-negative", map[string]any{
		"cursor":  cursor,
		"backlog": backlog,
	})
}

// RewindPreservesAckState asserts P4: rewind never mutates markDelete or
// individuallyDeleted.
func RewindPreservesAckState(holds bool, cursor string) {
	assert.Always(holds, "rewind only moves the read position", map[string]any{
		"cursor": cursor,
	})
}

// RetentionSafe asserts P7: no segment is ever trimmed while a durable
// cursor's mark-delete still falls at or inside it.
func RetentionSafe(holds bool, segmentID uint64, slowestMarkDelete string) {
	assert.Always(holds, "trim never removes a segment pinned by a durable cursor", map[string]any{
		"segment":            segmentID,
		"slowestMarkDeleted": slowestMarkDelete,
	})
}

// PrefixAbsorptionComplete asserts P8: after absorption, no individually
// deleted range remains at or before the new mark-delete.
func PrefixAbsorptionComplete(holds bool, cursor string, markDelete string) {
	assert.Always(holds, "mark-delete absorbs every contiguous individually-deleted range", map[string]any{
		"cursor":     cursor,
		"markDelete": markDelete,
	})
}

// NonDurableNotRegistered asserts P6: a non-durable cursor never ends up in
// the durable cursor registry consulted by retention.
func NonDurableNotRegistered(holds bool, cursor string) {
	assert.Always(holds, "non-durable cursors are never registered", map[string]any{
		"cursor": cursor,
	})
}
