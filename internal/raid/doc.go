// Package raid implements the raid domain: the roster state machine, the
// raid lifecycle, the presence points awarder and the time-triggered job
// handlers.
//
// All roster and lifecycle mutations run inside a single transaction per
// invocation so the capacity and position invariants hold after every
// commit, never only eventually. Best-effort notifications (promotion DMs,
// log-channel warnings) are dispatched after commit and never roll back the
// mutation that triggered them.
package raid
