// Package engine implements the generic step-execution mechanism shared by
// the Stage and Phase orchestrators.
//
// A Runner consults a state.Store before every step:
//
//   - complete steps are skipped without invoking their action
//   - anything else (not-started, failed, or an interrupted running) is marked
//     running, executed once, then marked complete or failed
//
// The Runner never retries. A failed step halts the orchestration with a
// *HaltError that carries operator remediation text; re-invoking the Runner
// for the same step is what "resume" means operationally. Retrying transient
// infrastructure errors is the business of the action itself (see
// internal/action.Retrying).
//
// Execution is single-threaded and strictly sequential. All continuation
// context lives in the Store, never in memory, because the next step may run
// in a different process after a reboot.
package engine
