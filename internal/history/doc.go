// Package history keeps a SQLite ledger of orchestrator runs and the step
// transitions each run made.
//
// The ledger backs the run listing in --status. It is advisory: the State
// Store files remain the only input to resume decisions, and a history write
// failure never halts a run.
//
// # Database Configuration
//
//   - WAL mode: the nested Phase process writes while the Stage process waits
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON
package history
