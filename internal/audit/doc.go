// Package audit maintains the append-only audit trail of orchestrator runs.
//
// Every event goes to two files under the log directory:
//
//   - nodeprov.log: a human-readable transcript. Each run begins with a
//     marker line, so the file is a sequence of run blocks.
//   - nodeprov.jsonl: one JSON object per event with ts, level, step, host,
//     run and msg fields.
//
// Both files are compacted once when a run opens the log, before anything is
// appended: the transcript keeps the newest MaxRuns-1 prior run blocks and the
// event stream keeps the newest MaxEvents lines. The current run is never
// touched by compaction.
//
// A nested process (the Phase Orchestrator running inside a stage) opens the
// log in Continue mode and appends to the parent's run block.
package audit
