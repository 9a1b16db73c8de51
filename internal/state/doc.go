// Package state provides the persisted status ledger for orchestrated steps.
//
// A Store is a line-oriented key=value file with one record per step name:
//
//	# nodeprov stage state
//	stage1_driver=complete
//	stage2_runtime=failed
//
// The file is the only source of truth across process restarts and reboots.
// The Store keeps no in-memory copy; every read goes back to disk so that
// hand edits made for manual recovery are always honoured.
//
// # Crash Safety
//
// Every Set commits through a sibling temp file that is fsynced and renamed
// over the ledger. A crash at any point leaves either the previous ledger or
// the new one on disk, never a truncated file.
package state
