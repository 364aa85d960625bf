// Package stores persists convergence runs in SQLite. It records run
// reports with their per-intent results, the execution events of each run,
// and the desired-state hash every committed intent was last applied with,
// which drift detection compares the next resource set against.
package stores
