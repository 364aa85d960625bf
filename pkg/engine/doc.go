// Package engine models desired state as intents and converges hosts to it.
//
// # Overview
//
// An Intent is a declarative description of one managed entity: a directory,
// a file, a package, a service, an INI setting, a database, or an Anchor used
// purely as an ordering checkpoint. Intents are identified as Kind[Title],
// for example File[/tftpboot] or Anchor[ironic::config::begin].
//
// Intents are collected in a ResourceSet. Ordering is never implied by
// position; it is declared with edges:
//
//   - require:   run after the target, which must succeed
//   - before:    run before the target
//   - subscribe: run after the target and refresh when it changes
//   - notify:    run before the target and refresh it on change
//
// Files and directories additionally depend on the nearest managed parent
// directory.
//
// # Graph
//
// ResourceSet.Graph normalizes the edges, rejects missing targets and cycles,
// and groups intents into levels with Kahn's algorithm:
//
//	graph, err := set.Graph()
//	if err != nil {
//	    // *EngineError with ErrCodeCycle or ErrCodeMissingTarget
//	}
//
// # Convergence
//
// A Converger applies a set with per-kind Providers:
//
//	conv := engine.NewConverger(providers, engine.WithLogger(logger))
//	report, err := conv.Apply(ctx, set, engine.ApplyOptions{Timeout: 5 * time.Minute})
//
// Levels run in order and intents within a level run in parallel. Each intent
// is checked and, when out of sync, applied. Failures are recorded per intent
// as ConvergenceFailure and only skip the intent's dependents. Re-applying an
// identical set reports no changes.
//
// # Errors
//
// Errors are classified for retry logic:
//
//   - Transient: may succeed on retry
//   - Throttled: retry with longer backoff
//   - Conflict: retry after a short delay
//   - Permanent: never retried
package engine
