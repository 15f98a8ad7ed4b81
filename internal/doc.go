// Package internal contains the implementation packages of bundlr.
//
// A build flows through the packages in this order:
//
//   - resolver: maps import specifiers to canonical module identities
//   - pipeline: runs the plugin transform chain with a content-hash cache
//   - graph: builds and incrementally updates the module graph
//   - chunk: groups modules into entry, async and common chunks
//   - emit: renders chunks with the runtime and writes them with a manifest
//   - session: owns the current graph and generation and drives the above
//
// The dev server side is built from:
//
//   - watcher: fsnotify events filtered and translated into changes
//   - devserver: rebuild queue, HTTP handlers and the hot update hub
//   - hmr: the hot update wire protocol
//
// Supporting packages are config, logging, errors, metrics, output,
// plugins, module, version and testutils.
package internal
