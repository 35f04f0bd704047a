// Package store is the typed repository over the watcher's whole-blob KV port.
//
// Every logical record lives under one fixed key and is rewritten in full on
// each change. Backends give no compare-and-swap, so two processes writing the
// same key resolve last-writer-wins. Within one process the repository
// serializes its own read-modify-write cycles (subscriber set, ring buffers);
// overlapping runs are prevented one level up by the orchestrator.
package store
