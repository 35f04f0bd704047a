// Package monitor holds the domain model of the watcher: snapshots, status and
// metric records, notifications, the error taxonomy, and the ports that
// storage, fetch, mail and publish adapters implement.
package monitor
