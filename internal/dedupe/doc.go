// Package dedupe provides event deduplication using a time-based cache
// to suppress redelivered agent events within a configurable window.
package dedupe
