// Package progress defines the partial view-model Patch produced from stream
// events, the Sink interface downstream stores implement, and the Coalescer
// that merges bursts of patches per entity and flushes them once per window.
package progress
