// Package sinks implements concrete progress consumers such as Prometheus,
// repository-backed storage, and structured logging. Each sink satisfies the
// progress.Sink interface and receives at most one patch per entity per flush.
package sinks
