// Package sinks implements progress.Sink consumers: structured logging,
// Prometheus collectors and a Pub/Sub publisher for terminal job events.
package sinks
