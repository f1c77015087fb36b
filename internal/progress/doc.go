// Package progress carries job lifecycle events. Bus delivers them
// synchronously to per-job subscribers (the SSE endpoint among them) and
// forwards a copy to Hub, which batches on a background goroutine and fans out
// to sinks such as Prometheus, structured logs and Pub/Sub.
//
// Neither side is durable: a subscriber registered after an event fired never
// sees it, and a restart drops every subscription.
package progress
