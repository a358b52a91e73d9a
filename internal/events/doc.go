// Package events fans server-side events out to attached push transports.
//
// # Delivery
//
// The Broadcaster assigns each published event a monotonic id and offers it
// to every active transport. Delivery is best effort: a slow transport
// drops events rather than blocking the publisher, and a failed transport
// is logged and skipped.
//
// # Suppression and Filters
//
// An event tagged with its origin session is not echoed back to that
// session's transports unless the event is marked reflective. Transports
// additionally narrow delivery with topic subscriptions and project
// filters; an empty filter set means "everything".
//
// # Liveness
//
// The Prober pings every transport on an interval and closes the ones that
// stop answering, so dead connections release their resources without
// waiting for a write to fail.
package events
