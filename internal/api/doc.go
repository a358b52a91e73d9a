// Package api exposes the console HTTP surface.
//
// # Session Resolution
//
// Every route resolves the request's session from the bearer token or the
// session cookie before the gate runs; an anonymous first request creates a
// fresh interactive session and sets the cookie. When a trusted proxy
// provider is configured, its header authenticates anonymous sessions as a
// side channel during resolution.
//
// # Push Transport
//
// GET /api/events opens a server-sent event stream and attaches it to the
// session as a transport. The handshake frame carries the transport id;
// subscription changes arrive over separate POST control endpoints that
// address the transport by that id. Control endpoints only see transports
// attached to the caller's own session.
//
// # Errors
//
// Handlers translate domain errors into the wire taxonomy (ProviderNotFound,
// TooManySessions, SessionExpired, TaskNotFound, ...) with one mapping table
// in response.go, so status codes stay consistent across endpoints.
package api
