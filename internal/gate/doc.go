// Package gate enforces request preconditions in a fixed order.
//
// Every gated route declares Requirements; the middleware checks them as
// setup state, then authentication, then license, then individual
// permissions. The first failing check answers the request, so a client
// never learns about permission details while the server is still in setup
// mode or the caller is anonymous. Admin users bypass the license check.
package gate
