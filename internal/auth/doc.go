// Package auth provides authentication for console-gateway.
//
// # Providers
//
// Credential verification is delegated to pluggable providers:
//
//   - Local: Username/password checked against bcrypt hashes in the store.
//
//   - LDAP: Username/password bound against an external directory. The
//     directory connection itself lives behind the Directory interface.
//
//   - Proxy: A trusted reverse proxy injects the authenticated username in
//     a request header. Trusted providers are never client-addressable;
//     only the server-side header path may invoke them.
//
//   - SSO: Federated redirect flow through an external identity broker.
//     The client is redirected out, and the attempt resolves asynchronously
//     when the broker calls back.
//
// # Attempts
//
// Every login creates an attempt that moves through IN_PROGRESS, SUCCESS,
// ERROR, or EXPIRED. Synchronous providers resolve the attempt inline;
// federated providers leave it IN_PROGRESS until the client polls it to
// completion. Resolving a terminal attempt again returns the recorded
// outcome without re-linking identities.
//
// # Identity Linking
//
// On success the coordinator maps the verified subject to a user record,
// creating one on first login, and links the identity. A login with
// linkWithActiveUser augments the session's current user with an additional
// identity instead of replacing it.
//
// # Tokens
//
// Headless API clients authenticate with HS256 JWTs signed with the
// configured jwt_secret:
//
//	token, err := verifier.Generate(subject, ttl)
//	key, err := verifier.Resolve(token)
//
// Resolve maps a bearer token to its stable session key and reports expiry
// distinctly so the session layer can signal SessionExpired.
package auth
