// Package api implements the HTTP REST API and WebSocket event feed for the
// TG-ERP IAM core.
//
// This package provides:
//   - the passwordless login flow: register, login (one-time code), verify,
//     refresh and logout
//   - principal, role, permission and assignment administration
//   - paginated audit log queries
//   - a WebSocket hub relaying consumed domain events to administrators
//   - middleware (request ID, Prometheus, logging, recovery, CORS, body
//     limit, per-client rate limit)
//
// # Security
//
// Protected routes take a bearer access token. Each route then declares a
// Policy that is evaluated by the authorization engine: a caller acting on
// their own principal is allowed, then role membership, then the
// (resource, action) permission fallback. Authentication failures all
// return the same 401 body so clients cannot tell which check failed.
//
// POST /auth/login answers 202 whether or not the external ID is known.
//
// WebSocket connections use single-use tickets from POST /auth/ws-ticket
// so the access token never appears in a URL.
package api
