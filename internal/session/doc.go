// Package session orchestrates the IAM login flow.
//
// Register binds an external identity to a new principal. Login sends a
// one-time code out of band; Verify exchanges the code for an access/refresh
// token pair. Refresh rotates the pair, optionally rejecting superseded
// refresh tokens by generation. Logout is advisory: tokens are stateless and
// remain valid until they expire.
//
// Every state change emits a domain event (user.*, auth.*) through the
// injected emitter.
package session
