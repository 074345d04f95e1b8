// Package turn issues short-lived TURN relay credentials.
//
// It implements the shared-secret scheme understood by coturn
// (use-auth-secret / static-auth-secret):
//   - username   = "<unix expiry>:<user id>"
//   - credential = base64(HMAC-SHA1(secret, username))
//
// The TURN server recomputes the HMAC with the same secret, so nothing is
// stored and credentials expire on their own.
package turn
