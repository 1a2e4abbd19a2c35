// Package identity authenticates callers of tandem's HTTP and WebSocket surfaces.
//
// Accounts, passwords and token issuance live in an external identity service. This
// package only verifies what that service hands out and yields a trusted Principal.
// Three verifiers are provided:
//   - PASETO v4.public access tokens (Ed25519 public key, claim "uid")
//   - HS256 JWTs (shared secret, subject claim)
//   - a trusted header, for local development behind a proxy that already authenticated
package identity
