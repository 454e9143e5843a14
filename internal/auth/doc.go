// Package auth signs the bearer tokens the relay presents to coven-gateway.
//
// # Tokens
//
// Tokens are HS256 JWTs carrying the relay's principal ID in "sub":
//
//	v := auth.NewJWTVerifier(secret)
//	token, err := v.Generate("relay:matrix", time.Hour)
//
// # Token Sources
//
// A TokenSource hands out a token per request:
//
//   - StaticToken: a pre-issued token from config
//   - JWTSource: mints tokens from a shared secret and reuses each one
//     until it is close to expiry
//
// Verify is the gateway-side check; tests use it to assert what the relay sent.
package auth
