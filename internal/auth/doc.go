// Package auth provides caller identification and admin authentication for
// the gateway.
//
// # Caller Identity
//
// Agents assert their identity with the X-Agent-ID header on RPC and
// discovery requests. The header is trusted at the transport level; every
// asserted identity is still subject to the access control list before any
// method executes, so a forged header grants nothing beyond that agent's
// configured permissions.
//
// # Admin Endpoints
//
// Administrative endpoints (configuration reload, debug views) require a
// bearer token signed with HS256 using the configured secret:
//
//	verifier := auth.NewJWTVerifier(secret)
//	mux.Handle("/reload-config", auth.RequireAdmin(verifier)(handler))
//
// Tokens carry a subject, a role, and an expiration. Only tokens with the
// admin role pass RequireAdmin. The verified identity is attached to the
// request context and can be read with IdentityFrom.
package auth
