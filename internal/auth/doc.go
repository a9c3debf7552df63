// Package auth provides authentication and authorization for rig-gateway.
//
// # Tokens
//
// Every API caller presents an HS256 JWT signed with the configured
// jwt_secret (at least MinSecretLength bytes). Tokens carry two claims:
//
//   - sub: the user id, or a free-form agent name
//   - role: "user", "admin" or "agent"
//
// Tokens are minted by `rig-gateway bootstrap`.
//
// # Roles
//
// Agent tokens are trusted as a class: any agent may register devices, send
// heartbeats and drain any device's mailbox. User and admin tokens are
// resolved against the users table on every request, and the stored
// is_admin flag is authoritative over the role claim.
//
// # HTTP Middleware
//
//	r.Use(auth.HTTPAuthMiddleware(verifier, accounts, logger))
//	admin.Use(auth.RequireAdminHTTP())
//	agentRoutes.Use(auth.RequireRole(auth.RoleAgent))
//
// Handlers read the caller with FromContext.
package auth
