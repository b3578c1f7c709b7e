// Package auth provides authentication for loom-gateway.
//
// # Authentication Methods
//
// The package supports two authentication methods:
//
//   - JWT Tokens: API clients and agent streams authenticate with HS256
//     signed bearer tokens carrying the principal name in the "sub" claim.
//     Tokens are minted with "loom-gateway token" and verified against the
//     configured jwt_secret. An empty jwt_secret disables API auth.
//
//   - Password: The read-only web transcript view uses HTTP basic auth
//     against a bcrypt hash stored in config (web.password_hash). An empty
//     hash disables the gate.
//
// # Token Management
//
//	verifier := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("ci-bot", 720*time.Hour)
//	subject, err := verifier.Verify(token)
//
// # HTTP Middleware
//
// Middleware(verifier) wraps handlers with bearer-token validation and
// places the verified subject on the request context:
//
//	handler = auth.Middleware(verifier)(handler)
//	subject := auth.SubjectFromContext(r.Context())
package auth
