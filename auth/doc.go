// Package auth authenticates HTTP callers by bearer token so that sessions
// can be bound to the user that created them.
//
// JWTAuthenticator verifies JWT access tokens against a JWKS. The key set is
// located either directly through Config.JWKSURI or through OpenID Connect
// discovery on Config.Issuer, and is refreshed in the background.
//
//	a, err := auth.NewJWTAuthenticator(ctx, auth.Config{
//	    Issuer:   "https://issuer.example.com",
//	    Audience: "https://mcp.example.com/mcp",
//	})
//	h := streaminghttp.New(srv, streaminghttp.WithAuthenticator(a, "mcp"))
//
// Requests without a valid token receive a Bearer challenge. A session
// created by one user is invisible to every other user.
package auth
