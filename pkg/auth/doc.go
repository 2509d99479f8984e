// Package auth resolves the acting user of a request from the session JWT
// and enforces role checks.
//
// Tokens are HS256 JWTs carrying {userId, email, role}, read from the
// auth-token cookie or an Authorization: Bearer header. A request without
// a valid token gets 401; a valid token with a disallowed role gets 403.
//
//	mw := auth.NewMiddleware(tokens, auth.WithFailureRecorder(tracker))
//	router.Use(mw.Authenticate)
//	admin := mw.RequireRole(auth.RoleAdmin)
package auth
