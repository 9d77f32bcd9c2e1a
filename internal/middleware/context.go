package middleware

import "context"

type contextKey string

const userIDKey contextKey = "userID"

// UserIDFromContext retrieves the user ID stored by WithUserID, used to key
// per-user rate limit windows. Returns "" if none was set.
func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(userIDKey).(string)
	return uid
}

// WithUserID returns a new context carrying the given user ID.
func WithUserID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, userIDKey, uid)
}
