// ABOUTME: Authenticated-subject propagation through request contexts
// ABOUTME: Provides WithSubject/SubjectFromContext helpers

package auth

import (
	"context"
)

// subjectKey is the key type for storing the authenticated subject in a
// context.Context.
type subjectKey struct{}

// WithSubject returns a new context with the authenticated subject attached.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext retrieves the authenticated subject from the context,
// returning "" if the request was not authenticated.
func SubjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(subjectKey{}).(string)
	return subject
}
