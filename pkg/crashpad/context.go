// context.go provides utilities for propagating the user ID and report
// properties through Go context.Context.

package crashpad

import (
	"context"
	"maps"
)

// Context key types (unexported to avoid collisions)
type userIDKey struct{}
type propertiesKey struct{}

// WithUserID returns a context carrying the user ID to attach to reports
// captured with RecoverContext. It overrides Handler.SetUserID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFromContext extracts the user ID from context.
// Returns empty string and false if not set or if the user ID is empty.
func UserIDFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(userIDKey{})
	id, ok := v.(string)
	return id, ok && id != ""
}

// WithProperty returns a context with one more report property. Properties
// set closer to the fault win.
func WithProperty(ctx context.Context, key, value string) context.Context {
	return WithProperties(ctx, map[string]string{key: value})
}

// WithProperties returns a context with the given properties merged over the
// ones already present. The caller's map is copied.
func WithProperties(ctx context.Context, props map[string]string) context.Context {
	merged := make(map[string]string, len(props))
	if existing, ok := ctx.Value(propertiesKey{}).(map[string]string); ok {
		maps.Copy(merged, existing)
	}
	maps.Copy(merged, props)
	return context.WithValue(ctx, propertiesKey{}, merged)
}

// PropertiesFromContext returns a copy of the properties attached to ctx,
// or nil if there are none.
func PropertiesFromContext(ctx context.Context) map[string]string {
	props, ok := ctx.Value(propertiesKey{}).(map[string]string)
	if !ok || len(props) == 0 {
		return nil
	}
	return maps.Clone(props)
}
