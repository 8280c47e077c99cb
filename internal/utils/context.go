package utils

import "context"

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// ContextKeyCycleID stores the correlation id of the running polling cycle
	ContextKeyCycleID ContextKey = "cycle_id"
)

func WithCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyCycleID, id)
}

// CycleID returns the cycle correlation id carried by ctx, or "".
func CycleID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyCycleID).(string)
	return id
}
