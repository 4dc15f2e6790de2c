package replication

import "context"

// Origin describes the replication message whose handling caused a change. Listeners
// use it to avoid replicating a replicated change back out.
type Origin struct {
	MessageID   string
	Type        string
	Source      string
	Transmitter string
}

type originKey struct{}

// WithOrigin marks ctx as handling the replication message described by o.
func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// OriginFrom returns the replication origin attached to ctx.
func OriginFrom(ctx context.Context) (Origin, bool) {
	o, ok := ctx.Value(originKey{}).(Origin)
	return o, ok
}

// IsReplicated reports whether ctx belongs to the handling of a replication message.
func IsReplicated(ctx context.Context) bool {
	_, ok := OriginFrom(ctx)
	return ok
}
