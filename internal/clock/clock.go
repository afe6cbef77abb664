package clock

import (
	"context"
	"time"
)

type Clock interface {
	Now(ctx context.Context) time.Time
}

type simulatedKey struct{}

// WithTime pins the clock reading for everything that runs under ctx. Jobs
// replaying a past window and tests use it; production callers never do.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, simulatedKey{}, t.UTC())
}

func fromContext(ctx context.Context) (time.Time, bool) {
	if ctx == nil {
		return time.Time{}, false
	}
	t, ok := ctx.Value(simulatedKey{}).(time.Time)
	return t, ok
}
