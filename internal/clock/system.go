package clock

import (
	"context"
	"time"
)

type SystemClock struct{}

func (SystemClock) Now(ctx context.Context) time.Time {
	if t, ok := fromContext(ctx); ok {
		return t
	}
	return time.Now().UTC()
}

// Fixed always returns the same instant unless ctx carries WithTime.
type Fixed struct {
	At time.Time
}

func (f *Fixed) Now(ctx context.Context) time.Time {
	if t, ok := fromContext(ctx); ok {
		return t
	}
	return f.At.UTC()
}

func (f *Fixed) Advance(d time.Duration) {
	f.At = f.At.Add(d)
}
