package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystemClockHonorsContextOverride(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := WithTime(context.Background(), at)

	assert.Equal(t, at, SystemClock{}.Now(ctx))
	assert.WithinDuration(t, time.Now().UTC(), SystemClock{}.Now(context.Background()), time.Second)
}

func TestFixedAdvance(t *testing.T) {
	c := &Fixed{At: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	c.Advance(time.Hour)
	assert.Equal(t, 1, c.Now(context.Background()).Hour())
}
