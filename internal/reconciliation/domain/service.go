package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	meteringdomain "github.com/railzwaylabs/credits/internal/metering/domain"
)

type Outcome string

const (
	OutcomeAdjusted  Outcome = "adjusted"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeFailed    Outcome = "failed"
)

type Result struct {
	Original       *meteringdomain.UsageEvent       `json:"original"`
	Adjustment     *meteringdomain.UsageEventResult `json:"adjustment,omitempty"`
	OriginalCost   int64                            `json:"original_cost"`
	RecomputedCost int64                            `json:"recomputed_cost"`
	Delta          int64                            `json:"delta"`
	Outcome        Outcome                          `json:"outcome"`
}

type SweepReport struct {
	Scanned   int `json:"scanned"`
	Adjusted  int `json:"adjusted"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

type Service interface {
	// Reconcile recomputes the cost of a charged event from corrected, or
	// when nil from its stored items, and books the difference as an
	// adjustment event. The original event and ledger row stay untouched.
	Reconcile(ctx context.Context, usageEventID snowflake.ID, corrected []meteringdomain.UsageItem) (*Result, error)
	// RunSweep reconciles every charged standard event of every tenant that
	// occurred since the given time and has no adjustment yet.
	RunSweep(ctx context.Context, since time.Time) (SweepReport, error)
}

var (
	ErrInvalidTenant      = errors.New("invalid_tenant")
	ErrNotReconcilable    = errors.New("usage_event_not_reconcilable")
	ErrUsageEventNotFound = meteringdomain.ErrUsageEventNotFound
)
