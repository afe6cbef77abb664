package server

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	meteringdomain "github.com/railzwaylabs/credits/internal/metering/domain"
	"github.com/shopspring/decimal"
)

type submitUsageRequest struct {
	UserID         *snowflake.ID              `json:"user_id,omitempty"`
	FeatureKey     string                     `json:"feature_key" binding:"required"`
	Items          []meteringdomain.UsageItem `json:"items" binding:"required"`
	Quantity       *decimal.Decimal           `json:"quantity,omitempty"`
	IdempotencyKey string                     `json:"idempotency_key"`
	OccurredAt     time.Time                  `json:"occurred_at"`
	Currency       string                     `json:"currency"`
}

type reconcileRequest struct {
	Items []meteringdomain.UsageItem `json:"items"`
}

func (s *Server) SubmitUsage(c *gin.Context) {
	var req submitUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	res, err := s.meteringSvc.SubmitUsage(c.Request.Context(), meteringdomain.SubmitRequest{
		UserID:         req.UserID,
		FeatureKey:     req.FeatureKey,
		Items:          req.Items,
		Quantity:       req.Quantity,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		OccurredAt:     req.OccurredAt,
		Currency:       req.Currency,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondCreated(c, res, res.Replayed)
}

func (s *Server) GetUsageEvent(c *gin.Context) {
	ev, err := s.meteringSvc.GetUsageEvent(c.Request.Context(), strings.TrimSpace(c.Param("key")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, ev)
}

func (s *Server) VoidUsage(c *gin.Context) {
	ctx := c.Request.Context()
	ev, err := s.meteringSvc.GetUsageEvent(ctx, strings.TrimSpace(c.Param("key")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	voided, err := s.meteringSvc.VoidUsage(ctx, ev.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, voided)
}

func (s *Server) ReconcileUsage(c *gin.Context) {
	var req reconcileRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}

	ctx := c.Request.Context()
	ev, err := s.meteringSvc.GetUsageEvent(ctx, strings.TrimSpace(c.Param("key")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	res, err := s.reconcileSvc.Reconcile(ctx, ev.ID, req.Items)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, res)
}
