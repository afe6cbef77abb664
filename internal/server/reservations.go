package server

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	reservationdomain "github.com/railzwaylabs/credits/internal/reservation/domain"
)

type createReservationRequest struct {
	UserID         *snowflake.ID `json:"user_id,omitempty"`
	FeatureKey     string        `json:"feature_key"`
	EstimatedCost  int64         `json:"estimated_cost" binding:"required"`
	IdempotencyKey string        `json:"idempotency_key"`
	TTLSeconds     int64         `json:"ttl_seconds"`
}

type settleReservationRequest struct {
	ActualCost *int64 `json:"actual_cost" binding:"required"`
}

func (s *Server) CreateReservation(c *gin.Context) {
	var req createReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	res, err := s.reservationSvc.Reserve(c.Request.Context(), reservationdomain.ReserveRequest{
		UserID:         req.UserID,
		FeatureKey:     req.FeatureKey,
		EstimatedCost:  req.EstimatedCost,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		TTL:            time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondCreated(c, res, res.Replayed)
}

func (s *Server) GetReservation(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	res, err := s.reservationSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, res)
}

func (s *Server) SettleReservation(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req settleReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	res, err := s.reservationSvc.Settle(c.Request.Context(), id, *req.ActualCost)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, res)
}

func (s *Server) ReleaseReservation(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	res, err := s.reservationSvc.Release(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, res)
}
