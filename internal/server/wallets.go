package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/railzwaylabs/credits/internal/ledger/domain"
	walletdomain "github.com/railzwaylabs/credits/internal/wallet/domain"
)

type fundRequest struct {
	UserID         *snowflake.ID `json:"user_id,omitempty"`
	Currency       string        `json:"currency"`
	Amount         int64         `json:"amount"`
	IdempotencyKey string        `json:"idempotency_key"`
	ReferenceType  string        `json:"reference_type"`
	ReferenceID    string        `json:"reference_id"`
	Description    string        `json:"description"`
}

func (s *Server) GetWalletBalance(c *gin.Context) {
	userID, ok := parseOptionalID(c, "user_id")
	if !ok {
		return
	}
	balance, err := s.walletSvc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, balance)
}

func (s *Server) TopUpWallet(c *gin.Context) {
	s.fund(c, s.walletSvc.TopUp)
}

func (s *Server) GrantCredits(c *gin.Context) {
	s.fund(c, s.walletSvc.Grant)
}

func (s *Server) fund(c *gin.Context, apply func(ctx context.Context, req walletdomain.FundRequest) (*walletdomain.FundResult, error)) {
	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	res, err := apply(c.Request.Context(), walletdomain.FundRequest{
		UserID:         req.UserID,
		Currency:       req.Currency,
		Amount:         req.Amount,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		ReferenceType:  req.ReferenceType,
		ReferenceID:    req.ReferenceID,
		CreatedBy:      "operator_api",
		Description:    req.Description,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondCreated(c, res, res.Replayed)
}

func (s *Server) ListLedger(c *gin.Context) {
	walletID, ok := parseID(c, "id")
	if !ok {
		return
	}
	since, ok := parseOptionalTime(c, "since")
	if !ok {
		return
	}
	until, ok := parseOptionalTime(c, "until")
	if !ok {
		return
	}
	pageSize := 0
	if raw := strings.TrimSpace(c.Query("page_size")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			AbortWithError(c, newValidationError("page_size", "invalid", "page_size must be a positive integer"))
			return
		}
		pageSize = n
	}

	resp, err := s.ledgerSvc.List(c.Request.Context(), ledgerdomain.ListRequest{
		WalletID:  walletID,
		Since:     since,
		Until:     until,
		PageToken: strings.TrimSpace(c.Query("page_token")),
		PageSize:  pageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondList(c, resp.Transactions, &resp.PageInfo)
}

func (s *Server) ExportLedger(c *gin.Context) {
	walletID, ok := parseID(c, "id")
	if !ok {
		return
	}
	since, ok := parseOptionalTime(c, "since")
	if !ok {
		return
	}
	until, ok := parseOptionalTime(c, "until")
	if !ok {
		return
	}
	format := ledgerdomain.ExportFormat(strings.ToLower(strings.TrimSpace(c.DefaultQuery("format", "csv"))))

	res, err := s.ledgerSvc.Export(c.Request.Context(), ledgerdomain.ExportRequest{
		WalletID: walletID,
		Since:    since,
		Until:    until,
		Format:   format,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	contentType := "text/csv"
	if res.Format == ledgerdomain.ExportFormatJSON {
		contentType = "application/json"
	}
	filename := "ledger_" + walletID.String() + "." + string(res.Format)
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Header("X-Checksum-SHA256", res.Checksum)
	c.Header("X-Record-Count", strconv.Itoa(res.Count))
	c.Data(http.StatusOK, contentType, res.Data)
}

func (s *Server) CheckWalletDrift(c *gin.Context) {
	walletID, ok := parseID(c, "id")
	if !ok {
		return
	}
	report, err := s.ledgerSvc.CheckDrift(c.Request.Context(), walletID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, report)
}
