package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/railzwaylabs/credits/internal/entitlement/domain"
	ledgerdomain "github.com/railzwaylabs/credits/internal/ledger/domain"
	meteringdomain "github.com/railzwaylabs/credits/internal/metering/domain"
	pricingdomain "github.com/railzwaylabs/credits/internal/pricing/domain"
	reconciliationdomain "github.com/railzwaylabs/credits/internal/reconciliation/domain"
	reservationdomain "github.com/railzwaylabs/credits/internal/reservation/domain"
	walletdomain "github.com/railzwaylabs/credits/internal/wallet/domain"
	pkgdb "github.com/railzwaylabs/credits/pkg/db"
	"github.com/railzwaylabs/credits/pkg/db/pagination"
)

var (
	ErrTenantRequired = errors.New("tenant_required")
	ErrInvalidRequest = errors.New("invalid_request")
)

type validationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *validationError) Error() string { return e.Message }

func newValidationError(field, code, message string) error {
	return &validationError{Field: field, Code: code, Message: message}
}

type errorMapping struct {
	err    error
	status int
}

// errorStatuses is checked in order; the first match wins.
var errorStatuses = []errorMapping{
	{pkgdb.ErrLockTimeout, http.StatusServiceUnavailable},

	{ErrTenantRequired, http.StatusUnauthorized},
	{ErrInvalidRequest, http.StatusBadRequest},
	{pagination.ErrInvalidPageToken, http.StatusBadRequest},

	{walletdomain.ErrWalletNotFound, http.StatusNotFound},
	{meteringdomain.ErrUsageEventNotFound, http.StatusNotFound},
	{reservationdomain.ErrReservationNotFound, http.StatusNotFound},
	{entitlementdomain.ErrEntitlementNotFound, http.StatusNotFound},

	{ledgerdomain.ErrInsufficientBalance, http.StatusPaymentRequired},

	{entitlementdomain.ErrQuotaExceeded, http.StatusForbidden},
	{entitlementdomain.ErrFeatureDisabled, http.StatusForbidden},
	{walletdomain.ErrWalletNotActive, http.StatusForbidden},

	{meteringdomain.ErrRequestInFlight, http.StatusConflict},
	{meteringdomain.ErrRetryLimitExceeded, http.StatusConflict},
	{meteringdomain.ErrInvalidTransition, http.StatusConflict},
	{meteringdomain.ErrEventNotCharged, http.StatusConflict},
	{meteringdomain.ErrEventFailed, http.StatusConflict},
	{reservationdomain.ErrReservationClosed, http.StatusConflict},
	{reconciliationdomain.ErrNotReconcilable, http.StatusConflict},
	{walletdomain.ErrInvalidStatusTransition, http.StatusConflict},
	{ledgerdomain.ErrDuplicateIdempotencyKey, http.StatusConflict},
	{pricingdomain.ErrDuplicateVersion, http.StatusConflict},

	{pricingdomain.ErrPriceNotFound, http.StatusUnprocessableEntity},
	{walletdomain.ErrCurrencyMismatch, http.StatusUnprocessableEntity},
	{walletdomain.ErrInvalidAmount, http.StatusUnprocessableEntity},
	{walletdomain.ErrInvalidCurrency, http.StatusUnprocessableEntity},
	{walletdomain.ErrInvalidIdempotencyKey, http.StatusUnprocessableEntity},
	{walletdomain.ErrInvalidStatus, http.StatusUnprocessableEntity},
	{meteringdomain.ErrInvalidFeatureKey, http.StatusUnprocessableEntity},
	{meteringdomain.ErrInvalidIdempotencyKey, http.StatusUnprocessableEntity},
	{meteringdomain.ErrInvalidItems, http.StatusUnprocessableEntity},
	{meteringdomain.ErrInvalidQuantity, http.StatusUnprocessableEntity},
	{reservationdomain.ErrInvalidEstimate, http.StatusUnprocessableEntity},
	{reservationdomain.ErrInvalidActualCost, http.StatusUnprocessableEntity},
	{reservationdomain.ErrInvalidIdempotencyKey, http.StatusUnprocessableEntity},
	{ledgerdomain.ErrInvalidExportFormat, http.StatusUnprocessableEntity},
	{ledgerdomain.ErrInvalidRange, http.StatusUnprocessableEntity},
	{ledgerdomain.ErrInvalidOperation, http.StatusUnprocessableEntity},
	{entitlementdomain.ErrInvalidFeatureKey, http.StatusUnprocessableEntity},
	{entitlementdomain.ErrInvalidQuantity, http.StatusUnprocessableEntity},
}

// AbortWithError writes the error envelope and stops the handler chain.
// Unknown errors become a 500 without leaking their text.
func AbortWithError(c *gin.Context, err error) {
	_ = c.Error(err)

	var verr *validationError
	if errors.As(err, &verr) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"code":    verr.Code,
			"field":   verr.Field,
			"message": verr.Message,
		}})
		return
	}

	for _, m := range errorStatuses {
		if errors.Is(err, m.err) {
			c.AbortWithStatusJSON(m.status, gin.H{"error": gin.H{
				"code":    m.err.Error(),
				"message": m.err.Error(),
			}})
			return
		}
	}

	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": gin.H{
		"code":    "internal_error",
		"message": "internal server error",
	}})
}
