package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	settlementdomain "github.com/smallbiznis/kredit/internal/settlement/domain"
	"github.com/smallbiznis/kredit/pkg/tenantctx"
)

type paymentWebhookRequest struct {
	TenantID         string `json:"tenant_id"`
	PackageCode      string `json:"package_code"`
	PaymentReference string `json:"payment_reference"`
}

// PaymentWebhook settles a confirmed purchase. Providers redeliver, so the
// payment reference deduplicates: replays return the original outcome.
func (s *Server) PaymentWebhook(c *gin.Context) {
	var req paymentWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	tenantID, err := parseSnowflake(req.TenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := tenantctx.WithTenantID(c.Request.Context(), int64(tenantID))
	result, err := s.settlementSvc.ApplyPurchase(ctx, settlementdomain.PurchaseRequest{
		TenantID:         tenantID,
		PackageCode:      strings.TrimSpace(req.PackageCode),
		PaymentReference: strings.TrimSpace(req.PaymentReference),
		Provider:         strings.TrimSpace(c.Param("provider")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) ListPackages(c *gin.Context) {
	pkgs, err := s.settlementSvc.ListPackages(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": pkgs})
}
