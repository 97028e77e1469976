package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/kredit/internal/account/domain"
	"github.com/smallbiznis/kredit/pkg/db/pagination"
	"github.com/smallbiznis/kredit/pkg/tenantctx"
)

type provisionAccountRequest struct {
	TenantID       string `json:"tenant_id"`
	Tier           string `json:"tier"`
	Timezone       string `json:"timezone"`
	CycleAnchorDay int    `json:"cycle_anchor_day"`
}

func (s *Server) ProvisionAccount(c *gin.Context) {
	var req provisionAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.accountSvc.Provision(c.Request.Context(), accountdomain.ProvisionRequest{
		TenantID:       strings.TrimSpace(req.TenantID),
		Tier:           accountdomain.Tier(strings.TrimSpace(req.Tier)),
		Timezone:       strings.TrimSpace(req.Timezone),
		CycleAnchorDay: req.CycleAnchorDay,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetAccount(c *gin.Context) {
	tenantID, err := parseSnowflake(c.Param("tenant_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := tenantctx.WithTenantID(c.Request.Context(), int64(tenantID))
	resp, err := s.accountSvc.Get(ctx, tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListTransactions(c *gin.Context) {
	tenantID, err := parseSnowflake(c.Param("tenant_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ctx := tenantctx.WithTenantID(c.Request.Context(), int64(tenantID))
	rows, pageInfo, err := s.ledgerSvc.ListTransactions(ctx, tenantID, query)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      rows,
		"page_info": pageInfo,
	})
}
