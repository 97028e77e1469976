package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	meteringdomain "github.com/smallbiznis/kredit/internal/metering/domain"
	"github.com/smallbiznis/kredit/pkg/tenantctx"
)

type authorizeActionRequest struct {
	TenantID       string         `json:"tenant_id"`
	ActionKey      string         `json:"action_key"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

// AuthorizeAction is the engine entry point: one business action asking to
// run. Denials come back 200 with allowed=false, so callers always branch
// on the body, not the status.
func (s *Server) AuthorizeAction(c *gin.Context) {
	var req authorizeActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	tenantID, err := parseSnowflake(req.TenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	}

	c.Set("action_key", strings.TrimSpace(req.ActionKey))
	ctx := tenantctx.WithTenantID(c.Request.Context(), int64(tenantID))

	result, err := s.meteringSvc.Authorize(ctx, meteringdomain.ActionRequest{
		TenantID:       tenantID,
		ActionKey:      strings.TrimSpace(req.ActionKey),
		IdempotencyKey: key,
		Metadata:       req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

// ListActionCosts dumps the registry so collaborating surfaces can render
// their own cost hints.
func (s *Server) ListActionCosts(c *gin.Context) {
	defs, err := s.registrySvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": defs})
}

func parseSnowflake(raw string) (snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ErrInvalidRequest
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return 0, ErrInvalidRequest
	}
	return id, nil
}
