package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/kredit/internal/account/domain"
	ledgerdomain "github.com/smallbiznis/kredit/internal/ledger/domain"
	meteringdomain "github.com/smallbiznis/kredit/internal/metering/domain"
	registrydomain "github.com/smallbiznis/kredit/internal/registry/domain"
	settlementdomain "github.com/smallbiznis/kredit/internal/settlement/domain"
	"gorm.io/gorm"
)

var (
	ErrNotFound       = errors.New("not_found")
	ErrConflict       = errors.New("conflict")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrInternal       = errors.New("internal_error")
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: err.Error(),
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, accountdomain.ErrAccountExists):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case errors.Is(err, accountdomain.ErrAccountInactive):
		return http.StatusForbidden, errorPayload{
			Type:    "account_inactive",
			Message: "account inactive",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, accountdomain.ErrInvalidTenant),
		errors.Is(err, accountdomain.ErrInvalidTier),
		errors.Is(err, accountdomain.ErrInvalidTimezone),
		errors.Is(err, accountdomain.ErrInvalidAnchorDay),
		errors.Is(err, registrydomain.ErrInvalidKey),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidTenant),
		errors.Is(err, ledgerdomain.ErrMissingIdempotency),
		errors.Is(err, meteringdomain.ErrMissingIdempotency),
		errors.Is(err, settlementdomain.ErrInvalidReference):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, registrydomain.ErrUnknownAction),
		errors.Is(err, accountdomain.ErrAccountNotFound),
		errors.Is(err, settlementdomain.ErrUnknownPackage),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// classifyErrorForLog maps an error to (type, code) for request log fields.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= 500:
		return "server_error", payload.Type
	case status >= 400:
		return "client_error", payload.Type
	default:
		return "", payload.Type
	}
}
