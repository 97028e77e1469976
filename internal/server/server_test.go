package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	accountrepository "github.com/smallbiznis/kredit/internal/account/repository"
	accountservice "github.com/smallbiznis/kredit/internal/account/service"
	"github.com/smallbiznis/kredit/internal/clock"
	"github.com/smallbiznis/kredit/internal/config"
	"github.com/smallbiznis/kredit/internal/entitlement"
	eventsrepository "github.com/smallbiznis/kredit/internal/events/repository"
	eventsservice "github.com/smallbiznis/kredit/internal/events/service"
	"github.com/smallbiznis/kredit/internal/grace"
	ledgerservice "github.com/smallbiznis/kredit/internal/ledger/service"
	meteringservice "github.com/smallbiznis/kredit/internal/metering/service"
	registrydomain "github.com/smallbiznis/kredit/internal/registry/domain"
	registryrepository "github.com/smallbiznis/kredit/internal/registry/repository"
	registryservice "github.com/smallbiznis/kredit/internal/registry/service"
	settlementdomain "github.com/smallbiznis/kredit/internal/settlement/domain"
	settlementrepository "github.com/smallbiznis/kredit/internal/settlement/repository"
	settlementservice "github.com/smallbiznis/kredit/internal/settlement/service"
	"github.com/smallbiznis/kredit/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testkit.OpenDB(t)
	node := testkit.NewNode(t)
	fake := clock.NewFakeClock(time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	holder := config.NewStaticCreditConfigHolder(config.DefaultCreditConfig())

	accRepo := accountrepository.Provide()
	publisher := eventsservice.NewPublisher(eventsservice.New(eventsservice.Params{
		DB: db, Log: log, GenID: node, Repo: eventsrepository.Provide(), Clock: fake,
	}))
	ledger := ledgerservice.New(ledgerservice.Params{DB: db, Log: log, GenID: node, Clock: fake})
	accounts := accountservice.New(accountservice.Params{
		DB: db, Log: log, Repo: accRepo, Ledger: ledger, CreditCfg: holder, Clock: fake,
	})
	evaluator := entitlement.New(entitlement.Params{Log: log, CreditCfg: holder})
	graceManager := grace.New(grace.Params{
		DB: db, Log: log, Accounts: accRepo, CreditCfg: holder, Clock: fake,
		GenID: node, Evaluator: evaluator, Publisher: publisher,
	})
	registry := registryservice.New(registryservice.Params{
		DB: db, Log: log, Repo: registryrepository.Provide(),
	})
	metering := meteringservice.New(meteringservice.Params{
		DB:        db,
		Log:       log,
		Registry:  registry,
		Accounts:  accounts,
		AccRepo:   accRepo,
		Evaluator: evaluator,
		Grace:     graceManager,
		Ledger:    ledger,
		Publisher: publisher,
		CreditCfg: holder,
		Clock:     fake,
	})
	settlement := settlementservice.New(settlementservice.Params{
		DB: db, Log: log, Repo: settlementrepository.Provide(),
		Accounts: accRepo, Ledger: ledger, Grace: graceManager,
		Publisher: publisher, Clock: fake,
	})

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	ctx := context.Background()
	require.NoError(t, registryrepository.Provide().Upsert(ctx, db, &registrydomain.ActionCostDefinition{
		Key: "order.create", DisplayName: "Create order", Cost: 2, Category: registrydomain.CategoryOrdering,
	}))
	require.NoError(t, settlementrepository.Provide().Upsert(ctx, db, &settlementdomain.CreditPackage{
		ID: 2001, Code: "starter", DisplayName: "Starter", Credits: 500, PriceMinorUnits: 900, Currency: "USD", Active: true,
	}))

	return NewServer(ServerParams{
		Gin:           engine,
		Cfg:           config.Config{HTTPAddr: ":0"},
		DB:            db,
		MeteringSvc:   metering,
		AccountSvc:    accounts,
		LedgerSvc:     ledger,
		RegistrySvc:   registry,
		SettlementSvc: settlement,
	})
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var envelope map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	data, ok := envelope["data"].(map[string]any)
	require.True(t, ok, "response missing data object: %s", w.Body.String())
	return data
}

func TestProvisionAndGetAccount(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/v1/tenants", gin.H{"tenant_id": "91"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	data := decodeData(t, w)
	assert.Equal(t, "91", data["tenant_id"])
	assert.EqualValues(t, 500, data["balance"])

	// Same tenant again conflicts.
	w = doJSON(t, s, http.MethodPost, "/v1/tenants", gin.H{"tenant_id": "91"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/tenants/91/account", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "free", decodeData(t, w)["tier"])

	w = doJSON(t, s, http.MethodGet, "/v1/tenants/404/account", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthorizeActionEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/v1/tenants", gin.H{"tenant_id": "91"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, s, http.MethodPost, "/v1/actions", gin.H{
		"tenant_id":       "91",
		"action_key":      "order.create",
		"idempotency_key": "req-1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := decodeData(t, w)
	assert.Equal(t, true, data["allowed"])
	assert.EqualValues(t, 498, data["balance_after"])

	// Unknown actions are 404, never silently free.
	w = doJSON(t, s, http.MethodPost, "/v1/actions", gin.H{
		"tenant_id":       "91",
		"action_key":      "no.such.action",
		"idempotency_key": "req-2",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Missing tenant is a client error.
	w = doJSON(t, s, http.MethodPost, "/v1/actions", gin.H{
		"action_key":      "order.create",
		"idempotency_key": "req-3",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthorizeAction_IdempotencyKeyHeaderFallback(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/v1/tenants", gin.H{"tenant_id": "91"})
	require.Equal(t, http.StatusCreated, w.Code)

	body, err := json.Marshal(gin.H{"tenant_id": "91", "action_key": "order.create"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/actions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "hdr-1")
	w2 := httptest.NewRecorder()
	s.engine.ServeHTTP(w2, req)

	require.Equal(t, http.StatusOK, w2.Code, w2.Body.String())
	assert.Equal(t, true, decodeData(t, w2)["allowed"])
}

func TestPaymentWebhookEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/v1/tenants", gin.H{"tenant_id": "91"})
	require.Equal(t, http.StatusCreated, w.Code)

	payload := gin.H{
		"tenant_id":         "91",
		"package_code":      "starter",
		"payment_reference": "pay_100",
	}
	w = doJSON(t, s, http.MethodPost, "/v1/webhooks/payments/stripe", payload)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := decodeData(t, w)
	assert.EqualValues(t, 1000, data["balance_after"])
	assert.Equal(t, false, data["duplicate"])

	// Redelivery settles once.
	w = doJSON(t, s, http.MethodPost, "/v1/webhooks/payments/stripe", payload)
	require.Equal(t, http.StatusOK, w.Code)
	data = decodeData(t, w)
	assert.EqualValues(t, 1000, data["balance_after"])
	assert.Equal(t, true, data["duplicate"])

	w = doJSON(t, s, http.MethodPost, "/v1/webhooks/payments/stripe", gin.H{
		"tenant_id": "91", "package_code": "mega", "payment_reference": "pay_101",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListEndpoints(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/v1/tenants", gin.H{"tenant_id": "91"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/actions/costs", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/packages", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/tenants/91/transactions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var envelope map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	rows, ok := envelope["data"].([]any)
	require.True(t, ok)
	assert.Len(t, rows, 1) // the provisioning credit
	assert.Contains(t, envelope, "page_info")
}
