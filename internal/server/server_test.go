package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/usagegate/internal/authorization"
	"github.com/smallbiznis/usagegate/internal/config"
	"github.com/smallbiznis/usagegate/internal/observability"
	"github.com/smallbiznis/usagegate/internal/ratelimit"
	"github.com/smallbiznis/usagegate/internal/server"
	"github.com/smallbiznis/usagegate/internal/testutil/stack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	stack  *stack.Stack
	engine http.Handler
}

func newHarness(t *testing.T, opts stack.Options) *harness {
	t.Helper()
	s := stack.New(t, opts)
	enforcer, err := authorization.NewEnforcer(s.DB)
	require.NoError(t, err)

	engine := server.NewEngine(observability.Config{Environment: "test"}, nil)
	srv := server.NewServer(server.ServerParams{
		Gin:             engine,
		Cfg:             config.Config{},
		Log:             s.Log,
		AuthzSvc:        authorization.NewService(authorization.Params{Log: s.Log, Enforcer: enforcer}),
		MeterSvc:        s.Meters,
		TierSvc:         s.Tiers,
		UsageSvc:        s.Usage,
		EnforcementSvc:  s.Enforcement,
		AlertSvc:        s.Alerts,
		OverageSvc:      s.Overages,
		BillingSyncSvc:  s.BillingSync,
		LiveMeterEvents: s.Hub,
	})
	srv.RegisterAPIRoutes()
	return &harness{stack: s, engine: engine}
}

type response struct {
	Code    int
	Header  http.Header
	Payload map[string]any
}

func (h *harness) do(t *testing.T, method, path string, creatorID snowflake.ID, actor string, body any) response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if creatorID != 0 {
		req.Header.Set(server.HeaderCreator, creatorID.String())
	}
	if actor != "" {
		req.Header.Set(server.HeaderActor, actor)
	}
	rec := httptest.NewRecorder()
	h.engine.ServeHTTP(rec, req)

	out := response{Code: rec.Code, Header: rec.Header()}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out.Payload), rec.Body.String())
	}
	return out
}

func errorType(r response) string {
	errObj, _ := r.Payload["error"].(map[string]any)
	typ, _ := errObj["type"].(string)
	return typ
}

func TestHealth(t *testing.T) {
	h := newHarness(t, stack.Options{})
	res := h.do(t, http.MethodGet, "/health", 0, "", nil)
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "ok", res.Payload["status"])
}

func TestAPIRequiresCreatorHeader(t *testing.T) {
	h := newHarness(t, stack.Options{})

	res := h.do(t, http.MethodGet, "/api/meters", 0, "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Equal(t, "unauthorized", errorType(res))
}

func TestCreateAndListMeters(t *testing.T) {
	h := newHarness(t, stack.Options{})
	creatorID := h.stack.CreatorID()

	res := h.do(t, http.MethodPost, "/api/meters", creatorID, "", map[string]any{
		"event_name":       "api_calls",
		"display_name":     "API calls",
		"aggregation_type": "count",
		"unit_name":        "calls",
		"billing_model":    "metered",
		"plan_limits": []map[string]any{
			{"plan_name": "Free", "limit_value": 1000, "hard_cap": true},
		},
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Payload)
	data := res.Payload["data"].(map[string]any)
	assert.Equal(t, "api_calls", data["event_name"])
	assert.Len(t, data["plan_limits"], 1)

	res = h.do(t, http.MethodGet, "/api/meters", creatorID, "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Len(t, res.Payload["data"], 1)

	res = h.do(t, http.MethodPost, "/api/meters", creatorID, "", map[string]any{
		"event_name":       "api_calls",
		"display_name":     "API calls",
		"aggregation_type": "count",
		"unit_name":        "calls",
		"billing_model":    "metered",
	})
	assert.Equal(t, http.StatusBadRequest, res.Code)
	assert.Equal(t, "validation_error", errorType(res))
}

func TestMetersAreScopedToCreator(t *testing.T) {
	h := newHarness(t, stack.Options{})
	plan := h.stack.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 10})
	path := "/api/meters/" + plan.Meter.ID.String()

	res := h.do(t, http.MethodGet, path, plan.CreatorID, "", nil)
	assert.Equal(t, http.StatusOK, res.Code)

	res = h.do(t, http.MethodGet, path, h.stack.CreatorID(), "", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)

	// A creator cannot act as another creator.
	res = h.do(t, http.MethodGet, path, plan.CreatorID, "creator:"+h.stack.CreatorID().String(), nil)
	assert.Equal(t, http.StatusForbidden, res.Code)
}

func TestTrackUsageRejectsOverHardCap(t *testing.T) {
	h := newHarness(t, stack.Options{})
	plan := h.stack.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 2, HardCap: true})
	body := map[string]any{"event_name": "api_calls", "user_id": plan.Assignment.CustomerID, "value": 1}

	for i := 0; i < 2; i++ {
		res := h.do(t, http.MethodPost, "/api/usage", plan.CreatorID, "", body)
		require.Equal(t, http.StatusCreated, res.Code, res.Payload)
	}

	res := h.do(t, http.MethodPost, "/api/usage", plan.CreatorID, "", body)
	require.Equal(t, http.StatusPaymentRequired, res.Code)
	assert.Equal(t, "limit_exceeded", errorType(res))
	usage := res.Payload["error"].(map[string]any)["usage"].(map[string]any)
	assert.Equal(t, float64(2), usage["current_usage"])
	assert.Equal(t, float64(2), usage["limit_value"])

	assert.EqualValues(t, 2, h.stack.Count(t, "usage_events", "meter_id = ?", plan.Meter.ID))
}

func TestTrackUsageReplaysIdempotencyKey(t *testing.T) {
	h := newHarness(t, stack.Options{})
	plan := h.stack.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 100})
	body := map[string]any{
		"event_name":      "api_calls",
		"user_id":         plan.Assignment.CustomerID,
		"value":           5,
		"idempotency_key": "evt_1",
	}

	first := h.do(t, http.MethodPost, "/api/usage", plan.CreatorID, "", body)
	require.Equal(t, http.StatusCreated, first.Code, first.Payload)
	second := h.do(t, http.MethodPost, "/api/usage", plan.CreatorID, "", body)
	require.Equal(t, http.StatusOK, second.Code, second.Payload)
	assert.Equal(t, true, second.Payload["data"].(map[string]any)["replayed"])

	res := h.do(t, http.MethodGet, "/api/meters/"+plan.Meter.ID.String()+"/summary?user_id="+plan.Assignment.CustomerID, plan.CreatorID, "", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Payload)
	assert.Equal(t, float64(5), res.Payload["data"].(map[string]any)["current_usage"])
}

func TestTrackUsageRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := ratelimit.NewUsageIngestLimiter(config.Config{RateLimit: config.RateLimitConfig{
		Enabled:          true,
		UsageIngestRate:  0.01,
		UsageIngestBurst: 1,
	}}, client)
	require.NoError(t, err)

	h := newHarness(t, stack.Options{Limiter: limiter})
	plan := h.stack.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 100})
	body := map[string]any{"event_name": "api_calls", "user_id": plan.Assignment.CustomerID, "value": 1}

	res := h.do(t, http.MethodPost, "/api/usage", plan.CreatorID, "", body)
	require.Equal(t, http.StatusCreated, res.Code, res.Payload)

	res = h.do(t, http.MethodPost, "/api/usage", plan.CreatorID, "", body)
	require.Equal(t, http.StatusTooManyRequests, res.Code)
	assert.NotEmpty(t, res.Header.Get("Retry-After"))
	assert.Equal(t, "creator-rate", res.Header.Get("X-Rate-Limited-Reason"))
}

func TestCheckEnforcement(t *testing.T) {
	h := newHarness(t, stack.Options{})
	plan := h.stack.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 10, HardCap: true})

	res := h.do(t, http.MethodPost, "/api/enforcement/check", plan.CreatorID, "", map[string]any{
		"customer_id": plan.Assignment.CustomerID,
		"metric_name": "api_calls",
		"increment":   11,
	})
	require.Equal(t, http.StatusOK, res.Code, res.Payload)
	data := res.Payload["data"].(map[string]any)
	assert.Equal(t, false, data["allowed"])
	assert.Equal(t, true, data["should_block"])

	res = h.do(t, http.MethodPost, "/api/enforcement/check", plan.CreatorID, "", map[string]any{
		"customer_id": plan.Assignment.CustomerID,
		"metric_name": "api_calls",
		"increment":   3,
	})
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, true, res.Payload["data"].(map[string]any)["allowed"])
}

func TestBillingCycleRequiresOperator(t *testing.T) {
	h := newHarness(t, stack.Options{})
	plan := h.stack.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 10, OveragePrice: "0.5"})
	body := map[string]any{"event_name": "api_calls", "user_id": plan.Assignment.CustomerID, "value": 14}
	res := h.do(t, http.MethodPost, "/api/usage", plan.CreatorID, "", body)
	require.Equal(t, http.StatusCreated, res.Code, res.Payload)

	cycle := map[string]any{"billing_period": "2026-01"}
	res = h.do(t, http.MethodPost, "/api/billing/cycles", plan.CreatorID, "", cycle)
	assert.Equal(t, http.StatusForbidden, res.Code)

	operator := "operator:" + h.stack.CreatorID().String()
	res = h.do(t, http.MethodPost, "/api/billing/cycles", plan.CreatorID, operator, cycle)
	require.Equal(t, http.StatusOK, res.Code, res.Payload)
	data := res.Payload["data"].(map[string]any)
	assert.Equal(t, float64(1), data["processed"])
	assert.Equal(t, float64(1), data["line_items"])
	require.Equal(t, 1, h.stack.Provider.LineItemCount())
	assert.Equal(t, "2", h.stack.Provider.LineItems[0].Amount.String())

	res = h.do(t, http.MethodGet, "/api/overages?only_unbilled=true", plan.CreatorID, "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Len(t, res.Payload["data"], 0)

	res = h.do(t, http.MethodGet, "/api/billing/syncs", plan.CreatorID, "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	syncs := res.Payload["data"].([]any)
	require.Len(t, syncs, 1)
	syncID := syncs[0].(map[string]any)["id"].(string)

	res = h.do(t, http.MethodGet, "/api/billing/syncs/"+syncID, h.stack.CreatorID(), "", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)

	res = h.do(t, http.MethodPost, "/api/billing/syncs/"+syncID+"/retry", plan.CreatorID, operator, nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)
	assert.Equal(t, "validation_error", errorType(res))
}

func TestTierAssignmentLifecycle(t *testing.T) {
	h := newHarness(t, stack.Options{})
	creatorID := h.stack.CreatorID()

	res := h.do(t, http.MethodPost, "/api/tiers", creatorID, "", map[string]any{
		"name":          "Starter",
		"price":         "9",
		"currency":      "usd",
		"billing_cycle": "monthly",
		"usage_caps":    map[string]float64{"api_calls": 100},
		"is_default":    true,
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Payload)

	res = h.do(t, http.MethodPost, "/api/tier-assignments", creatorID, "", map[string]any{
		"customer_id": "cust_9",
	})
	require.Equal(t, http.StatusOK, res.Code, res.Payload)

	res = h.do(t, http.MethodGet, "/api/customers/cust_9/tier", creatorID, "", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Payload)
	tier := res.Payload["data"].(map[string]any)["tier"].(map[string]any)
	assert.Equal(t, "Starter", tier["name"])

	res = h.do(t, http.MethodDelete, "/api/customers/cust_9/tier", creatorID, "", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Payload)
	assert.Equal(t, "canceled", res.Payload["data"].(map[string]any)["status"])
}

func TestAlertsAcknowledge(t *testing.T) {
	h := newHarness(t, stack.Options{})
	plan := h.stack.SetupPlan(t, stack.Plan{Metric: "api_calls", Cap: 10})
	res := h.do(t, http.MethodPost, "/api/usage", plan.CreatorID, "", map[string]any{
		"event_name": "api_calls", "user_id": plan.Assignment.CustomerID, "value": 9,
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Payload)

	alertsPath := "/api/meters/" + plan.Meter.ID.String() + "/alerts"
	res = h.do(t, http.MethodPost, alertsPath+"/check", plan.CreatorID, "", map[string]any{
		"user_id": plan.Assignment.CustomerID,
	})
	require.Equal(t, http.StatusOK, res.Code, res.Payload)

	res = h.do(t, http.MethodGet, alertsPath+"?only_unacknowledged=true", plan.CreatorID, "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	alerts := res.Payload["data"].([]any)
	require.NotEmpty(t, alerts)
	alertID := alerts[0].(map[string]any)["id"].(string)

	res = h.do(t, http.MethodPost, "/api/alerts/"+alertID+"/acknowledge", h.stack.CreatorID(), "", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)

	res = h.do(t, http.MethodPost, "/api/alerts/"+alertID+"/acknowledge", plan.CreatorID, "", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Payload)

	res = h.do(t, http.MethodGet, alertsPath+"?only_unacknowledged=true", plan.CreatorID, "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Len(t, res.Payload["data"], 0)
}
