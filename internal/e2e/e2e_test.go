package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/usagegate/internal/authorization"
	"github.com/smallbiznis/usagegate/internal/config"
	"github.com/smallbiznis/usagegate/internal/observability"
	"github.com/smallbiznis/usagegate/internal/scheduler"
	"github.com/smallbiznis/usagegate/internal/server"
	"github.com/smallbiznis/usagegate/internal/testutil/stack"
	"github.com/stretchr/testify/require"
)

// periodClose is shortly after the January 2026 period of stack.Epoch ends.
var periodClose = time.Date(2026, time.February, 1, 0, 1, 0, 0, time.UTC)

type testEnv struct {
	*stack.Stack
	httpSrv   *httptest.Server
	scheduler *scheduler.Scheduler
}

func startEnv(t *testing.T, opts stack.Options) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := stack.New(t, opts)
	enforcer, err := authorization.NewEnforcer(s.DB)
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{Log: s.Log, Enforcer: enforcer})

	engine := server.NewEngine(observability.Config{Environment: "test"}, nil)
	srv := server.NewServer(server.ServerParams{
		Gin:             engine,
		Cfg:             config.Config{},
		Log:             s.Log,
		AuthzSvc:        authz,
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

	sched, err := scheduler.New(scheduler.Params{
		Log:         s.Log,
		Clock:       s.Clock,
		Tiers:       s.Tiers,
		BillingSync: s.BillingSync,
		Processor:   s.Processor,
		Authz:       authz,
	})
	require.NoError(t, err)

	env := &testEnv{Stack: s, httpSrv: httptest.NewServer(engine), scheduler: sched}
	t.Cleanup(env.httpSrv.Close)
	return env
}

type apiResponse struct {
	Status int
	Data   json.RawMessage `json:"data"`
	Error  struct {
		Type  string `json:"type"`
		Usage *struct {
			Reason       string  `json:"reason"`
			CurrentUsage float64 `json:"current_usage"`
			LimitValue   float64 `json:"limit_value"`
		} `json:"usage"`
	} `json:"error"`
}

func (e *testEnv) call(t *testing.T, method, path string, creatorID snowflake.ID, body any) apiResponse {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, e.httpSrv.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(server.HeaderCreator, creatorID.String())

	resp, err := e.httpSrv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	out.Status = resp.StatusCode
	return out
}

func (e *testEnv) track(t *testing.T, plan stack.PlanResult, value float64) apiResponse {
	t.Helper()
	return e.call(t, http.MethodPost, "/api/usage", plan.CreatorID, map[string]any{
		"event_name": plan.Meter.EventName,
		"user_id":    plan.Assignment.CustomerID,
		"value":      value,
	})
}

type enforcementResult struct {
	Allowed         bool    `json:"allowed"`
	ShouldWarn      bool    `json:"should_warn"`
	ShouldBlock     bool    `json:"should_block"`
	CurrentUsage    float64 `json:"current_usage"`
	UsagePercentage float64 `json:"usage_percentage"`
}

func (e *testEnv) check(t *testing.T, plan stack.PlanResult, increment float64) enforcementResult {
	t.Helper()
	res := e.call(t, http.MethodPost, "/api/enforcement/check", plan.CreatorID, map[string]any{
		"customer_id": plan.Assignment.CustomerID,
		"metric_name": plan.Meter.EventName,
		"increment":   increment,
	})
	require.Equal(t, http.StatusOK, res.Status, string(res.Data))
	var out enforcementResult
	require.NoError(t, json.Unmarshal(res.Data, &out))
	return out
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return out
}
