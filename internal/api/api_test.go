package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/infra/ratelimit"
	"github.com/fastprodman/loyaltyledger/internal/infra/wallet"
	"github.com/fastprodman/loyaltyledger/internal/services/budget"
	"github.com/fastprodman/loyaltyledger/internal/services/claims"
	"github.com/fastprodman/loyaltyledger/internal/services/gateway"
	"github.com/fastprodman/loyaltyledger/internal/services/ledger"
	memstore "github.com/fastprodman/loyaltyledger/internal/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "test-pos-key"

func newTestServer(t *testing.T, limit int64) *httptest.Server {
	t.Helper()

	s := memstore.New(2 * time.Second)
	s.PutProgram(domain.Program{
		ID:               "cafe",
		Name:             "Corner Cafe",
		Status:           domain.ProgramActive,
		Thresholds:       domain.Thresholds{Silver: 1000, Gold: 5000, Platinum: 20000},
		PointsMultiplier: decimal.NewFromInt(10),
		EnrollmentBonus:  50,
		BudgetCeiling:    100_000,
		MailPieceCost:    50,
	})
	s.PutCredential(gateway.HashKey(testKey), "cafe")

	e := ledger.New(s)
	cm := claims.New(s, e, budget.New(s, "CONFIRM OVERSPEND"), wallet.NewStatic("http://wallet.test"))
	gw := gateway.New(s, e, cm, ratelimit.NewMemory(limit, time.Minute))

	srv := httptest.NewServer(NewRouter(gw, []string{"http://dashboard.test"}))
	t.Cleanup(srv.Close)

	return srv
}

type call struct {
	method string
	path   string
	body   string
	key    string
	token  string
}

func do(t *testing.T, srv *httptest.Server, c call) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), c.method, srv.URL+c.path, strings.NewReader(c.body))
	require.NoError(t, err)

	if c.body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.key != "" {
		req.Header.Set("X-API-Key", c.key)
	}

	if c.token != "" {
		req.Header.Set("Idempotency-Key", c.token)
	}

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	resp, err := client.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)

	return resp, body
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 100)

	resp, body := do(t, srv, call{method: http.MethodGet, path: "/healthz"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Trace-Id"))
}

func TestAuth(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 100)

	resp, body := do(t, srv, call{method: http.MethodGet, path: "/v1/members/alice"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", body["code"])
	assert.NotEmpty(t, resp.Header.Get("X-Trace-Id"))

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/v1/members/alice", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)

	r2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = r2.Body.Close()
	assert.Equal(t, http.StatusNotFound, r2.StatusCode, "bearer credential accepted")
}

func TestTransactions_SpendModeUpgrade(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 100)

	resp, body := do(t, srv, call{
		method: http.MethodPost, path: "/v1/transactions", key: testKey,
		body: `{"type":"EARN","externalMemberId":"alice","currencyAmount":"95"}`,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", body)
	assert.InDelta(t, 950, body["cumulativeSpend"], 0)
	assert.Equal(t, true, body["isNewMember"])

	resp, body = do(t, srv, call{
		method: http.MethodPost, path: "/v1/transactions", key: testKey,
		body: `{"type":"EARN","externalMemberId":"alice","currencyAmount":"10.00"}`,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 1050, body["cumulativeSpend"], 0)
	assert.Equal(t, "BRONZE", body["previousTier"])
	assert.Equal(t, "SILVER", body["newTier"])
	assert.Equal(t, true, body["tierUpgraded"])
	assert.Equal(t, false, body["isNewMember"])

	resp, body = do(t, srv, call{method: http.MethodGet, path: "/v1/members/alice", key: testKey})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 1050, body["balance"], 0)
	assert.Equal(t, "SILVER", body["tier"])

	resp, body = do(t, srv, call{method: http.MethodGet, path: "/v1/members/alice/transactions", key: testKey})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["transactions"], 2)
}

func TestTransactions_IdempotentReplay(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 100)
	earn := call{
		method: http.MethodPost, path: "/v1/transactions", key: testKey, token: "pos-42",
		body: `{"type":"EARN","externalMemberId":"bob","amount":25}`,
	}

	first, b1 := do(t, srv, earn)
	require.Equal(t, http.StatusOK, first.StatusCode)
	assert.Empty(t, first.Header.Get("Idempotent-Replayed"))

	second, b2 := do(t, srv, earn)
	require.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, b1, b2)

	_, member := do(t, srv, call{method: http.MethodGet, path: "/v1/members/bob", key: testKey})
	assert.InDelta(t, 25, member["balance"], 0)
}

func TestTransactions_BadRequests(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 100)

	tests := []struct {
		name   string
		body   string
		token  string
		status int
		code   string
	}{
		{name: "empty", body: "", status: http.StatusBadRequest, code: "INVALID_REQUEST"},
		{name: "unknown_field", body: `{"type":"EARN","externalMemberId":"a","amount":1,"bonus":true}`, status: http.StatusBadRequest, code: "INVALID_REQUEST"},
		{name: "bad_type", body: `{"type":"GIFT","externalMemberId":"a"}`, status: http.StatusBadRequest, code: "INVALID_REQUEST"},
		{name: "zero_amount", body: `{"type":"EARN","externalMemberId":"a","amount":0}`, status: http.StatusBadRequest, code: "INVALID_AMOUNT"},
		{name: "token_mismatch", body: `{"type":"EARN","externalMemberId":"a","amount":1,"idempotencyKey":"x"}`, token: "y", status: http.StatusBadRequest, code: "INVALID_REQUEST"},
		{name: "insufficient", body: `{"type":"REDEEM","externalMemberId":"a","amount":5}`, status: http.StatusUnprocessableEntity, code: "INSUFFICIENT_BALANCE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp, body := do(t, srv, call{method: http.MethodPost, path: "/v1/transactions", key: testKey, body: tt.body, token: tt.token})
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, body["code"])
		})
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 2)
	get := call{method: http.MethodGet, path: "/v1/members/nobody", key: testKey}

	for range 2 {
		resp, _ := do(t, srv, get)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}

	resp, body := do(t, srv, get)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMITED", body["code"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestClaimRedirect(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 100)

	resp, body := do(t, srv, call{
		method: http.MethodPost, path: "/v1/claims", key: testKey,
		body: `{"recipient":{"name":"Ann","email":"ann@example.com","externalMemberId":"ann"}}`,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "%v", body)

	code, _ := body["code"].(string)
	require.NotEmpty(t, code)
	assert.Equal(t, "/claim/"+code, body["claimPath"])

	resp, _ = do(t, srv, call{method: http.MethodGet, path: "/claim/" + code})
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "http://wallet.test/install/"+code, resp.Header.Get("Location"))

	resp, body = do(t, srv, call{method: http.MethodGet, path: "/claim/" + code})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CLAIM_ALREADY_USED", body["code"])

	resp, body = do(t, srv, call{method: http.MethodGet, path: "/claim/UNKNOWN"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "CLAIM_NOT_FOUND", body["code"])

	_, member := do(t, srv, call{method: http.MethodGet, path: "/v1/members/ann", key: testKey})
	assert.InDelta(t, 50, member["balance"], 0)
	assert.Equal(t, "http://wallet.test/install/"+code, member["walletPassUrl"])
}

func TestClaimBatchAndCancel(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 100)

	resp, body := do(t, srv, call{
		method: http.MethodPost, path: "/v1/claims/batch", key: testKey,
		body: `{"recipients":[{"name":"a"},{"name":"b"}],"campaignRef":"spring"}`,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "%v", body)
	assert.InDelta(t, 2, body["issued"], 0)

	codes, _ := body["codes"].([]any)
	require.Len(t, codes, 2)

	first, _ := codes[0].(map[string]any)
	code, _ := first["code"].(string)

	resp, body = do(t, srv, call{method: http.MethodPost, path: "/v1/claims/" + code + "/cancel", key: testKey})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CANCELLED", body["status"])

	resp, body = do(t, srv, call{method: http.MethodGet, path: "/claim/" + code})
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Equal(t, "CLAIM_EXPIRED", body["code"])
}

func TestDeactivate(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 100)

	do(t, srv, call{
		method: http.MethodPost, path: "/v1/transactions", key: testKey,
		body: `{"type":"EARN","externalMemberId":"carl","amount":5}`,
	})

	resp, body := do(t, srv, call{method: http.MethodPost, path: "/v1/members/carl/deactivate", key: testKey})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "INACTIVE", body["status"])

	resp, body = do(t, srv, call{
		method: http.MethodPost, path: "/v1/transactions", key: testKey,
		body: `{"type":"REDEEM","externalMemberId":"carl","amount":1}`,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "MEMBER_INACTIVE", body["code"])
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 100)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodOptions, srv.URL+"/v1/transactions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://dashboard.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, "http://dashboard.test", resp.Header.Get("Access-Control-Allow-Origin"))
}
