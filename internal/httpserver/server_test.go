package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"github.com/narau/billing/internal/httpserver"
	"github.com/narau/billing/internal/store/gormstore"
	"github.com/narau/billing/pkg/billing"
)

const (
	testSigningKey = "test-signing-key"
	testIssuer     = "billing-test"
)

type apiFixture struct {
	router  *gin.Engine
	store   *gormstore.Store
	service *billing.Service
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(t.TempDir()+"/api.db"), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open failed: %v", err)
	}
	store := gormstore.New(database)
	if err := store.AutoMigrate(); err != nil {
		t.Fatalf("automigrate failed: %v", err)
	}
	service, err := billing.NewService(store, func() int64 { return time.Now().UTC().Unix() })
	if err != nil {
		t.Fatalf("service init failed: %v", err)
	}
	server, err := httpserver.New(service, store, nil, httpserver.Config{
		ListenAddr:    "127.0.0.1:0",
		JWTSigningKey: testSigningKey,
		JWTIssuer:     testIssuer,
	})
	if err != nil {
		t.Fatalf("server init failed: %v", err)
	}
	return &apiFixture{router: server.Router(), store: store, service: service}
}

func mintToken(t *testing.T, accountID string, roles ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": accountID,
		"iss": testIssuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if len(roles) > 0 {
		claims["roles"] = roles
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (fixture *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", recorder.Body.String(), err)
	}
	return body
}

func (fixture *apiFixture) seedBaseRule(t *testing.T, channel billing.Channel, unitPrice int64) {
	t.Helper()
	_, err := fixture.store.CreatePricingRule(context.Background(), billing.PricingRule{
		Category:  billing.RuleBase,
		Channel:   channel,
		UnitPrice: billing.Amount(unitPrice),
		Active:    true,
	})
	if err != nil {
		t.Fatalf("seed rule: %v", err)
	}
}

func TestHealthzNeedsNoToken(t *testing.T) {
	fixture := newAPIFixture(t)
	recorder := fixture.do(t, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestAPIRejectsMissingToken(t *testing.T) {
	fixture := newAPIFixture(t)
	recorder := fixture.do(t, http.MethodGet, "/api/balances", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestAPIRejectsForgedToken(t *testing.T) {
	fixture := newAPIFixture(t)
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "acct-x",
		"iss": testIssuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("wrong-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	recorder := fixture.do(t, http.MethodGet, "/api/balances", forged, nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestPaymentConfirmIsIdempotent(t *testing.T) {
	fixture := newAPIFixture(t)
	token := mintToken(t, "acct-pay")
	payload := map[string]any{
		"pool":         "advertising",
		"amount":       5000,
		"external_ref": "pg-20260901-0001",
	}

	first := fixture.do(t, http.MethodPost, "/api/payments/confirm", token, payload)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body.String())
	}
	if applied := decodeBody(t, first)["applied"]; applied != true {
		t.Fatalf("first confirmation must apply, got %v", applied)
	}

	replay := fixture.do(t, http.MethodPost, "/api/payments/confirm", token, payload)
	if replay.Code != http.StatusOK {
		t.Fatalf("replay must succeed, got %d", replay.Code)
	}
	replayBody := decodeBody(t, replay)
	if replayBody["applied"] != false {
		t.Fatalf("replay must not apply, got %v", replayBody["applied"])
	}
	if replayBody["new_balance"].(float64) != 5000 {
		t.Fatalf("replay must leave the balance at 5000, got %v", replayBody["new_balance"])
	}
}

func TestBalancesReportsBothPools(t *testing.T) {
	fixture := newAPIFixture(t)
	token := mintToken(t, "acct-bal")
	fixture.do(t, http.MethodPost, "/api/payments/confirm", token, map[string]any{
		"pool": "advertising", "amount": 1200, "external_ref": "bal-1",
	})

	recorder := fixture.do(t, http.MethodGet, "/api/balances", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := decodeBody(t, recorder)
	if body["advertising"].(float64) != 1200 || body["reward"].(float64) != 0 {
		t.Fatalf("unexpected balances: %v", body)
	}
}

func TestAuthorizeInsufficientBalanceReturns402(t *testing.T) {
	fixture := newAPIFixture(t)
	fixture.seedBaseRule(t, billing.ChannelSMS, 20)
	token := mintToken(t, "acct-402")
	fixture.do(t, http.MethodPost, "/api/payments/confirm", token, map[string]any{
		"pool": "advertising", "amount": 150, "external_ref": "short-1",
	})

	recorder := fixture.do(t, http.MethodPost, "/api/sends/authorize", token, map[string]any{
		"pool": "advertising", "channel": "SMS", "recipient_count": 10,
	})
	if recorder.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", recorder.Code, recorder.Body.String())
	}
	errorBody := decodeBody(t, recorder)["error"].(map[string]any)
	if errorBody["shortfall"].(float64) != 50 {
		t.Fatalf("expected shortfall 50, got %v", errorBody["shortfall"])
	}
}

func TestAuthorizeAndSettleFlow(t *testing.T) {
	fixture := newAPIFixture(t)
	fixture.seedBaseRule(t, billing.ChannelSMS, 20)
	token := mintToken(t, "acct-flow")
	fixture.do(t, http.MethodPost, "/api/payments/confirm", token, map[string]any{
		"pool": "advertising", "amount": 1000, "external_ref": "flow-1",
	})

	authorize := fixture.do(t, http.MethodPost, "/api/sends/authorize", token, map[string]any{
		"pool": "advertising", "channel": "SMS", "recipient_count": 50,
	})
	if authorize.Code != http.StatusOK {
		t.Fatalf("authorize failed: %d %s", authorize.Code, authorize.Body.String())
	}
	authorizeBody := decodeBody(t, authorize)
	tokenID := authorizeBody["token_id"].(string)
	quote := authorizeBody["quote"].(map[string]any)
	if quote["total_cost"].(float64) != 1000 {
		t.Fatalf("expected total cost 1000, got %v", quote["total_cost"])
	}

	settle := fixture.do(t, http.MethodPost, "/api/sends/settle", token, map[string]any{
		"token_id": tokenID, "successful_count": 47,
	})
	if settle.Code != http.StatusOK {
		t.Fatalf("settle failed: %d %s", settle.Code, settle.Body.String())
	}
	if debited := decodeBody(t, settle)["debited"].(float64); debited != 940 {
		t.Fatalf("expected debit 940, got %v", debited)
	}

	again := fixture.do(t, http.MethodPost, "/api/sends/settle", token, map[string]any{
		"token_id": tokenID, "successful_count": 47,
	})
	if again.Code != http.StatusConflict {
		t.Fatalf("double settle must conflict, got %d", again.Code)
	}

	balances := decodeBody(t, fixture.do(t, http.MethodGet, "/api/balances", token, nil))
	if balances["advertising"].(float64) != 60 {
		t.Fatalf("expected remaining 60, got %v", balances["advertising"])
	}
}

func TestSettleUnknownTokenReturns404(t *testing.T) {
	fixture := newAPIFixture(t)
	token := mintToken(t, "acct-404")
	recorder := fixture.do(t, http.MethodPost, "/api/sends/settle", token, map[string]any{
		"token_id": "00000000-0000-0000-0000-000000000000", "successful_count": 1,
	})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestAdminRoutesRequireRole(t *testing.T) {
	fixture := newAPIFixture(t)
	userToken := mintToken(t, "acct-user")
	recorder := fixture.do(t, http.MethodPost, "/api/admin/grants", userToken, map[string]any{
		"account_id": "acct-user", "pool": "reward", "amount": 100, "external_ref": "grant-1",
	})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without admin role, got %d", recorder.Code)
	}
}

func TestAdminGrantCreditsRewardPool(t *testing.T) {
	fixture := newAPIFixture(t)
	adminToken := mintToken(t, "acct-admin", "admin")
	recorder := fixture.do(t, http.MethodPost, "/api/admin/grants", adminToken, map[string]any{
		"account_id": "acct-member", "pool": "reward", "amount": 300, "external_ref": "promo-2026-09",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("grant failed: %d %s", recorder.Code, recorder.Body.String())
	}
	memberToken := mintToken(t, "acct-member")
	balances := decodeBody(t, fixture.do(t, http.MethodGet, "/api/balances", memberToken, nil))
	if balances["reward"].(float64) != 300 {
		t.Fatalf("expected reward 300, got %v", balances["reward"])
	}
}

func TestAdminPricingRuleLifecycle(t *testing.T) {
	fixture := newAPIFixture(t)
	adminToken := mintToken(t, "acct-admin", "admin")

	created := fixture.do(t, http.MethodPost, "/api/admin/pricing-rules", adminToken, map[string]any{
		"category": "base", "channel": "LMS", "unit_price": 200,
	})
	if created.Code != http.StatusOK {
		t.Fatalf("create rule failed: %d %s", created.Code, created.Body.String())
	}
	ruleID := int64(decodeBody(t, created)["id"].(float64))

	listed := fixture.do(t, http.MethodGet, "/api/admin/pricing-rules?channel=LMS", adminToken, nil)
	if listed.Code != http.StatusOK {
		t.Fatalf("list rules failed: %d", listed.Code)
	}
	rules := decodeBody(t, listed)["pricing_rules"].([]any)
	if len(rules) != 1 {
		t.Fatalf("expected one rule, got %d", len(rules))
	}

	retired := fixture.do(t, http.MethodPost, "/api/admin/pricing-rules/"+strconvFormat(ruleID)+"/retire", adminToken, nil)
	if retired.Code != http.StatusOK {
		t.Fatalf("retire failed: %d %s", retired.Code, retired.Body.String())
	}

	// Without an active base rule LMS can no longer be quoted.
	userToken := mintToken(t, "acct-q")
	quote := fixture.do(t, http.MethodPost, "/api/sends/quote", userToken, map[string]any{
		"channel": "LMS", "recipient_count": 10,
	})
	if quote.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 after retirement, got %d", quote.Code)
	}
}

func TestScheduleBookingRoundTrip(t *testing.T) {
	fixture := newAPIFixture(t)
	token := mintToken(t, "acct-book")
	fireAt := time.Now().Add(time.Hour).Unix()

	booked := fixture.do(t, http.MethodPost, "/api/sends/schedule", token, map[string]any{
		"pool":                  "advertising",
		"channel":               "ALIMTALK",
		"recipient_count":       25,
		"conditions":            map[string]int{"location": 2},
		"scheduled_at_unix_utc": fireAt,
	})
	if booked.Code != http.StatusOK {
		t.Fatalf("booking failed: %d %s", booked.Code, booked.Body.String())
	}
	if status := decodeBody(t, booked)["status"]; status != "pending" {
		t.Fatalf("expected pending booking, got %v", status)
	}

	listed := fixture.do(t, http.MethodGet, "/api/sends/scheduled", token, nil)
	if listed.Code != http.StatusOK {
		t.Fatalf("list failed: %d", listed.Code)
	}
	sends := decodeBody(t, listed)["scheduled_sends"].([]any)
	if len(sends) != 1 {
		t.Fatalf("expected one booking, got %d", len(sends))
	}
}

func strconvFormat(value int64) string {
	return strconv.FormatInt(value, 10)
}
