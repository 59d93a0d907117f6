package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/resumelift/creditledger/internal/checkout"
	"github.com/resumelift/creditledger/internal/provider"
	"github.com/resumelift/creditledger/internal/store/gormstore"
	"github.com/resumelift/creditledger/internal/webhook"
	"github.com/resumelift/creditledger/pkg/catalog"
	"github.com/resumelift/creditledger/pkg/ledger"
)

const (
	testSigningKey    = "unit-test-signing-key"
	testWebhookSecret = "whsec_unit_test"
	testPriceID       = "price_starter"
)

type stubCheckoutSessions struct {
	lastRequest provider.CreateSessionRequest
}

func (stub *stubCheckoutSessions) CreateCheckoutSession(_ context.Context, request provider.CreateSessionRequest) (provider.Session, error) {
	stub.lastRequest = request
	return provider.Session{
		SessionID:  "cs_test_1",
		URL:        "https://pay.example.com/cs_test_1",
		CustomerID: "cus_test_1",
	}, nil
}

type serverFixture struct {
	server   *httptest.Server
	sessions *stubCheckoutSessions
	cfg      Config
}

func newServerFixture(test *testing.T) *serverFixture {
	test.Helper()

	databasePath := filepath.Join(test.TempDir(), "api.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := gormstore.AutoMigrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	store := gormstore.New(db)

	clock := func() int64 { return 1700000000 }
	ledgerService, err := ledger.NewService(store, clock)
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}

	packageCatalog, err := catalog.New([]catalog.Package{{
		PriceID:     testPriceID,
		PackageID:   "starter",
		Credits:     200,
		AmountCents: 500,
		Currency:    "usd",
		Active:      true,
	}})
	if err != nil {
		test.Fatalf("catalog: %v", err)
	}

	sessions := &stubCheckoutSessions{}
	checkoutService, err := checkout.NewService(packageCatalog, sessions, store, checkout.Config{
		SuccessURL: "https://app.example.com/billing/success",
		CancelURL:  "https://app.example.com/billing/cancel",
	}, zap.NewNop())
	if err != nil {
		test.Fatalf("checkout service: %v", err)
	}

	verifier, err := webhook.NewVerifier(testWebhookSecret, 0, nil)
	if err != nil {
		test.Fatalf("verifier: %v", err)
	}
	webhookHandler, err := webhook.NewHandler(ledgerService, verifier, store, zap.NewNop())
	if err != nil {
		test.Fatalf("webhook handler: %v", err)
	}

	cfg := Config{SessionSigningKey: testSigningKey}
	apiServer, err := NewServer(cfg, ledgerService, checkoutService, webhookHandler, zap.NewNop())
	if err != nil {
		test.Fatalf("server: %v", err)
	}

	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     apiServer.cfg.SessionIssuer,
		CookieName: apiServer.cfg.SessionCookieName,
	})
	if err != nil {
		test.Fatalf("session validator: %v", err)
	}

	testServer := httptest.NewServer(apiServer.Router(validator))
	test.Cleanup(testServer.Close)

	return &serverFixture{server: testServer, sessions: sessions, cfg: apiServer.cfg}
}

func (fixture *serverFixture) sessionCookie(test *testing.T, userID string) *http.Cookie {
	test.Helper()
	claims := &sessionvalidator.Claims{
		UserID:    userID,
		UserEmail: userID + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    fixture.cfg.SessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSigningKey))
	if err != nil {
		test.Fatalf("sign session token: %v", err)
	}
	return &http.Cookie{Name: fixture.cfg.SessionCookieName, Value: signed}
}

func (fixture *serverFixture) do(test *testing.T, method string, path string, cookie *http.Cookie, payload any) (int, map[string]any) {
	test.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			test.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	request, err := http.NewRequest(method, fixture.server.URL+path, body)
	if err != nil {
		test.Fatalf("build request: %v", err)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		request.AddCookie(cookie)
	}
	response, err := fixture.server.Client().Do(request)
	if err != nil {
		test.Fatalf("execute request: %v", err)
	}
	defer func() { _ = response.Body.Close() }()

	decoded := map[string]any{}
	raw, err := io.ReadAll(response.Body)
	if err != nil {
		test.Fatalf("read response: %v", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			test.Fatalf("decode response %q: %v", string(raw), err)
		}
	}
	return response.StatusCode, decoded
}

func errorCode(test *testing.T, body map[string]any) string {
	test.Helper()
	envelope, ok := body["error"].(map[string]any)
	if !ok {
		test.Fatalf("expected error envelope, got %v", body)
	}
	code, _ := envelope["code"].(string)
	return code
}

func TestWalletRequiresSession(test *testing.T) {
	fixture := newServerFixture(test)

	status, body := fixture.do(test, http.MethodGet, "/api/wallet", nil, nil)
	if status != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d (%v)", status, body)
	}
}

func TestBootstrapGrantsBonusOnce(test *testing.T) {
	fixture := newServerFixture(test)
	cookie := fixture.sessionCookie(test, "user-bootstrap")

	for attempt := 0; attempt < 2; attempt++ {
		status, body := fixture.do(test, http.MethodPost, "/api/bootstrap", cookie, nil)
		if status != http.StatusOK {
			test.Fatalf("bootstrap attempt %d: expected 200, got %d (%v)", attempt, status, body)
		}
		if balance := body["balance"].(float64); balance != 25 {
			test.Fatalf("bootstrap attempt %d: expected balance 25, got %v", attempt, balance)
		}
	}
}

func TestSpendDrainsBalanceThenRefuses(test *testing.T) {
	fixture := newServerFixture(test)
	cookie := fixture.sessionCookie(test, "user-spend")

	if status, _ := fixture.do(test, http.MethodPost, "/api/bootstrap", cookie, nil); status != http.StatusOK {
		test.Fatalf("bootstrap failed with %d", status)
	}

	// Two resume analyses at 10 credits each leave 5 of the 25 bonus.
	expectedBalances := []float64{15, 5}
	for spend := 0; spend < 2; spend++ {
		status, body := fixture.do(test, http.MethodPost, "/api/spend", cookie, map[string]any{
			"feature":   "resume_analysis",
			"requestId": "req-1",
		})
		if status != http.StatusOK {
			test.Fatalf("spend %d: expected 200, got %d (%v)", spend, status, body)
		}
		if success, _ := body["success"].(bool); !success {
			test.Fatalf("spend %d: expected success flag, got %v", spend, body)
		}
		if newBalance := body["newBalance"].(float64); newBalance != expectedBalances[spend] {
			test.Fatalf("spend %d: expected newBalance %v, got %v", spend, expectedBalances[spend], newBalance)
		}
		if cost := body["cost"].(float64); cost != 10 {
			test.Fatalf("spend %d: expected cost 10, got %v", spend, cost)
		}
	}

	status, body := fixture.do(test, http.MethodPost, "/api/spend", cookie, map[string]any{
		"feature": "resume_analysis",
	})
	if status != http.StatusPaymentRequired {
		test.Fatalf("expected 402, got %d (%v)", status, body)
	}
	if code := errorCode(test, body); code != codeInsufficientCredits {
		test.Fatalf("expected %s, got %s", codeInsufficientCredits, code)
	}

	status, body = fixture.do(test, http.MethodGet, "/api/wallet", cookie, nil)
	if status != http.StatusOK {
		test.Fatalf("wallet read failed with %d", status)
	}
	if balance := body["balance"].(float64); balance != 5 {
		test.Fatalf("expected residual balance 5, got %v", balance)
	}
	transactions, _ := body["recentTransactions"].([]any)
	if len(transactions) != 3 {
		test.Fatalf("expected 3 ledger entries, got %d", len(transactions))
	}
}

func TestSpendRejectsUnknownFeature(test *testing.T) {
	fixture := newServerFixture(test)
	cookie := fixture.sessionCookie(test, "user-unknown-feature")

	status, body := fixture.do(test, http.MethodPost, "/api/spend", cookie, map[string]any{
		"feature": "time_travel",
	})
	if status != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d (%v)", status, body)
	}
	if code := errorCode(test, body); code != codeInvalidParameters {
		test.Fatalf("expected %s, got %s", codeInvalidParameters, code)
	}
}

func TestCheckoutCreatesSessionWithMetadata(test *testing.T) {
	fixture := newServerFixture(test)
	cookie := fixture.sessionCookie(test, "user-checkout")

	status, body := fixture.do(test, http.MethodPost, "/api/checkout", cookie, map[string]any{
		"priceId":  testPriceID,
		"quantity": 2,
	})
	if status != http.StatusOK {
		test.Fatalf("expected 200, got %d (%v)", status, body)
	}
	if url := body["checkoutUrl"].(string); url != "https://pay.example.com/cs_test_1" {
		test.Fatalf("unexpected checkout url %q", url)
	}
	if credits := body["credits"].(float64); credits != 400 {
		test.Fatalf("expected 400 credits for quantity 2, got %v", credits)
	}

	stamped := fixture.sessions.lastRequest.Metadata
	if stamped[webhook.MetadataKeyAccountID] != "user-checkout" {
		test.Fatalf("expected owner stamped in metadata, got %v", stamped)
	}
	if stamped[webhook.MetadataKeyCredits] != "400" {
		test.Fatalf("expected credits stamped as string, got %v", stamped)
	}
}

func TestCheckoutRejectsUnknownPrice(test *testing.T) {
	fixture := newServerFixture(test)
	cookie := fixture.sessionCookie(test, "user-bad-price")

	status, body := fixture.do(test, http.MethodPost, "/api/checkout", cookie, map[string]any{
		"priceId": "price_nonexistent",
	})
	if status != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d (%v)", status, body)
	}
	if code := errorCode(test, body); code != codeInvalidPriceID {
		test.Fatalf("expected %s, got %s", codeInvalidPriceID, code)
	}
}

func TestWebhookRouteFeedsWallet(test *testing.T) {
	fixture := newServerFixture(test)
	cookie := fixture.sessionCookie(test, "user-webhook")

	object, err := json.Marshal(map[string]any{
		"id":           "cs_live_9",
		"customer":     "cus_live_9",
		"amount_total": 500,
		"currency":     "usd",
		"metadata": map[string]string{
			webhook.MetadataKeyAccountID: "user-webhook",
			webhook.MetadataKeyCredits:   "200",
			webhook.MetadataKeyPackageID: "starter",
		},
	})
	if err != nil {
		test.Fatalf("marshal session object: %v", err)
	}
	payload, err := json.Marshal(map[string]any{
		"id":   "evt_live_9",
		"type": webhook.EventCheckoutCompleted,
		"data": map[string]any{"object": json.RawMessage(object)},
	})
	if err != nil {
		test.Fatalf("marshal event: %v", err)
	}

	verifier, err := webhook.NewVerifier(testWebhookSecret, 0, nil)
	if err != nil {
		test.Fatalf("verifier: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost, fixture.server.URL+"/webhooks/stripe", bytes.NewReader(payload))
	if err != nil {
		test.Fatalf("build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(webhook.SignatureHeader, verifier.Sign(time.Now(), payload))

	response, err := fixture.server.Client().Do(request)
	if err != nil {
		test.Fatalf("deliver webhook: %v", err)
	}
	_ = response.Body.Close()
	if response.StatusCode != http.StatusOK {
		test.Fatalf("expected webhook ack, got %d", response.StatusCode)
	}

	status, body := fixture.do(test, http.MethodGet, "/api/wallet", cookie, nil)
	if status != http.StatusOK {
		test.Fatalf("wallet read failed with %d", status)
	}
	if balance := body["balance"].(float64); balance != 200 {
		test.Fatalf("expected 200 credits from purchase, got %v", balance)
	}
}
