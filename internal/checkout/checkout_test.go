package checkout

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/resumelift/creditledger/internal/provider"
	"github.com/resumelift/creditledger/pkg/catalog"
	"github.com/resumelift/creditledger/pkg/ledger"
)

type stubSessions struct {
	request provider.CreateSessionRequest
	session provider.Session
	err     error
}

func (stub *stubSessions) CreateCheckoutSession(_ context.Context, request provider.CreateSessionRequest) (provider.Session, error) {
	stub.request = request
	if stub.err != nil {
		return provider.Session{}, stub.err
	}
	return stub.session, nil
}

type stubAccounts struct {
	account ledger.Account
	err     error
}

func (stub *stubAccounts) GetOrCreateAccount(_ context.Context, owner ledger.OwnerID) (ledger.Account, error) {
	if stub.err != nil {
		return ledger.Account{}, stub.err
	}
	account := stub.account
	account.Owner = owner
	return account, nil
}

func newTestCatalog(test *testing.T) *catalog.Catalog {
	test.Helper()
	packageCatalog, err := catalog.New([]catalog.Package{
		{PriceID: "price_pro", PackageID: "pro", Credits: 200, AmountCents: 1500, Currency: "usd", Active: true},
		{PriceID: "price_legacy", PackageID: "legacy", Credits: 10, AmountCents: 100, Currency: "usd", Active: false},
	})
	if err != nil {
		test.Fatalf("catalog: %v", err)
	}
	return packageCatalog
}

func newTestService(test *testing.T, sessions *stubSessions, accounts *stubAccounts) *Service {
	test.Helper()
	service, err := NewService(newTestCatalog(test), sessions, accounts, Config{
		SuccessURL: "https://app.example/billing/success",
		CancelURL:  "https://app.example/billing/cancel",
	}, zap.NewNop())
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	return service
}

func mustOwner(test *testing.T, raw string) ledger.OwnerID {
	test.Helper()
	owner, err := ledger.NewOwnerID(raw)
	if err != nil {
		test.Fatalf("owner: %v", err)
	}
	return owner
}

func TestInitiateStampsReconciliationMetadata(test *testing.T) {
	test.Parallel()
	sessions := &stubSessions{session: provider.Session{SessionID: "cs_1", URL: "https://pay.example/cs_1"}}
	accounts := &stubAccounts{account: ledger.Account{ProviderCustomerID: "cus_7"}}
	service := newTestService(test, sessions, accounts)

	result, err := service.Initiate(context.Background(), mustOwner(test, "user-1"), "price_pro", 2, "en")
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	if result.CheckoutURL != "https://pay.example/cs_1" || result.SessionID != "cs_1" {
		test.Fatalf("unexpected checkout: %+v", result)
	}
	if result.Credits != 400 || result.PackageID != "pro" {
		test.Fatalf("expected 400 credits for quantity 2, got %+v", result)
	}

	metadata := sessions.request.Metadata
	if metadata["account_id"] != "user-1" || metadata["credits"] != "400" || metadata["package_id"] != "pro" {
		test.Fatalf("unexpected metadata: %v", metadata)
	}
	if sessions.request.CustomerID != "cus_7" {
		test.Fatalf("expected existing provider customer to be reused, got %q", sessions.request.CustomerID)
	}
	if sessions.request.SuccessURL == "" || sessions.request.CancelURL == "" {
		test.Fatalf("redirect urls missing from session request")
	}
}

func TestInitiateDefaultsQuantityToOne(test *testing.T) {
	test.Parallel()
	sessions := &stubSessions{session: provider.Session{SessionID: "cs_1", URL: "https://pay.example/cs_1"}}
	service := newTestService(test, sessions, &stubAccounts{})

	result, err := service.Initiate(context.Background(), mustOwner(test, "user-1"), "price_pro", 0, "")
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	if result.Credits != 200 {
		test.Fatalf("expected 200 credits, got %d", result.Credits)
	}
}

func TestInitiateRejectsBadPackages(test *testing.T) {
	test.Parallel()
	sessions := &stubSessions{session: provider.Session{SessionID: "cs_1", URL: "https://pay.example/cs_1"}}
	service := newTestService(test, sessions, &stubAccounts{})
	owner := mustOwner(test, "user-1")

	if _, err := service.Initiate(context.Background(), owner, "price_unknown", 1, ""); !errors.Is(err, catalog.ErrUnknownPriceID) {
		test.Fatalf("expected ErrUnknownPriceID, got %v", err)
	}
	if _, err := service.Initiate(context.Background(), owner, "price_legacy", 1, ""); !errors.Is(err, catalog.ErrInactivePackage) {
		test.Fatalf("expected ErrInactivePackage, got %v", err)
	}
	if _, err := service.Initiate(context.Background(), owner, "price_pro", 99, ""); !errors.Is(err, ErrInvalidQuantity) {
		test.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
}

func TestInitiateWrapsProviderFailure(test *testing.T) {
	test.Parallel()
	sessions := &stubSessions{err: errors.New("upstream 500")}
	service := newTestService(test, sessions, &stubAccounts{})

	_, err := service.Initiate(context.Background(), mustOwner(test, "user-1"), "price_pro", 1, "")
	if !errors.Is(err, ErrCheckoutFailed) {
		test.Fatalf("expected ErrCheckoutFailed, got %v", err)
	}
}
