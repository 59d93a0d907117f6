// Package checkout initiates hosted payment sessions. Each session is
// stamped with the owner identity, the exact credit amount, and the
// package id so the webhook can fulfill it without consulting a
// possibly-stale price catalog.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/resumelift/creditledger/internal/provider"
	"github.com/resumelift/creditledger/internal/webhook"
	"github.com/resumelift/creditledger/pkg/catalog"
	"github.com/resumelift/creditledger/pkg/ledger"
)

const maxQuantity = 10

var (
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrCheckoutFailed  = errors.New("checkout creation failed")
)

// SessionCreator creates provider checkout sessions.
type SessionCreator interface {
	CreateCheckoutSession(ctx context.Context, request provider.CreateSessionRequest) (provider.Session, error)
}

// AccountSource resolves ledger accounts for checkout personalization.
type AccountSource interface {
	GetOrCreateAccount(ctx context.Context, owner ledger.OwnerID) (ledger.Account, error)
}

// Config holds the redirect targets for hosted checkout.
type Config struct {
	SuccessURL string
	CancelURL  string
}

// Service validates purchase requests and creates provider sessions.
type Service struct {
	catalog  *catalog.Catalog
	sessions SessionCreator
	accounts AccountSource
	config   Config
	logger   *zap.Logger
}

// Checkout is the initiated session returned to the client.
type Checkout struct {
	CheckoutURL string
	SessionID   string
	Credits     int64
	PackageID   string
}

// NewService wires the checkout initiation service.
func NewService(packageCatalog *catalog.Catalog, sessions SessionCreator, accounts AccountSource, config Config, logger *zap.Logger) (*Service, error) {
	if packageCatalog == nil || sessions == nil || accounts == nil || logger == nil {
		return nil, errors.New("checkout service: nil dependency")
	}
	if config.SuccessURL == "" || config.CancelURL == "" {
		return nil, errors.New("checkout service: success and cancel urls are required")
	}
	return &Service{
		catalog:  packageCatalog,
		sessions: sessions,
		accounts: accounts,
		config:   config,
		logger:   logger,
	}, nil
}

// Initiate validates the requested package and creates a provider
// session stamped with reconciliation metadata.
func (service *Service) Initiate(ctx context.Context, owner ledger.OwnerID, priceID string, quantity int64, locale string) (Checkout, error) {
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 0 || quantity > maxQuantity {
		return Checkout{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	entry, err := service.catalog.Lookup(priceID)
	if err != nil {
		return Checkout{}, err
	}
	credits := entry.Credits * quantity

	account, err := service.accounts.GetOrCreateAccount(ctx, owner)
	if err != nil {
		return Checkout{}, fmt.Errorf("%w: %v", ErrCheckoutFailed, err)
	}

	session, err := service.sessions.CreateCheckoutSession(ctx, provider.CreateSessionRequest{
		PriceID:    entry.PriceID,
		Quantity:   quantity,
		Locale:     locale,
		SuccessURL: service.config.SuccessURL,
		CancelURL:  service.config.CancelURL,
		CustomerID: account.ProviderCustomerID,
		Metadata: map[string]string{
			webhook.MetadataKeyAccountID: owner.String(),
			webhook.MetadataKeyCredits:   strconv.FormatInt(credits, 10),
			webhook.MetadataKeyPackageID: entry.PackageID,
		},
	})
	if err != nil {
		service.logger.Error("provider session creation failed",
			zap.String("price_id", entry.PriceID),
			zap.Error(err),
		)
		return Checkout{}, fmt.Errorf("%w: %v", ErrCheckoutFailed, err)
	}

	service.logger.Info("checkout session created",
		zap.String("session_id", session.SessionID),
		zap.String("package_id", entry.PackageID),
		zap.Int64("credits", credits),
	)
	return Checkout{
		CheckoutURL: session.URL,
		SessionID:   session.SessionID,
		Credits:     credits,
		PackageID:   entry.PackageID,
	}, nil
}
