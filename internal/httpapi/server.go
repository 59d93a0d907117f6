// Package httpapi is the authenticated HTTP facade over the credit
// ledger: wallet reads, spend operations, checkout initiation, and the
// unauthenticated webhook ingestion route.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/resumelift/creditledger/internal/checkout"
	"github.com/resumelift/creditledger/internal/webhook"
	"github.com/resumelift/creditledger/pkg/catalog"
	"github.com/resumelift/creditledger/pkg/ledger"
	"github.com/resumelift/creditledger/pkg/redact"
)

const (
	codeUnauthorized        = "UNAUTHORIZED"
	codeInvalidParameters   = "INVALID_PARAMETERS"
	codeInvalidPriceID      = "INVALID_PRICE_ID"
	codeInsufficientCredits = "INSUFFICIENT_CREDITS"
	codeCheckoutFailed      = "CHECKOUT_CREATION_FAILED"
	codeLedgerError         = "LEDGER_ERROR"

	claimsContextKey = "auth_claims"
)

// Server owns the HTTP routes and their dependencies.
type Server struct {
	logger          *zap.Logger
	ledgerService   *ledger.Service
	checkoutService *checkout.Service
	webhookHandler  *webhook.Handler
	cfg             Config
}

// NewServer wires the HTTP facade.
func NewServer(cfg Config, ledgerService *ledger.Service, checkoutService *checkout.Service, webhookHandler *webhook.Handler, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ledgerService == nil || checkoutService == nil || webhookHandler == nil || logger == nil {
		return nil, errors.New("httpapi server: nil dependency")
	}
	registerValidations()
	return &Server{
		logger:          logger,
		ledgerService:   ledgerService,
		checkoutService: checkoutService,
		webhookHandler:  webhookHandler,
		cfg:             cfg,
	}, nil
}

// registerValidations adds the spend-feature rule to gin's validator.
func registerValidations() {
	if engine, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = engine.RegisterValidation("spendfeature", func(level validator.FieldLevel) bool {
			_, err := ledger.ParseReason("spend:" + level.Field().String())
			return err == nil
		})
	}
}

// Router builds the gin engine with all routes attached.
func (server *Server) Router(sessionValidator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider deliveries authenticate with their signature, not a session.
	router.POST("/webhooks/:provider", server.webhookHandler.Handle)

	api := router.Group("/api")
	api.Use(sessionValidator.GinMiddleware(claimsContextKey))
	api.GET("/wallet", server.handleWallet)
	api.POST("/checkout", server.handleCheckout)
	api.POST("/spend", server.handleSpend)
	api.POST("/bootstrap", server.handleBootstrap)

	return router
}

// Run serves the API until ctx is cancelled, then drains connections.
func (server *Server) Run(ctx context.Context, router *gin.Engine) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type checkoutRequest struct {
	PriceID  string `json:"priceId" binding:"required"`
	Quantity int64  `json:"quantity" binding:"omitempty,min=1"`
	Locale   string `json:"locale" binding:"omitempty,max=16"`
}

type spendRequest struct {
	Feature   string `json:"feature" binding:"required,spendfeature"`
	RequestID string `json:"requestId" binding:"omitempty,max=128"`
}

func (server *Server) handleWallet(ctx *gin.Context) {
	owner, ok := server.ownerFromSession(ctx)
	if !ok {
		return
	}
	server.respondWithWallet(ctx, owner)
}

func (server *Server) handleCheckout(ctx *gin.Context) {
	owner, ok := server.ownerFromSession(ctx)
	if !ok {
		return
	}
	var request checkoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidParameters, "expected {priceId, quantity, locale}"))
		return
	}

	result, err := server.checkoutService.Initiate(ctx.Request.Context(), owner, request.PriceID, request.Quantity, request.Locale)
	switch {
	case err == nil:
	case errors.Is(err, catalog.ErrUnknownPriceID), errors.Is(err, catalog.ErrInactivePackage):
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPriceID, "unknown or inactive price id"))
		return
	case errors.Is(err, checkout.ErrInvalidQuantity):
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidParameters, "quantity out of range"))
		return
	default:
		server.logger.Error("checkout initiation failed",
			zap.String("owner", redact.Identifier(owner.String())),
			zap.Error(err),
		)
		ctx.JSON(http.StatusInternalServerError, errorResponse(codeCheckoutFailed, "could not create checkout session"))
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"checkoutUrl": result.CheckoutURL,
		"sessionId":   result.SessionID,
		"credits":     result.Credits,
		"package":     result.PackageID,
	})
}

func (server *Server) handleSpend(ctx *gin.Context) {
	owner, ok := server.ownerFromSession(ctx)
	if !ok {
		return
	}
	var request spendRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidParameters, "expected {feature, requestId}"))
		return
	}
	reason, err := ledger.ParseReason("spend:" + request.Feature)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidParameters, "unknown feature"))
		return
	}
	cost, known := FeatureCost(reason)
	if !known {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidParameters, "unknown feature"))
		return
	}
	amount, err := ledger.NewCreditAmount(cost)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, errorResponse(codeLedgerError, "invalid feature cost"))
		return
	}
	metadata, err := ledger.MarshalMetadata(ledger.SpendMetadata{Feature: request.Feature, RequestID: request.RequestID})
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, errorResponse(codeLedgerError, "metadata marshal failed"))
		return
	}

	balance, err := server.ledgerService.ApplyDebit(ctx.Request.Context(), owner, amount, reason, metadata)
	if errors.Is(err, ledger.ErrInsufficientCredits) {
		ctx.JSON(http.StatusPaymentRequired, errorResponse(codeInsufficientCredits, "not enough credits"))
		return
	}
	if err != nil {
		server.logger.Error("spend failed",
			zap.String("owner", redact.Identifier(owner.String())),
			zap.String("feature", request.Feature),
			zap.Error(err),
		)
		ctx.JSON(http.StatusInternalServerError, errorResponse(codeLedgerError, "spend failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":    true,
		"newBalance": balance,
		"cost":       cost,
	})
}

func (server *Server) handleBootstrap(ctx *gin.Context) {
	owner, ok := server.ownerFromSession(ctx)
	if !ok {
		return
	}
	amount, err := ledger.NewCreditAmount(server.cfg.SignupBonusCredits)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, errorResponse(codeLedgerError, "invalid bonus amount"))
		return
	}
	// One bonus per owner, enforced through the event id constraint.
	bonusEventID, err := ledger.NewEventID(fmt.Sprintf("bonus:%s", owner.String()))
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, errorResponse(codeLedgerError, "invalid bonus key"))
		return
	}
	metadata, err := ledger.MarshalMetadata(ledger.BonusMetadata{Campaign: "signup"})
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, errorResponse(codeLedgerError, "metadata marshal failed"))
		return
	}
	if _, err := server.ledgerService.ApplyCredit(ctx.Request.Context(), owner, amount, ledger.ReasonBonus, &bonusEventID, metadata); err != nil {
		server.logger.Error("signup bonus failed",
			zap.String("owner", redact.Identifier(owner.String())),
			zap.Error(err),
		)
		ctx.JSON(http.StatusInternalServerError, errorResponse(codeLedgerError, "bonus grant failed"))
		return
	}
	server.respondWithWallet(ctx, owner)
}

func (server *Server) respondWithWallet(ctx *gin.Context, owner ledger.OwnerID) {
	summary, err := server.ledgerService.Summary(ctx.Request.Context(), owner, WalletHistoryLimit())
	if err != nil {
		server.logger.Error("wallet fetch failed",
			zap.String("owner", redact.Identifier(owner.String())),
			zap.Error(err),
		)
		ctx.JSON(http.StatusInternalServerError, errorResponse(codeLedgerError, "wallet unavailable"))
		return
	}

	transactions := make([]gin.H, 0, len(summary.Transactions))
	for _, transaction := range summary.Transactions {
		transactions = append(transactions, gin.H{
			"id":        transaction.TransactionID,
			"amount":    transaction.DeltaCredits,
			"reason":    transaction.Reason.String(),
			"createdAt": transaction.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance":            summary.BalanceCredits,
		"recentTransactions": transactions,
	})
}

// ownerFromSession extracts the authenticated owner id, responding 401
// when the session is missing or unusable.
func (server *Server) ownerFromSession(ctx *gin.Context) (ledger.OwnerID, bool) {
	claimsValue, exists := ctx.Get(claimsContextKey)
	if !exists {
		ctx.JSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "missing session"))
		return ledger.OwnerID{}, false
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	if claims == nil || strings.TrimSpace(claims.GetUserID()) == "" {
		ctx.JSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "missing session"))
		return ledger.OwnerID{}, false
	}
	owner, err := ledger.NewOwnerID(claims.GetUserID())
	if err != nil {
		server.logger.Warn("session subject rejected",
			zap.String("email", redact.Email(claims.GetUserEmail())),
			zap.Error(err),
		)
		ctx.JSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "invalid session subject"))
		return ledger.OwnerID{}, false
	}
	return owner, true
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
