package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/resumelift/creditledger/pkg/ledger"
)

// maxBodyBytes bounds webhook request bodies; provider events are small.
const maxBodyBytes = 1 << 20

// EventRegistry is the durable processed-event store. MarkEventProcessed
// reports false when the (provider, event id) pair was seen before.
type EventRegistry interface {
	MarkEventProcessed(ctx context.Context, provider string, eventID ledger.EventID) (bool, error)
}

// EventCache is an optional fast-path deduplicator in front of the
// registry. MarkSeen reports true on first sight. Cache failures are
// advisory; the registry and the ledger's unique event id constraint
// remain authoritative.
type EventCache interface {
	MarkSeen(ctx context.Context, provider string, eventID string) (bool, error)
}

// Handler ingests signed provider events and applies them to the ledger.
type Handler struct {
	service  *ledger.Service
	verifier *Verifier
	registry EventRegistry
	cache    EventCache
	logger   *zap.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithEventCache wires a fast-path deduplication cache.
func WithEventCache(cache EventCache) HandlerOption {
	return func(handler *Handler) {
		handler.cache = cache
	}
}

// NewHandler wires the webhook ingestion handler.
func NewHandler(service *ledger.Service, verifier *Verifier, registry EventRegistry, logger *zap.Logger, options ...HandlerOption) (*Handler, error) {
	if service == nil || verifier == nil || registry == nil || logger == nil {
		return nil, errors.New("webhook handler: nil dependency")
	}
	handler := &Handler{
		service:  service,
		verifier: verifier,
		registry: registry,
		logger:   logger,
	}
	for _, option := range options {
		if option != nil {
			option(handler)
		}
	}
	return handler, nil
}

// Handle processes POST /webhooks/:provider. Once the signature checks
// out, the provider always receives 200: downstream failures are logged
// for manual reconciliation instead of triggering provider retries.
func (handler *Handler) Handle(ctx *gin.Context) {
	provider := ctx.Param("provider")
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}

	if err := handler.verifier.Verify(ctx.GetHeader(SignatureHeader), body); err != nil {
		handler.logger.Warn("webhook signature rejected",
			zap.String("provider", provider),
			zap.Error(err),
		)
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "signature verification failed"))
		return
	}

	envelope, err := ParseEnvelope(body)
	if err != nil {
		// Authenticated but unparseable; nothing to dedupe against.
		handler.logger.Error("webhook envelope unparseable",
			zap.String("provider", provider),
			zap.Error(err),
		)
		handler.acknowledge(ctx)
		return
	}

	requestCtx := ctx.Request.Context()
	if handler.cache != nil {
		firstSight, cacheErr := handler.cache.MarkSeen(requestCtx, provider, envelope.ID)
		if cacheErr != nil {
			handler.logger.Warn("event cache unavailable",
				zap.String("provider", provider),
				zap.String("event_id", envelope.ID),
				zap.Error(cacheErr),
			)
		} else if !firstSight {
			handler.acknowledge(ctx)
			return
		}
	}

	eventID, err := ledger.NewEventID(envelope.ID)
	if err != nil {
		handler.logger.Error("webhook event id invalid",
			zap.String("provider", provider),
			zap.Error(err),
		)
		handler.acknowledge(ctx)
		return
	}
	firstDelivery, err := handler.registry.MarkEventProcessed(requestCtx, provider, eventID)
	if err != nil {
		handler.logger.Error("processed-event registry write failed",
			zap.String("provider", provider),
			zap.String("event_id", envelope.ID),
			zap.Error(err),
		)
		handler.acknowledge(ctx)
		return
	}
	if !firstDelivery {
		handler.acknowledge(ctx)
		return
	}

	switch envelope.Type {
	case EventCheckoutCompleted:
		handler.handleCheckoutCompleted(requestCtx, provider, envelope, eventID)
	case EventChargeRefunded:
		handler.handleChargeRefunded(requestCtx, provider, envelope, eventID)
	default:
		handler.logger.Info("webhook event ignored",
			zap.String("provider", provider),
			zap.String("event_id", envelope.ID),
			zap.String("event_type", envelope.Type),
		)
	}
	handler.acknowledge(ctx)
}

func (handler *Handler) handleCheckoutCompleted(ctx context.Context, provider string, envelope Envelope, eventID ledger.EventID) {
	grant, err := ParseCompletedSession(envelope.Data.Object)
	if err != nil {
		handler.logger.Error("checkout event metadata rejected",
			zap.String("provider", provider),
			zap.String("event_id", envelope.ID),
			zap.Error(err),
		)
		return
	}
	metadata, err := ledger.MarshalMetadata(ledger.PurchaseMetadata{
		SessionID:   grant.SessionID,
		PackageID:   grant.PackageID,
		AmountCents: grant.ChargeCent,
		Currency:    grant.Currency,
	})
	if err != nil {
		handler.logger.Error("purchase metadata marshal failed",
			zap.String("event_id", envelope.ID),
			zap.Error(err),
		)
		return
	}
	if _, err := handler.service.ApplyCredit(ctx, grant.Owner, grant.Credits, ledger.ReasonPurchase, &eventID, metadata); err != nil {
		handler.logger.Error("credit application failed",
			zap.String("provider", provider),
			zap.String("event_id", envelope.ID),
			zap.Error(err),
		)
		return
	}
	if err := handler.service.RecordProviderCustomer(ctx, grant.Owner, grant.CustomerID); err != nil {
		handler.logger.Warn("provider customer id not recorded",
			zap.String("event_id", envelope.ID),
			zap.Error(err),
		)
	}
}

func (handler *Handler) handleChargeRefunded(ctx context.Context, provider string, envelope Envelope, eventID ledger.EventID) {
	instruction, err := ParseRefundedCharge(envelope.Data.Object)
	if err != nil {
		handler.logger.Error("refund event metadata rejected",
			zap.String("provider", provider),
			zap.String("event_id", envelope.ID),
			zap.Error(err),
		)
		return
	}
	_, err = handler.service.ApplyRefund(ctx, instruction.Owner, instruction.RefundCents, instruction.OriginalEventID, eventID)
	if err != nil {
		// Includes refunds whose original purchase is unknown; those are
		// reconciliation gaps handled out of band.
		handler.logger.Error("refund application failed",
			zap.String("provider", provider),
			zap.String("event_id", envelope.ID),
			zap.String("original_event_id", instruction.OriginalEventID.String()),
			zap.Error(err),
		)
	}
}

func (handler *Handler) acknowledge(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "received"})
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
