package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"learnhub/internal/domain"
	"learnhub/internal/models"
	"learnhub/internal/repository"
	"learnhub/pkg/payment"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrWebhookEventNotFound = errors.New("webhook event not found")

type WebhookService struct {
	events   *repository.WebhookEventRepository
	gateways *payment.Registry
	recon    *ReconciliationService
	log      *slog.Logger
}

func NewWebhookService(events *repository.WebhookEventRepository, gateways *payment.Registry, recon *ReconciliationService, log *slog.Logger) *WebhookService {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookService{events: events, gateways: gateways, recon: recon, log: log}
}

// Handle verifies, records and dispatches one delivery. A nil error means the provider should
// get a 2xx and stop retrying; signature and parse errors wrap the pkg/payment sentinels.
func (s *WebhookService) Handle(ctx context.Context, provider string, header http.Header, body []byte) error {
	gw, err := s.gateways.Get(provider)
	if err != nil {
		return err
	}
	ev, err := gw.VerifyWebhook(header, body)
	if err != nil {
		s.log.WarnContext(ctx, "webhook rejected", slog.String("provider", gw.Name()), slog.Any("err", err))
		return err
	}
	if ev.ID == "" || ev.Type == "" {
		return fmt.Errorf("%w: missing event id or type", payment.ErrMalformedEvent)
	}

	stored, duplicate, err := s.events.Record(&models.WebhookEvent{
		Provider:          gw.Name(),
		EventID:           ev.ID,
		EventType:         ev.Type,
		ProviderPaymentID: ev.IntentID,
		RefundAmountCents: ev.AmountRefundedCents,
		RefundCumulative:  ev.RefundCumulative,
		FailureReason:     ev.FailureReason,
		Payload:           datatypes.JSON(body),
	})
	if err != nil {
		s.log.ErrorContext(ctx, "failed to persist webhook event",
			slog.String("provider", gw.Name()), slog.String("event_id", ev.ID), slog.Any("err", err))
		return err
	}
	if duplicate && (stored.Status == domain.WebhookEventProcessed || stored.Status == domain.WebhookEventIgnored) {
		s.log.InfoContext(ctx, "webhook event deduplicated",
			slog.String("provider", gw.Name()), slog.String("event_id", ev.ID), slog.Int("attempts", stored.Attempts))
		return nil
	}
	return s.dispatch(ctx, stored, domain.SourceWebhook)
}

// Replay re-dispatches a stored event regardless of its recorded status.
func (s *WebhookService) Replay(ctx context.Context, id uint) error {
	stored, err := s.events.GetByID(id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrWebhookEventNotFound
	}
	if err != nil {
		return err
	}
	return s.dispatch(ctx, stored, domain.SourceCLI)
}

func (s *WebhookService) dispatch(ctx context.Context, stored *models.WebhookEvent, source string) error {
	attrs := []any{
		slog.String("provider", stored.Provider),
		slog.String("event_id", stored.EventID),
		slog.String("type", stored.EventType),
		slog.String("provider_payment_id", stored.ProviderPaymentID),
	}

	status := domain.WebhookEventProcessed
	var err error
	switch stored.EventType {
	case payment.EventPaymentSucceeded:
		_, err = s.recon.Reconcile(ctx, stored.Provider, stored.ProviderPaymentID, source)
	case payment.EventPaymentFailed:
		_, err = s.recon.MarkFailed(ctx, stored.Provider, stored.ProviderPaymentID, stored.FailureReason, source)
	case payment.EventChargeRefunded:
		_, err = s.recon.Refund(ctx, stored.Provider, stored.ProviderPaymentID, stored.RefundAmountCents, stored.RefundCumulative, source)
	default:
		status = domain.WebhookEventIgnored
		s.log.InfoContext(ctx, "webhook event type not handled", attrs...)
	}

	var (
		errMsg string
		retErr error
	)
	switch {
	case err == nil:
	case errors.Is(err, ErrPaymentNotFound):
		// nothing local to update; a retry would not change that
		status = domain.WebhookEventFailed
		errMsg = err.Error()
		s.log.WarnContext(ctx, "webhook references unknown payment", attrs...)
	case errors.Is(err, ErrSeatRaceLost):
		errMsg = err.Error()
		s.log.WarnContext(ctx, "webhook payment lost seat race", attrs...)
	case errors.Is(err, ErrPaymentNotPayable):
		status = domain.WebhookEventIgnored
		errMsg = err.Error()
		s.log.WarnContext(ctx, "webhook success for closed payment", append(attrs, slog.Any("err", err))...)
	default:
		status = domain.WebhookEventFailed
		errMsg = err.Error()
		retErr = err
		s.log.ErrorContext(ctx, "webhook event apply failed", append(attrs, slog.Any("err", err))...)
	}

	if err := s.events.MarkStatus(stored.ID, status, errMsg); err != nil {
		s.log.ErrorContext(ctx, "failed to update webhook event status", append(attrs, slog.Any("err", err))...)
		if retErr == nil {
			retErr = err
		}
	}
	if retErr == nil && status == domain.WebhookEventProcessed {
		s.log.InfoContext(ctx, "webhook event processed", attrs...)
	}
	return retErr
}
