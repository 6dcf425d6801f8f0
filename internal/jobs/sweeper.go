package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"learnhub/config"
	"learnhub/internal/domain"
	"learnhub/internal/models"
	"learnhub/internal/repository"
	"learnhub/internal/service"
	"learnhub/pkg/payment"

	"github.com/robfig/cron/v3"
)

// Sweeper settles payments whose webhook never arrived and closes pending payments that
// expired before an intent was attached.
type Sweeper struct {
	cron     *cron.Cron
	payments *repository.PaymentRepository
	gateways *payment.Registry
	recon    *service.ReconciliationService
	cfg      config.JobsConfig
	log      *slog.Logger
}

type SweepResult struct {
	Checked   int
	Completed int
	Failed    int
	Cancelled int
	Errors    int
}

func NewSweeper(payments *repository.PaymentRepository, gateways *payment.Registry, recon *service.ReconciliationService, cfg config.JobsConfig, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		cron:     cron.New(cron.WithSeconds()),
		payments: payments,
		gateways: gateways,
		recon:    recon,
		cfg:      cfg,
		log:      log.With(slog.String("job", "payment_sweep")),
	}
}

func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.cfg.SweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Error("sweep failed", slog.Any("err", err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.cfg.SweepSchedule, err)
	}
	s.cron.Start()
	s.log.Info("sweeper started", slog.String("schedule", s.cfg.SweepSchedule))
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("sweeper stopped")
}

// RunOnce pages through every stale and expired payment. Payments still open at the gateway
// keep their place in line, so a full walk is needed for newer ones to be reached.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := time.Now().UTC()

	var afterID uint
	for {
		stale, err := s.payments.ListStaleProcessing(now.Add(-s.cfg.StaleAfter), afterID, s.cfg.BatchSize)
		if err != nil {
			return res, fmt.Errorf("list stale payments: %w", err)
		}
		for i := range stale {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Checked++
			s.settle(ctx, &stale[i], &res)
		}
		if len(stale) < s.cfg.BatchSize {
			break
		}
		afterID = stale[len(stale)-1].ID
	}

	afterID = 0
	for {
		expired, err := s.payments.ListExpiredPending(now, afterID, s.cfg.BatchSize)
		if err != nil {
			return res, fmt.Errorf("list expired payments: %w", err)
		}
		for _, p := range expired {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Checked++
			if _, err := s.recon.MarkCancelled(ctx, p.ID, domain.FailureExpired, domain.SourceSweeper); err != nil {
				res.Errors++
				s.log.ErrorContext(ctx, "cancel expired payment", slog.Uint64("payment_id", uint64(p.ID)), slog.Any("err", err))
				continue
			}
			res.Cancelled++
		}
		if len(expired) < s.cfg.BatchSize {
			break
		}
		afterID = expired[len(expired)-1].ID
	}

	if res.Checked > 0 {
		s.log.InfoContext(ctx, "sweep finished",
			slog.Int("checked", res.Checked),
			slog.Int("completed", res.Completed),
			slog.Int("failed", res.Failed),
			slog.Int("cancelled", res.Cancelled),
			slog.Int("errors", res.Errors))
	}
	return res, nil
}

func (s *Sweeper) settle(ctx context.Context, p *models.Payment, res *SweepResult) {
	attrs := []any{slog.Uint64("payment_id", uint64(p.ID)), slog.String("provider", p.PaymentProvider)}
	gw, err := s.gateways.Get(p.PaymentProvider)
	if err != nil {
		res.Errors++
		s.log.WarnContext(ctx, "no gateway for payment", append(attrs, slog.Any("err", err))...)
		return
	}
	intentID := *p.ProviderPaymentID
	st, err := gw.RetrieveIntent(ctx, intentID)
	if err != nil {
		res.Errors++
		s.log.WarnContext(ctx, "retrieve intent failed", append(attrs, slog.Any("err", err))...)
		return
	}
	switch st.Status {
	case payment.IntentSucceeded:
		_, err = s.recon.Reconcile(ctx, p.PaymentProvider, intentID, domain.SourceSweeper)
		switch {
		case err == nil:
			res.Completed++
		case errors.Is(err, service.ErrSeatRaceLost):
			res.Failed++
		default:
			res.Errors++
			s.log.ErrorContext(ctx, "reconcile stale payment", append(attrs, slog.Any("err", err))...)
		}
	case payment.IntentFailed:
		if _, err = s.recon.MarkFailed(ctx, p.PaymentProvider, intentID, st.FailureReason, domain.SourceSweeper); err != nil {
			res.Errors++
			s.log.ErrorContext(ctx, "fail stale payment", append(attrs, slog.Any("err", err))...)
			return
		}
		res.Failed++
	case payment.IntentCancelled:
		if _, err = s.recon.MarkCancelled(ctx, p.ID, domain.FailureIntentCanceled, domain.SourceSweeper); err != nil {
			res.Errors++
			s.log.ErrorContext(ctx, "cancel stale payment", append(attrs, slog.Any("err", err))...)
			return
		}
		res.Cancelled++
	default:
		// customer may still be paying
	}
}
