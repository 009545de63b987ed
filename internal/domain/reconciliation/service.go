package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/closzit/closzit-api/internal/domain/audit"
	"github.com/closzit/closzit-api/internal/domain/credit"
	"github.com/closzit/closzit-api/internal/domain/outbox"
	"github.com/closzit/closzit-api/internal/domain/payment"
)

const (
	defaultInterval   = time.Hour
	defaultGrace      = 5 * time.Minute
	defaultStuckAfter = time.Hour
)

// Ledger is the read side of the credit service used for cross-checks.
type Ledger interface {
	HistoryEntry(ctx context.Context, id uuid.UUID) (*credit.HistoryEntry, error)
	PurchasedCredits(ctx context.Context, userID uuid.UUID) (int, error)
}

// Config tunes the sweep. Zero values fall back to defaults.
type Config struct {
	Interval time.Duration
	// Grace keeps the sweep away from payments the inline grant or the
	// processor may still be working on.
	Grace      time.Duration
	StuckAfter time.Duration
	// Gateway names the provider in recreated idempotency keys.
	Gateway         string
	GrantMaxRetries int
}

// Service detects and repairs gaps between payments, outbox events and the ledger.
type Service struct {
	payments payment.Repository
	events   outbox.Repository
	audits   audit.Repository
	ledger   Ledger
	metrics  *Metrics
	cfg      Config
	now      func() time.Time
}

// NewService creates the reconciliation service
func NewService(payments payment.Repository, events outbox.Repository, audits audit.Repository, ledger Ledger, cfg Config, m *Metrics) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = defaultStuckAfter
	}
	if cfg.Gateway == "" {
		cfg.Gateway = "kakaopay"
	}
	return &Service{
		payments: payments,
		events:   events,
		audits:   audits,
		ledger:   ledger,
		metrics:  m,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run reconciles every interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	log.Info().Dur("interval", s.cfg.Interval).Msg("Starting payment reconciliation worker...")
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			res, err := s.Reconcile(ctx)
			if err != nil {
				log.Error().Err(err).Msg("payment reconciliation failed")
				continue
			}
			log.Info().Int("checked", res.Checked).Int("issues", res.Issues).Int("fixed", res.Fixed).Msg("payment reconciliation finished")
		case <-ctx.Done():
			log.Info().Msg("Stopping payment reconciliation worker...")
			return nil
		}
	}
}

// Reconcile re-enqueues grants for approved payments that never received
// credits and makes stale pending events due. A failure on one payment is
// logged and does not stop the pass.
func (s *Service) Reconcile(ctx context.Context) (res *Result, err error) {
	start := time.Now()
	res = &Result{}
	defer func() { s.metrics.observe(res, err, time.Since(start)) }()

	now := s.now()
	ungranted, err := s.payments.ListApprovedUngranted(ctx, now.Add(-s.cfg.Grace))
	if err != nil {
		return nil, err
	}

	res.Checked += len(ungranted)
	for _, p := range ungranted {
		res.Issues++
		fixed, err := s.repair(ctx, p, now)
		if err != nil {
			log.Error().Err(err).Str("payment_id", p.ID.String()).Str("order_id", p.OrderID).Msg("reconciliation repair failed")
			continue
		}
		if fixed {
			res.Fixed++
		}
	}

	bumped, err := s.events.BumpStalePending(ctx, now.Add(-s.cfg.StuckAfter), now)
	if err != nil {
		return nil, err
	}
	if bumped > 0 {
		log.Warn().Str("issue", IssueStalePendingEvent).Int64("events", bumped).Msg("stale pending outbox events made due")
	}
	res.Checked += int(bumped)
	res.Issues += int(bumped)
	res.Fixed += int(bumped)

	return res, nil
}

func (s *Service) repair(ctx context.Context, p *payment.Payment, now time.Time) (bool, error) {
	ev, err := s.events.FindLatestByPayment(ctx, p.ID, outbox.EventGrantCredit)
	if err != nil {
		return false, err
	}

	fixed := false
	details := audit.Details{"issue": IssueCreditNotGranted, "hasOutbox": ev != nil}
	switch {
	case ev == nil:
		created := outbox.NewGrantCreditEvent(outbox.Payload{
			PaymentID:               p.ID,
			UserID:                  p.UserID,
			Credits:                 p.Credits,
			Amount:                  p.Amount,
			OrderID:                 p.OrderID,
			IdempotencyKey:          payment.PurchaseKey(s.cfg.Gateway, p.OrderID),
			CreatedByReconciliation: true,
		}, now)
		if s.cfg.GrantMaxRetries > 0 {
			created.MaxRetries = s.cfg.GrantMaxRetries
		}
		if err := s.events.Insert(ctx, created); err != nil {
			return false, err
		}
		details["outboxEventId"] = created.ID.String()
		details["fix"] = "created_outbox_event"
		fixed = true
	case ev.Status == outbox.StatusFailed:
		if _, err := s.events.Reset(ctx, ev.ID, now); err != nil {
			return false, err
		}
		details["outboxEventId"] = ev.ID.String()
		details["fix"] = "reset_failed_event"
		fixed = true
	}

	audit.Record(ctx, s.audits, audit.NewEntry(p.ID, audit.ActionReconcile, audit.StatusSuccess, details))
	log.Warn().Str("order_id", p.OrderID).Bool("fixed", fixed).Msg("approved payment without credits")
	return fixed, nil
}

// VerifyPayment reports the issues of one payment without changing anything.
func (s *Service) VerifyPayment(ctx context.Context, orderID string) (*PaymentVerification, error) {
	p, err := s.payments.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	issues := make([]Issue, 0)
	if p.Status == payment.StatusApproved && !p.CreditGranted {
		issues = append(issues, Issue{Code: IssueCreditNotGranted, Message: "payment approved but credits not granted"})
	}

	if p.CreditGranted && p.CreditHistoryID.Valid {
		entry, err := s.ledger.HistoryEntry(ctx, p.CreditHistoryID.UUID)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			issues = append(issues, Issue{Code: IssueDanglingCreditRecord, Message: "credit history id set but entry missing"})
		}
	}

	events, err := s.events.ListByPayment(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if e.Status != outbox.StatusFailed {
			continue
		}
		msg := "outbox event failed"
		if e.LastError != nil {
			msg = fmt.Sprintf("outbox event failed: %s", *e.LastError)
		}
		issues = append(issues, Issue{Code: IssueOutboxFailed, Message: msg})
		break
	}

	return &PaymentVerification{
		IsValid: len(issues) == 0,
		Payment: PaymentSummary{
			ID:            p.ID,
			OrderID:       p.OrderID,
			UserID:        p.UserID,
			Status:        p.Status,
			CreditGranted: p.CreditGranted,
			Credits:       p.Credits,
			Amount:        p.Amount,
		},
		Issues: issues,
	}, nil
}

// VerifyUser cross-checks granted payment credits against PURCHASE history.
func (s *Service) VerifyUser(ctx context.Context, userID uuid.UUID) (*UserVerification, error) {
	granted, err := s.payments.ListGrantedByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	fromPayments := 0
	for _, p := range granted {
		fromPayments += p.Credits
	}

	fromHistory, err := s.ledger.PurchasedCredits(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &UserVerification{
		TotalPayments:            len(granted),
		TotalCreditsFromPayments: fromPayments,
		TotalCreditsFromHistory:  fromHistory,
		IsValid:                  fromPayments == fromHistory,
		Discrepancy:              fromPayments - fromHistory,
	}, nil
}
