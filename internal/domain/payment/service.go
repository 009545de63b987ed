package payment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/closzit/closzit-api/internal/domain/audit"
	"github.com/closzit/closzit-api/internal/domain/credit"
	"github.com/closzit/closzit-api/internal/domain/outbox"
)

const (
	defaultHistoryLimit = 20

	// The inline grant leases its event so a concurrent processor run skips it.
	inlineOwner = "inline-approve"
	inlineLease = time.Minute
)

// Ledger is the part of the credit service the workflow needs.
type Ledger interface {
	AddCredit(ctx context.Context, userID uuid.UUID, amount int, txType credit.TxType, description, idempotencyKey string) (*credit.Result, error)
	DeductCredit(ctx context.Context, userID uuid.UUID, amount int, txType credit.TxType, description, idempotencyKey string) (*credit.Result, error)
}

// Config holds the URLs the gateway redirects the buyer to.
type Config struct {
	// CallbackBaseURL is the public base URL of this API.
	CallbackBaseURL string
	// GrantMaxRetries caps attempts of each GRANT_CREDIT event.
	GrantMaxRetries int
}

// Service drives the payment state machine.
type Service struct {
	repo    Repository
	events  outbox.Repository
	audits  audit.Repository
	ledger  Ledger
	gateway Gateway
	catalog *Catalog
	cfg     Config
	now     func() time.Time
}

// NewService creates a new payment service
func NewService(
	repo Repository,
	events outbox.Repository,
	audits audit.Repository,
	ledger Ledger,
	gateway Gateway,
	catalog *Catalog,
	cfg Config,
) *Service {
	if catalog == nil {
		catalog = NewCatalog()
	}
	cfg.CallbackBaseURL = strings.TrimRight(cfg.CallbackBaseURL, "/")
	return &Service{
		repo:    repo,
		events:  events,
		audits:  audits,
		ledger:  ledger,
		gateway: gateway,
		catalog: catalog,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ReadyResult is returned to the client to start the gateway checkout.
type ReadyResult struct {
	OrderID           string `json:"order_id"`
	TransactionID     string `json:"tid"`
	Credits           int    `json:"credits"`
	Amount            int    `json:"amount"`
	RedirectPCURL     string `json:"next_redirect_pc_url"`
	RedirectMobileURL string `json:"next_redirect_mobile_url"`
	RedirectAppURL    string `json:"next_redirect_app_url,omitempty"`
}

// ApproveResult describes the outcome of an approval callback.
type ApproveResult struct {
	OrderID       string `json:"order_id"`
	Credits       int    `json:"credits"`
	Duplicate     bool   `json:"duplicate"`
	CreditGranted bool   `json:"credit_granted"`
}

// RefundResult describes a completed refund.
type RefundResult struct {
	OrderID         string `json:"order_id"`
	RefundedAmount  int    `json:"refunded_amount"`
	RefundedCredits int    `json:"refunded_credits"`
	NewBalance      int    `json:"new_balance"`
}

// Packages lists the purchasable credit packages.
func (s *Service) Packages() []Package {
	return s.catalog.List()
}

// Ready creates a READY payment and opens a gateway session for it. The
// gateway call is not idempotent; a retry needs a fresh order.
func (s *Service) Ready(ctx context.Context, userID uuid.UUID, packageID int) (*ReadyResult, error) {
	pkg, ok := s.catalog.Get(packageID)
	if !ok {
		return nil, ErrInvalidPackage
	}

	now := s.now()
	p := &Payment{
		ID:        uuid.New(),
		OrderID:   NewOrderID(userID, now),
		UserID:    userID,
		PackageID: pkg.ID,
		Credits:   pkg.Credits,
		Amount:    pkg.Price,
		Status:    StatusReady,
		CreatedAt: now,
		UpdatedAt: now,
	}
	l := log.With().Str("order_id", p.OrderID).Str("user_id", userID.String()).Logger()

	created := audit.NewEntry(p.ID, audit.ActionCreate, audit.StatusSuccess, audit.Details{
		"orderId":   p.OrderID,
		"packageId": pkg.ID,
		"credits":   pkg.Credits,
		"amount":    pkg.Price,
	})
	if err := s.repo.Create(ctx, p, created); err != nil {
		return nil, err
	}

	prep, err := s.gateway.Prepare(ctx, PrepareRequest{
		OrderID:     p.OrderID,
		UserID:      userID.String(),
		ItemName:    pkg.Name,
		Amount:      pkg.Price,
		ApprovalURL: s.callbackURL("approve", p.OrderID),
		CancelURL:   s.callbackURL("cancel", p.OrderID),
		FailURL:     s.callbackURL("fail", p.OrderID),
	})
	if err != nil {
		l.Error().Err(err).Msg("gateway prepare failed")
		entry := audit.Failure(p.ID, audit.ActionGatewayPrepare, err, nil)
		if _, terr := s.repo.TransitionFromReady(ctx, p.ID, StatusFailed, entry); terr != nil {
			l.Error().Err(terr).Msg("failed to mark payment failed")
		}
		return nil, err
	}

	prepared := audit.NewEntry(p.ID, audit.ActionGatewayPrepare, audit.StatusSuccess, audit.Details{"tid": prep.TransactionID})
	if err := s.repo.SetGatewayTransaction(ctx, p.ID, prep.TransactionID, prepared); err != nil {
		return nil, err
	}

	l.Info().Int("credits", pkg.Credits).Int("amount", pkg.Price).Msg("payment ready")
	return &ReadyResult{
		OrderID:           p.OrderID,
		TransactionID:     prep.TransactionID,
		Credits:           pkg.Credits,
		Amount:            pkg.Price,
		RedirectPCURL:     prep.RedirectPCURL,
		RedirectMobileURL: prep.RedirectMobileURL,
		RedirectAppURL:    prep.RedirectAppURL,
	}, nil
}

func (s *Service) callbackURL(action, orderID string) string {
	return fmt.Sprintf("%s/payment/%s/%s?partner_order_id=%s", s.cfg.CallbackBaseURL, s.gateway.Name(), action, url.QueryEscape(orderID))
}

// Approve confirms the payment with the gateway and commits APPROVED together
// with a GRANT_CREDIT outbox event. The grant is then attempted inline; an
// inline failure is left to the outbox processor.
func (s *Service) Approve(ctx context.Context, orderID, token string) (*ApproveResult, error) {
	p, err := s.repo.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	l := log.With().Str("order_id", orderID).Str("payment_id", p.ID.String()).Logger()

	if p.Status == StatusApproved {
		l.Info().Msg("duplicate approval ignored")
		return &ApproveResult{OrderID: orderID, Credits: p.Credits, Duplicate: true, CreditGranted: p.CreditGranted}, nil
	}
	if p.Status != StatusReady {
		return nil, ErrInvalidState
	}

	// Failure here leaves the payment READY so the callback may be retried.
	conf, err := s.gateway.Confirm(ctx, ConfirmRequest{
		TransactionID: p.TransactionID(),
		OrderID:       orderID,
		UserID:        p.UserID.String(),
		Token:         token,
	})
	if err != nil {
		l.Error().Err(err).Msg("gateway confirm failed")
		audit.Record(ctx, s.audits, audit.Failure(p.ID, audit.ActionGatewayConfirm, err, nil))
		return nil, err
	}

	now := s.now()
	event := outbox.NewGrantCreditEvent(outbox.Payload{
		PaymentID:      p.ID,
		UserID:         p.UserID,
		Credits:        p.Credits,
		Amount:         p.Amount,
		OrderID:        orderID,
		IdempotencyKey: PurchaseKey(s.gateway.Name(), orderID),
	}, now)
	if s.cfg.GrantMaxRetries > 0 {
		event.MaxRetries = s.cfg.GrantMaxRetries
	}
	approved := audit.NewEntry(p.ID, audit.ActionApprove, audit.StatusSuccess, audit.Details{
		"approvedAmount": conf.ApprovedAmount,
		"paymentMethod":  conf.PaymentMethod,
		"gatewayTime":    conf.ApprovedAt.Format(time.RFC3339),
		"outboxEventId":  event.ID.String(),
	})
	err = s.repo.Approve(ctx, p.ID, Approval{
		ApprovedAt:     now,
		PaymentMethod:  conf.PaymentMethod,
		ApprovedAmount: conf.ApprovedAmount,
	}, event, approved)
	if err != nil {
		if errors.Is(err, ErrConcurrentApproval) {
			l.Warn().Msg("payment approved concurrently")
		}
		return nil, err
	}
	l.Info().Int("credits", p.Credits).Msg("payment approved")

	granted := true
	switch err := s.ProcessGrantCreditEvent(ctx, p.ID); {
	case errors.Is(err, outbox.ErrEventLeased):
		granted = false
		l.Info().Msg("credit grant already in progress on the outbox processor")
	case err != nil:
		granted = false
		l.Warn().Err(err).Msg("inline credit grant failed, outbox will retry")
	}
	return &ApproveResult{OrderID: orderID, Credits: p.Credits, CreditGranted: granted}, nil
}

// ProcessGrantCreditEvent applies the active GRANT_CREDIT event of a payment.
func (s *Service) ProcessGrantCreditEvent(ctx context.Context, paymentID uuid.UUID) error {
	p, err := s.repo.GetByID(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.CreditGranted {
		_, err := s.events.CompleteActiveByPayment(ctx, p.ID, outbox.EventGrantCredit, s.now())
		return err
	}

	e, err := s.events.FindActiveByPayment(ctx, paymentID, outbox.EventGrantCredit)
	if err != nil {
		return err
	}
	if e == nil {
		return ErrOutboxEventNotFound
	}
	now := s.now()
	if err := s.events.MarkProcessing(ctx, e.ID, inlineOwner, now.Add(inlineLease), now); err != nil {
		return err
	}
	return s.processEvent(ctx, e)
}

// HandleGrantCreditEvent is the outbox handler for GRANT_CREDIT.
func (s *Service) HandleGrantCreditEvent(ctx context.Context, e *outbox.Event) error {
	return s.processEvent(ctx, e)
}

func (s *Service) processEvent(ctx context.Context, e *outbox.Event) error {
	p, err := s.repo.GetByID(ctx, e.PaymentID)
	if err != nil {
		return s.failEvent(ctx, e, err)
	}

	if p.CreditGranted {
		if _, err := s.events.CompleteActiveByPayment(ctx, p.ID, outbox.EventGrantCredit, s.now()); err != nil {
			return err
		}
		return nil
	}

	key := e.Payload.IdempotencyKey
	if key == "" {
		key = PurchaseKey(s.gateway.Name(), p.OrderID)
	}
	res, err := s.ledger.AddCredit(ctx, p.UserID, p.Credits, credit.TxTypePurchase,
		fmt.Sprintf("%s purchase %s (%d credits)", s.gateway.Name(), p.OrderID, p.Credits), key)
	if err != nil {
		return s.failEvent(ctx, e, err)
	}

	entry := audit.NewEntry(p.ID, audit.ActionGrantCredit, audit.StatusSuccess, audit.Details{
		"credits":       p.Credits,
		"historyId":     res.HistoryID.String(),
		"newBalance":    res.NewBalance,
		"duplicate":     res.Duplicate,
		"outboxEventId": e.ID.String(),
	})
	if err := s.repo.MarkCreditGranted(ctx, p.ID, res.HistoryID, entry); err != nil {
		return s.failEvent(ctx, e, err)
	}

	log.Info().
		Str("order_id", p.OrderID).
		Str("user_id", p.UserID.String()).
		Int("credits", p.Credits).
		Bool("duplicate", res.Duplicate).
		Msg("credits granted")
	return nil
}

func (s *Service) failEvent(ctx context.Context, e *outbox.Event, cause error) error {
	updated, err := s.events.RecordFailure(ctx, e.ID, cause.Error(), s.now())
	if err != nil {
		log.Error().Err(err).Str("event_id", e.ID.String()).Msg("failed to record outbox failure")
		return cause
	}
	audit.Record(ctx, s.audits, audit.Failure(e.PaymentID, audit.ActionGrantCredit, cause, audit.Details{
		"outboxEventId": e.ID.String(),
		"retryCount":    updated.RetryCount,
		"status":        string(updated.Status),
	}))
	return cause
}

// Refund cancels the payment at the gateway and takes the credits back. A
// gateway refund whose ledger deduction fails is reported as
// ErrRefundNeedsManualFix.
func (s *Service) Refund(ctx context.Context, orderID string, userID uuid.UUID) (*RefundResult, error) {
	p, err := s.repo.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, ErrNotPaymentOwner
	}
	if p.Status != StatusApproved {
		return nil, ErrInvalidState
	}
	if !p.CreditGranted {
		return nil, ErrCreditNotGranted
	}
	l := log.With().Str("order_id", orderID).Str("payment_id", p.ID.String()).Logger()

	cancelled, err := s.gateway.Cancel(ctx, CancelRequest{TransactionID: p.TransactionID(), Amount: p.Amount})
	if err != nil {
		l.Error().Err(err).Msg("gateway refund failed")
		audit.Record(ctx, s.audits, audit.Failure(p.ID, audit.ActionGatewayCancel, err, nil))
		return nil, err
	}
	audit.Record(ctx, s.audits, audit.NewEntry(p.ID, audit.ActionGatewayCancel, audit.StatusSuccess, audit.Details{
		"refundedAmount": cancelled.RefundedAmount,
	}))

	res, err := s.ledger.DeductCredit(ctx, p.UserID, p.Credits, credit.TxTypeRefund,
		fmt.Sprintf("%s refund %s", s.gateway.Name(), orderID), RefundKey(orderID))
	if err != nil {
		return nil, s.needsManualFix(ctx, p, audit.ActionRefundCreditDeduct, cancelled.RefundedAmount, err)
	}

	now := s.now()
	entry := audit.NewEntry(p.ID, audit.ActionRefund, audit.StatusSuccess, audit.Details{
		"refundedAmount":  cancelled.RefundedAmount,
		"refundedCredits": p.Credits,
		"historyId":       res.HistoryID.String(),
	})
	err = s.repo.MarkRefunded(ctx, p.ID, Refund{
		RefundedAt:     now,
		RefundedAmount: cancelled.RefundedAmount,
		HistoryID:      res.HistoryID,
	}, entry)
	if err != nil {
		return nil, s.needsManualFix(ctx, p, audit.ActionRefund, cancelled.RefundedAmount, err)
	}

	l.Info().Int("credits", p.Credits).Int("amount", cancelled.RefundedAmount).Msg("payment refunded")
	return &RefundResult{
		OrderID:         orderID,
		RefundedAmount:  cancelled.RefundedAmount,
		RefundedCredits: p.Credits,
		NewBalance:      res.NewBalance,
	}, nil
}

func (s *Service) needsManualFix(ctx context.Context, p *Payment, action audit.Action, refunded int, cause error) error {
	log.Error().Err(cause).
		Str("order_id", p.OrderID).
		Str("user_id", p.UserID.String()).
		Int("credits", p.Credits).
		Msg("gateway refunded but local refund failed, manual fix required")
	audit.Record(ctx, s.audits, audit.Failure(p.ID, action, cause, audit.Details{
		"needsManualFix": true,
		"refundedAmount": refunded,
		"credits":        p.Credits,
	}))
	return fmt.Errorf("%w: %v", ErrRefundNeedsManualFix, cause)
}

// Cancel handles the buyer abandoning checkout. Only READY payments move.
func (s *Service) Cancel(ctx context.Context, orderID string) (*Payment, error) {
	return s.leaveReady(ctx, orderID, StatusCancelled, audit.ActionCancel)
}

// Fail handles the gateway's fail redirect. Only READY payments move.
func (s *Service) Fail(ctx context.Context, orderID string) (*Payment, error) {
	return s.leaveReady(ctx, orderID, StatusFailed, audit.ActionFail)
}

func (s *Service) leaveReady(ctx context.Context, orderID string, to Status, action audit.Action) (*Payment, error) {
	p, err := s.repo.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	entry := audit.NewEntry(p.ID, action, audit.StatusSuccess, audit.Details{"from": string(p.Status)})
	moved, err := s.repo.TransitionFromReady(ctx, p.ID, to, entry)
	if err != nil {
		return nil, err
	}
	if !moved {
		audit.Record(ctx, s.audits, audit.NewEntry(p.ID, action, audit.StatusSuccess, audit.Details{
			"from":    string(p.Status),
			"ignored": true,
		}))
		log.Info().Str("order_id", orderID).Str("status", string(p.Status)).Str("action", string(action)).Msg("callback ignored, payment already closed")
		return p, nil
	}
	p.Status = to
	log.Info().Str("order_id", orderID).Str("status", string(to)).Msg("payment closed by callback")
	return p, nil
}

// History lists the user's payments, newest first.
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit int) ([]*Payment, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return s.repo.ListByUser(ctx, userID, limit)
}

func (s *Service) GetByOrderID(ctx context.Context, orderID string) (*Payment, error) {
	return s.repo.GetByOrderID(ctx, orderID)
}
