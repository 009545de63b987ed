package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 10 * time.Millisecond

	SignupCredits    = 100
	ItemAddedCredits = 10
)

// Options tunes the optimistic retry loop.
type Options struct {
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries.
	RetryDelay time.Duration
}

// Service is the ledger. All balance changes go through AddCredit or DeductCredit.
type Service struct {
	repo       Repository
	maxRetries int
	retryDelay time.Duration
}

// NewService creates a new ledger service
func NewService(repo Repository, opts Options) *Service {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	return &Service{
		repo:       repo,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
	}
}

// OpenAccount provisions the account for a new user.
func (s *Service) OpenAccount(ctx context.Context, userID uuid.UUID) error {
	return s.repo.CreateAccount(ctx, userID)
}

// AddCredit increases the balance by amount.
func (s *Service) AddCredit(ctx context.Context, userID uuid.UUID, amount int, txType TxType, description, idempotencyKey string) (*Result, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.mutate(ctx, userID, amount, txType, description, idempotencyKey)
}

// DeductCredit decreases the balance by amount. It fails with ErrInsufficientCredits
// instead of driving the balance negative.
func (s *Service) DeductCredit(ctx context.Context, userID uuid.UUID, amount int, txType TxType, description, idempotencyKey string) (*Result, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.mutate(ctx, userID, -amount, txType, description, idempotencyKey)
}

func (s *Service) mutate(ctx context.Context, userID uuid.UUID, delta int, txType TxType, description, key string) (*Result, error) {
	if !txType.Valid() {
		return nil, ErrInvalidTxType
	}

	if dup, err := s.duplicateOf(ctx, key); dup != nil || err != nil {
		return dup, err
	}

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		acc, err := s.account(ctx, userID, delta > 0)
		if err != nil {
			return nil, err
		}

		m := Mutation{
			UserID:          userID,
			Amount:          delta,
			Type:            txType,
			Description:     description,
			IdempotencyKey:  key,
			ExpectedVersion: acc.Version,
			BalanceBefore:   acc.Balance,
		}
		if m.BalanceAfter() < 0 {
			return nil, ErrInsufficientCredits
		}

		entry, err := s.repo.Apply(ctx, m)
		switch {
		case err == nil:
			log.Info().
				Str("user_id", userID.String()).
				Str("type", string(txType)).
				Int("amount", delta).
				Int("balance", entry.BalanceAfter).
				Msg("credit ledger updated")
			return &Result{NewBalance: entry.BalanceAfter, HistoryID: entry.ID}, nil
		case errors.Is(err, ErrDuplicateIdempotencyKey):
			dup, derr := s.duplicateOf(ctx, key)
			if derr != nil {
				return nil, derr
			}
			if dup == nil {
				return nil, fmt.Errorf("%w: idempotency key %q reported duplicate but not found", ErrInternal, key)
			}
			return dup, nil
		case errors.Is(err, ErrVersionConflict):
			log.Debug().
				Str("user_id", userID.String()).
				Int("attempt", attempt).
				Msg("credit account version conflict, retrying")
			if attempt < s.maxRetries {
				if err := sleep(ctx, s.retryDelay*time.Duration(attempt)); err != nil {
					return nil, err
				}
			}
		default:
			return nil, err
		}
	}

	log.Warn().Str("user_id", userID.String()).Int("retries", s.maxRetries).Msg("credit mutation gave up after version conflicts")
	return nil, ErrConcurrentModification
}

// account loads the user's account. Credits may arrive before anything else
// touched the ledger, so a missing account is opened when provision is set.
func (s *Service) account(ctx context.Context, userID uuid.UUID, provision bool) (*Account, error) {
	acc, err := s.repo.GetAccount(ctx, userID)
	if !provision || !errors.Is(err, ErrAccountNotFound) {
		return acc, err
	}
	if err := s.repo.CreateAccount(ctx, userID); err != nil {
		return nil, err
	}
	log.Info().Str("user_id", userID.String()).Msg("credit account opened on first credit")
	return s.repo.GetAccount(ctx, userID)
}

func (s *Service) duplicateOf(ctx context.Context, key string) (*Result, error) {
	if key == "" {
		return nil, nil
	}
	existing, err := s.repo.FindByIdempotencyKey(ctx, key)
	if err != nil || existing == nil {
		return nil, err
	}
	return &Result{NewBalance: existing.BalanceAfter, Duplicate: true, HistoryID: existing.ID}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// GetBalance returns the cached balance.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (int, error) {
	acc, err := s.repo.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// VerifyIntegrity compares the cached balance with the sum of the history.
func (s *Service) VerifyIntegrity(ctx context.Context, userID uuid.UUID) (*Integrity, error) {
	acc, err := s.repo.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	sum, err := s.repo.SumHistory(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Integrity{
		CachedBalance:     acc.Balance,
		CalculatedBalance: sum,
		Diff:              acc.Balance - sum,
		IsValid:           acc.Balance == sum,
	}, nil
}

// ListHistory returns the newest entries first.
func (s *Service) ListHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*HistoryEntry, error) {
	return s.repo.ListHistory(ctx, userID, Pagination{Limit: limit, Offset: offset})
}

// HistoryEntry looks up a single entry by id; nil when absent.
func (s *Service) HistoryEntry(ctx context.Context, id uuid.UUID) (*HistoryEntry, error) {
	return s.repo.GetHistoryEntry(ctx, id)
}

// PurchasedCredits sums PURCHASE history for a user.
func (s *Service) PurchasedCredits(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.repo.SumHistory(ctx, userID, TxTypePurchase)
}

// GrantSignupCredit opens the account and grants the one-time signup bonus.
func (s *Service) GrantSignupCredit(ctx context.Context, userID uuid.UUID) (*Result, error) {
	if err := s.OpenAccount(ctx, userID); err != nil {
		return nil, err
	}
	return s.AddCredit(ctx, userID, SignupCredits, TxTypeSignup, "signup bonus", "signup-"+userID.String())
}

// GrantItemAddedCredit rewards adding a wardrobe item, once per item.
func (s *Service) GrantItemAddedCredit(ctx context.Context, userID, itemID uuid.UUID) (*Result, error) {
	return s.AddCredit(ctx, userID, ItemAddedCredits, TxTypeItemAdded, "wardrobe item added", "item-added-"+itemID.String())
}

// DeductUsage charges a usage fee. The key identifies the billed operation.
func (s *Service) DeductUsage(ctx context.Context, userID uuid.UUID, amount int, description, key string) (*Result, error) {
	return s.DeductCredit(ctx, userID, amount, TxTypeUsageDebit, description, key)
}

// AdminAdjust applies a signed manual correction.
func (s *Service) AdminAdjust(ctx context.Context, userID uuid.UUID, delta int, reason, key string) (*Result, error) {
	if delta >= 0 {
		return s.AddCredit(ctx, userID, delta, TxTypeAdminAdjustment, reason, key)
	}
	return s.DeductCredit(ctx, userID, -delta, TxTypeAdminAdjustment, reason, key)
}
