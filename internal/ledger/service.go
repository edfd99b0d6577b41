package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lumenframe/backend/internal/models"
)

// ErrInsufficientCredits is returned by Reserve when the balance is below the
// requested amount. Nothing is mutated in that case.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrInvalidReservation is returned for malformed reserve/finalize arguments.
var ErrInvalidReservation = errors.New("invalid reservation")

type ReserveParams struct {
	UserID    uuid.UUID
	Amount    int64
	RequestID string
	Action    string
	Meta      map[string]any
}

// Reservation is the outcome of Reserve. Replayed is true when an existing
// reserved or completed entry for the request id was returned unchanged.
type Reservation struct {
	Entry        models.LedgerEntry
	Replayed     bool
	BalanceAfter int64
}

type Service interface {
	Reserve(ctx context.Context, p ReserveParams) (*Reservation, error)
	Finalize(ctx context.Context, userID uuid.UUID, requestID string, success bool, meta map[string]any) error
	SweepStale(ctx context.Context, olderThan time.Duration) (int, error)
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
	ListEntries(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
	Grant(ctx context.Context, userID uuid.UUID, amount int64, requestID string) (bool, error)
}

// Store is the persistence contract; *Repository implements it.
type Store interface {
	Reserve(ctx context.Context, p ReserveParams) (*Reservation, error)
	Complete(ctx context.Context, userID uuid.UUID, requestID string, meta map[string]any) (bool, error)
	Refund(ctx context.Context, userID uuid.UUID, requestID string, meta map[string]any) (bool, error)
	RefundOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
	Grant(ctx context.Context, userID uuid.UUID, amount int64, requestID string) (bool, error)
}

var _ Store = (*Repository)(nil)

type service struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

func NewService(store Store, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{store: store, log: log, now: time.Now}
}

var _ Service = (*service)(nil)

func (s *service) Reserve(ctx context.Context, p ReserveParams) (*Reservation, error) {
	p.RequestID = strings.TrimSpace(p.RequestID)
	if p.UserID == uuid.Nil || p.RequestID == "" || p.Amount <= 0 {
		return nil, fmt.Errorf("%w: user, request id and positive amount are required", ErrInvalidReservation)
	}
	res, err := s.store.Reserve(ctx, p)
	if err != nil {
		if !errors.Is(err, ErrInsufficientCredits) {
			err = fmt.Errorf("reserve credits: %w", err)
		}
		return nil, err
	}
	if res.Replayed {
		s.log.Info("reservation replayed", "user_id", p.UserID, "request_id", p.RequestID, "status", res.Entry.Status)
	}
	return res, nil
}

// Finalize settles a reservation: success completes it, failure refunds it.
// Only reserved entries are touched, so repeated calls are no-ops.
func (s *service) Finalize(ctx context.Context, userID uuid.UUID, requestID string, success bool, meta map[string]any) error {
	if userID == uuid.Nil || strings.TrimSpace(requestID) == "" {
		return fmt.Errorf("%w: user and request id are required", ErrInvalidReservation)
	}
	var (
		changed bool
		err     error
	)
	if success {
		changed, err = s.store.Complete(ctx, userID, requestID, meta)
	} else {
		changed, err = s.store.Refund(ctx, userID, requestID, meta)
	}
	if err != nil {
		return fmt.Errorf("finalize reservation %s: %w", requestID, err)
	}
	if changed {
		s.log.Info("reservation finalized", "user_id", userID, "request_id", requestID, "success", success)
	}
	return nil
}

func (s *service) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: sweep age must be positive", ErrInvalidReservation)
	}
	n, err := s.store.RefundOlderThan(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("sweep stale reservations: %w", err)
	}
	if n > 0 {
		s.log.Warn("refunded stale reservations", "count", n, "older_than", olderThan)
	}
	return n, nil
}

func (s *service) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.store.Balance(ctx, userID)
}

func (s *service) ListEntries(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

func (s *service) Grant(ctx context.Context, userID uuid.UUID, amount int64, requestID string) (bool, error) {
	if userID == uuid.Nil || amount <= 0 || strings.TrimSpace(requestID) == "" {
		return false, fmt.Errorf("%w: user, request id and positive amount are required", ErrInvalidReservation)
	}
	return s.store.Grant(ctx, userID, amount, requestID)
}
