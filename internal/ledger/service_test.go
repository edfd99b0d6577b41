package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenframe/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory Store reproducing the SQL guards: conditional debit and at most
// one reserved/completed entry per (user, request id).
// ---------------------------------------------------------------------------

type memStore struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int64
	entries  []*models.LedgerEntry
}

func newMemStore() *memStore {
	return &memStore{balances: map[uuid.UUID]int64{}}
}

func (m *memStore) active(userID uuid.UUID, requestID string) *models.LedgerEntry {
	for _, e := range m.entries {
		if e.UserID == userID && e.RequestID == requestID &&
			(e.Status == models.LedgerStatusReserved || e.Status == models.LedgerStatusCompleted) {
			return e
		}
	}
	return nil
}

func (m *memStore) Reserve(_ context.Context, p ReserveParams) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.active(p.UserID, p.RequestID); e != nil {
		return &Reservation{Entry: *e, Replayed: true}, nil
	}
	if m.balances[p.UserID] < p.Amount {
		return nil, ErrInsufficientCredits
	}
	m.balances[p.UserID] -= p.Amount
	e := &models.LedgerEntry{
		ID: uuid.New(), UserID: p.UserID, RequestID: p.RequestID, Action: p.Action,
		Amount: p.Amount, Status: models.LedgerStatusReserved, CreatedAt: time.Now(),
	}
	m.entries = append(m.entries, e)
	return &Reservation{Entry: *e, BalanceAfter: m.balances[p.UserID]}, nil
}

func (m *memStore) reserved(userID uuid.UUID, requestID string) *models.LedgerEntry {
	for _, e := range m.entries {
		if e.UserID == userID && e.RequestID == requestID && e.Status == models.LedgerStatusReserved {
			return e
		}
	}
	return nil
}

func (m *memStore) Complete(_ context.Context, userID uuid.UUID, requestID string, _ map[string]any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.reserved(userID, requestID)
	if e == nil {
		return false, nil
	}
	e.Status = models.LedgerStatusCompleted
	return true, nil
}

func (m *memStore) Refund(_ context.Context, userID uuid.UUID, requestID string, _ map[string]any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.reserved(userID, requestID)
	if e == nil {
		return false, nil
	}
	e.Status = models.LedgerStatusRefunded
	m.balances[userID] += e.Amount
	return true, nil
}

func (m *memStore) RefundOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Status == models.LedgerStatusReserved && e.CreatedAt.Before(cutoff) {
			e.Status = models.LedgerStatusRefunded
			m.balances[e.UserID] += e.Amount
			n++
		}
	}
	return n, nil
}

func (m *memStore) Balance(_ context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

func (m *memStore) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range m.entries {
		if e.UserID == userID && len(out) < limit {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) Grant(_ context.Context, userID uuid.UUID, amount int64, requestID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active(userID, requestID) != nil {
		return false, nil
	}
	m.entries = append(m.entries, &models.LedgerEntry{
		ID: uuid.New(), UserID: userID, RequestID: requestID, Action: models.LedgerActionGrant,
		Amount: amount, Status: models.LedgerStatusCompleted, CreatedAt: time.Now(),
	})
	m.balances[userID] += amount
	return true, nil
}

func (m *memStore) countByStatus(status string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Status == status {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------

func fundedService(t *testing.T, balance int64) (Service, *memStore, uuid.UUID) {
	t.Helper()
	store := newMemStore()
	svc := NewService(store, nil)
	user := uuid.New()
	if balance > 0 {
		ok, err := svc.Grant(context.Background(), user, balance, "seed")
		require.NoError(t, err)
		require.True(t, ok)
	}
	return svc, store, user
}

func TestReserveThenCompleteCharges(t *testing.T) {
	svc, store, user := fundedService(t, 10)
	ctx := context.Background()

	res, err := svc.Reserve(ctx, ReserveParams{UserID: user, Amount: 2, RequestID: "image:run-1", Action: "image_generation"})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.EqualValues(t, 8, res.BalanceAfter)

	require.NoError(t, svc.Finalize(ctx, user, "image:run-1", true, map[string]any{"provider": "fal"}))

	bal, err := svc.Balance(ctx, user)
	require.NoError(t, err)
	assert.EqualValues(t, 8, bal)
	assert.Equal(t, 0, store.countByStatus(models.LedgerStatusReserved))
	assert.Equal(t, 0, store.countByStatus(models.LedgerStatusRefunded))
}

func TestReserveThenRefundRestoresBalance(t *testing.T) {
	svc, store, user := fundedService(t, 10)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, ReserveParams{UserID: user, Amount: 3, RequestID: "video:run-9"})
	require.NoError(t, err)
	require.NoError(t, svc.Finalize(ctx, user, "video:run-9", false, nil))
	// Second finalize must not double-refund.
	require.NoError(t, svc.Finalize(ctx, user, "video:run-9", false, nil))
	require.NoError(t, svc.Finalize(ctx, user, "video:run-9", true, nil))

	bal, _ := svc.Balance(ctx, user)
	assert.EqualValues(t, 10, bal)
	assert.Equal(t, 1, store.countByStatus(models.LedgerStatusRefunded))
}

func TestReserveReplaysExistingEntry(t *testing.T) {
	svc, _, user := fundedService(t, 5)
	ctx := context.Background()

	first, err := svc.Reserve(ctx, ReserveParams{UserID: user, Amount: 2, RequestID: "r"})
	require.NoError(t, err)
	second, err := svc.Reserve(ctx, ReserveParams{UserID: user, Amount: 2, RequestID: "r"})
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	bal, _ := svc.Balance(ctx, user)
	assert.EqualValues(t, 3, bal, "replay must not debit again")
}

func TestReserveAfterRefundCreatesNewEntry(t *testing.T) {
	svc, _, user := fundedService(t, 5)
	ctx := context.Background()

	first, err := svc.Reserve(ctx, ReserveParams{UserID: user, Amount: 2, RequestID: "r"})
	require.NoError(t, err)
	require.NoError(t, svc.Finalize(ctx, user, "r", false, nil))

	second, err := svc.Reserve(ctx, ReserveParams{UserID: user, Amount: 2, RequestID: "r"})
	require.NoError(t, err)
	assert.False(t, second.Replayed)
	assert.NotEqual(t, first.Entry.ID, second.Entry.ID)
}

func TestReserveInsufficientCredits(t *testing.T) {
	svc, store, user := fundedService(t, 1)

	_, err := svc.Reserve(context.Background(), ReserveParams{UserID: user, Amount: 2, RequestID: "r"})
	require.ErrorIs(t, err, ErrInsufficientCredits)
	bal, _ := svc.Balance(context.Background(), user)
	assert.EqualValues(t, 1, bal)
	assert.Equal(t, 0, store.countByStatus(models.LedgerStatusReserved))
}

func TestReserveRejectsInvalidArguments(t *testing.T) {
	svc, _, user := fundedService(t, 1)
	ctx := context.Background()

	cases := []ReserveParams{
		{UserID: uuid.Nil, Amount: 1, RequestID: "r"},
		{UserID: user, Amount: 0, RequestID: "r"},
		{UserID: user, Amount: 1, RequestID: "   "},
	}
	for _, p := range cases {
		_, err := svc.Reserve(ctx, p)
		assert.ErrorIs(t, err, ErrInvalidReservation)
	}
	assert.ErrorIs(t, svc.Finalize(ctx, user, "", true, nil), ErrInvalidReservation)
}

func TestConcurrentReservesForSameRequestDebitOnce(t *testing.T) {
	svc, store, user := fundedService(t, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Reserve(ctx, ReserveParams{UserID: user, Amount: 2, RequestID: "same"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	bal, _ := svc.Balance(ctx, user)
	assert.EqualValues(t, 8, bal)
	assert.Equal(t, 1, store.countByStatus(models.LedgerStatusReserved))
}

func TestSweepStaleRefundsOldReservations(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, nil).(*service)
	user := uuid.New()
	ctx := context.Background()
	_, _ = svc.Grant(ctx, user, 10, "seed")

	_, err := svc.Reserve(ctx, ReserveParams{UserID: user, Amount: 4, RequestID: "old"})
	require.NoError(t, err)

	// Not old enough yet.
	n, err := svc.SweepStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = svc.SweepStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	bal, _ := svc.Balance(ctx, user)
	assert.EqualValues(t, 10, bal)

	_, err = svc.SweepStale(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidReservation)
}

func TestGrantIsIdempotent(t *testing.T) {
	svc, _, user := fundedService(t, 0)
	ctx := context.Background()

	ok, err := svc.Grant(ctx, user, 5, "topup-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.Grant(ctx, user, 5, "topup-1")
	require.NoError(t, err)
	assert.False(t, ok)

	bal, _ := svc.Balance(ctx, user)
	assert.EqualValues(t, 5, bal)

	entries, err := svc.ListEntries(ctx, user, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
