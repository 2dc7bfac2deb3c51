package cart

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/gap-service/donation_service/internal/domain/entities"
	apperrors "github.com/gap-service/donation_service/internal/domain/errors"
	"github.com/gap-service/donation_service/pkg/logger"
)

type memoryStorage struct {
	state entities.CartState
	saves int
}

func (m *memoryStorage) Load(ctx context.Context) (entities.CartState, error) {
	return m.state.Clone(), nil
}

func (m *memoryStorage) Save(ctx context.Context, state entities.CartState) error {
	m.saves++
	m.state = state.Clone()
	return nil
}

type mockStorage struct {
	mock.Mock
}

func (m *mockStorage) Load(ctx context.Context) (entities.CartState, error) {
	args := m.Called(ctx)
	return args.Get(0).(entities.CartState), args.Error(1)
}

func (m *mockStorage) Save(ctx context.Context, state entities.CartState) error {
	return m.Called(ctx, state).Error(0)
}

var usdcPolygon = entities.SupportedToken{
	Symbol:    "USDC",
	Address:   "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
	Decimals:  6,
	ChainID:   137,
	ChainName: "Polygon",
}

func newStore(t *testing.T, maxItems int) (*Store, *memoryStorage) {
	t.Helper()
	storage := &memoryStorage{state: entities.NewCartState()}
	store, err := NewStore(context.Background(), storage, maxItems, logger.NewNop())
	require.NoError(t, err)
	return store, storage
}

func item(uid string) entities.DonationCartItem {
	return entities.DonationCartItem{UID: uid, Title: "Project " + uid}
}

func TestStore_AddThenRemoveRestoresState(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t, 5)

	_, err := store.Add(ctx, item("p1"))
	require.NoError(t, err)
	require.NoError(t, store.SetAmount(ctx, "p1", "10"))
	require.NoError(t, store.SetSelectedToken(ctx, "p1", usdcPolygon))
	_, err = store.UpdatePayments(ctx)
	require.NoError(t, err)
	before := store.Snapshot()

	added, err := store.Add(ctx, item("p2"))
	require.NoError(t, err)
	require.True(t, added)
	require.NoError(t, store.SetAmount(ctx, "p2", "3"))
	require.NoError(t, store.SetSelectedToken(ctx, "p2", usdcPolygon))
	_, err = store.UpdatePayments(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Remove(ctx, "p2"))
	after := store.Snapshot()

	assert.Equal(t, before.Items, after.Items)
	assert.Equal(t, before.Amounts, after.Amounts)
	assert.Equal(t, before.SelectedTokens, after.SelectedTokens)
	assert.Equal(t, before.Payments, after.Payments)
}

func TestStore_CapacityEnforcedAtInsert(t *testing.T) {
	ctx := context.Background()
	store, storage := newStore(t, 2)

	for _, uid := range []string{"a", "b"} {
		ok, err := store.Add(ctx, item(uid))
		require.NoError(t, err)
		require.True(t, ok)
	}
	saves := storage.saves
	before := store.Snapshot()

	ok, err := store.Add(ctx, item("c"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before, store.Snapshot())
	assert.Equal(t, saves, storage.saves)

	ok, err = store.Add(ctx, item("a"))
	require.NoError(t, err)
	assert.True(t, ok, "re-adding a present item is not a capacity violation")

	changed, err := store.Toggle(ctx, item("a"))
	require.NoError(t, err)
	assert.True(t, changed, "removal through toggle is always allowed")
	assert.Len(t, store.Items(), 1)
}

func TestStore_ToggleAddsWhenAbsent(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t, 1)

	changed, err := store.Toggle(ctx, item("a"))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.Toggle(ctx, item("b"))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, []entities.DonationCartItem{item("a")}, store.Items())
}

func TestStore_UpdatePayments(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t, 0)

	_, err := store.Add(ctx, item("p1"))
	require.NoError(t, err)
	require.NoError(t, store.SetAmount(ctx, "p1", "10"))
	require.NoError(t, store.SetSelectedToken(ctx, "p1", usdcPolygon))

	payments, err := store.UpdatePayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, []entities.DonationPayment{
		{ProjectID: "p1", Amount: "10", Token: usdcPolygon, ChainID: 137},
	}, payments)

	require.NoError(t, store.SetAmount(ctx, "p1", "0"))
	payments, err = store.UpdatePayments(ctx)
	require.NoError(t, err)
	assert.Empty(t, payments)
	assert.Empty(t, store.Snapshot().Payments)
}

func TestDerivePayments_SkipsInvalid(t *testing.T) {
	state := entities.NewCartState()
	state.Items = []entities.DonationCartItem{item("a"), item("b"), item("c"), item("d"), item("e")}
	state.Amounts = map[string]string{"a": "1.5", "b": "-1", "c": "abc", "e": "2"}
	state.SelectedTokens = map[string]entities.SupportedToken{
		"a": usdcPolygon, "b": usdcPolygon, "c": usdcPolygon, "d": usdcPolygon,
	}

	payments := DerivePayments(state)
	require.Len(t, payments, 1)
	assert.Equal(t, "a", payments[0].ProjectID)
}

func TestStore_SettersRequirePresentItem(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t, 0)

	err := store.SetAmount(ctx, "ghost", "1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	err = store.SetSelectedToken(ctx, "ghost", usdcPolygon)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Empty(t, store.Snapshot().Amounts)
}

func TestStore_ClearAndSession(t *testing.T) {
	ctx := context.Background()
	store, storage := newStore(t, 0)

	_, err := store.Add(ctx, item("p1"))
	require.NoError(t, err)
	session := &entities.DonationSession{TotalProjects: 1}
	require.NoError(t, store.SetLastCompletedSession(ctx, session))
	assert.Same(t, session, store.LastCompletedSession())

	require.NoError(t, store.Clear(ctx))
	assert.Empty(t, store.Items())
	assert.Nil(t, store.LastCompletedSession())
	assert.Empty(t, storage.state.Items)
}

func TestStore_RemoveItems(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t, 0)
	for i := 0; i < 3; i++ {
		_, err := store.Add(ctx, item(fmt.Sprintf("p%d", i)))
		require.NoError(t, err)
	}

	require.NoError(t, store.RemoveItems(ctx, []string{"p0", "p2", "missing"}))
	assert.Equal(t, []entities.DonationCartItem{item("p1")}, store.Items())
}

func TestStore_SaveFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	storage := &mockStorage{}
	storage.On("Load", mock.Anything).Return(entities.NewCartState(), nil)
	storage.On("Save", mock.Anything, mock.Anything).Return(errors.New("redis unavailable"))

	store, err := NewStore(ctx, storage, 0, logger.NewNop())
	require.NoError(t, err)

	ok, err := store.Add(ctx, item("p1"))
	require.Error(t, err)
	assert.False(t, ok)
	assert.Empty(t, store.Items())
	storage.AssertExpectations(t)
}

func TestNewStore_PrunesOrphanedKeys(t *testing.T) {
	state := entities.NewCartState()
	state.Items = []entities.DonationCartItem{item("a"), item("a")}
	state.Amounts = map[string]string{"a": "1", "gone": "2"}
	state.SelectedTokens = map[string]entities.SupportedToken{"gone": usdcPolygon}

	store, err := NewStore(context.Background(), &memoryStorage{state: state}, 0, logger.NewNop())
	require.NoError(t, err)

	snap := store.Snapshot()
	assert.Len(t, snap.Items, 1)
	assert.Equal(t, map[string]string{"a": "1"}, snap.Amounts)
	assert.Empty(t, snap.SelectedTokens)
	assert.Equal(t, DefaultMaxItems, store.MaxItems())
}
