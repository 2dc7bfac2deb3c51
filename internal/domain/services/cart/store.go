// Package cart is the persisted donation cart. All mutation goes through
// Store methods, each of which persists the new state before committing it.
package cart

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/gap-service/donation_service/internal/domain/entities"
	apperrors "github.com/gap-service/donation_service/internal/domain/errors"
	"github.com/gap-service/donation_service/pkg/logger"
	"github.com/gap-service/donation_service/pkg/metrics"
)

// DefaultMaxItems is the cart capacity when none is configured
const DefaultMaxItems = 20

// Storage is the serialization boundary of the cart. Load must return an
// empty cart, not an error, when nothing has been saved yet.
type Storage interface {
	Load(ctx context.Context) (entities.CartState, error)
	Save(ctx context.Context, state entities.CartState) error
}

// Store holds the cart state
type Store struct {
	mu       sync.Mutex
	state    entities.CartState
	storage  Storage
	maxItems int
	logger   *logger.Logger
}

// NewStore loads the persisted cart and returns a store over it
func NewStore(ctx context.Context, storage Storage, maxItems int, log *logger.Logger) (*Store, error) {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}

	state, err := storage.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}
	state.Normalize()
	prune(&state)

	return &Store{
		state:    state,
		storage:  storage,
		maxItems: maxItems,
		logger:   log,
	}, nil
}

// MaxItems returns the cart capacity
func (s *Store) MaxItems() int {
	return s.maxItems
}

// Snapshot returns a copy of the current cart
func (s *Store) Snapshot() entities.CartState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Items returns a copy of the cart items
func (s *Store) Items() []entities.DonationCartItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entities.DonationCartItem{}, s.state.Items...)
}

// mutate applies fn to a copy of the state, persists it and commits it
func (s *Store) mutate(ctx context.Context, op string, fn func(*entities.CartState) error) error {
	next := s.state.Clone()
	if err := fn(&next); err != nil {
		return err
	}
	if err := s.storage.Save(ctx, next); err != nil {
		s.logger.Error("Failed to persist cart", "operation", op, "error", err)
		return fmt.Errorf("save cart: %w", err)
	}
	s.state = next
	metrics.CartOperationsTotal.WithLabelValues(op).Inc()
	return nil
}

func indexOf(items []entities.DonationCartItem, uid string) int {
	for i, item := range items {
		if item.UID == uid {
			return i
		}
	}
	return -1
}

// Add inserts item. It returns true if the item is in the cart afterwards and
// false, leaving the cart untouched, when the cart is full.
func (s *Store) Add(ctx context.Context, item entities.DonationCartItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(ctx, item)
}

func (s *Store) add(ctx context.Context, item entities.DonationCartItem) (bool, error) {
	if item.UID == "" {
		return false, apperrors.ValidationError("uid", "Project uid is required")
	}
	if indexOf(s.state.Items, item.UID) >= 0 {
		return true, nil
	}
	if len(s.state.Items) >= s.maxItems {
		s.logger.Info("Cart full, rejecting item", "project_id", item.UID, "max_items", s.maxItems)
		return false, nil
	}

	err := s.mutate(ctx, "add", func(st *entities.CartState) error {
		st.Items = append(st.Items, item)
		return nil
	})
	return err == nil, err
}

// Remove drops the item and everything keyed by it. Removing an absent item is a no-op.
func (s *Store) Remove(ctx context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(ctx, uid)
}

func (s *Store) remove(ctx context.Context, uid string) error {
	if indexOf(s.state.Items, uid) < 0 {
		return nil
	}
	return s.mutate(ctx, "remove", func(st *entities.CartState) error {
		removeUIDs(st, map[string]bool{uid: true})
		return nil
	})
}

// RemoveItems drops several items at once
func (s *Store) RemoveItems(ctx context.Context, uids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[string]bool, len(uids))
	for _, uid := range uids {
		if indexOf(s.state.Items, uid) >= 0 {
			drop[uid] = true
		}
	}
	if len(drop) == 0 {
		return nil
	}
	return s.mutate(ctx, "remove", func(st *entities.CartState) error {
		removeUIDs(st, drop)
		return nil
	})
}

// Toggle removes the item when present and adds it otherwise. Removal always
// succeeds; adding follows Add's capacity rule. It returns whether the cart
// changed.
func (s *Store) Toggle(ctx context.Context, item entities.DonationCartItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if indexOf(s.state.Items, item.UID) >= 0 {
		if err := s.remove(ctx, item.UID); err != nil {
			return false, err
		}
		return true, nil
	}
	return s.add(ctx, item)
}

// Clear empties the cart including the last session
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate(ctx, "clear", func(st *entities.CartState) error {
		*st = entities.NewCartState()
		return nil
	})
}

// SetAmount records the amount for a project in the cart. An empty amount clears it.
func (s *Store) SetAmount(ctx context.Context, uid, amount string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if indexOf(s.state.Items, uid) < 0 {
		return apperrors.NewDomainError(apperrors.ErrNotFound, "NOT_FOUND", "Project is not in the cart")
	}
	return s.mutate(ctx, "set_amount", func(st *entities.CartState) error {
		if amount == "" {
			delete(st.Amounts, uid)
		} else {
			st.Amounts[uid] = amount
		}
		return nil
	})
}

// SetSelectedToken records the token a project will be paid in
func (s *Store) SetSelectedToken(ctx context.Context, uid string, token entities.SupportedToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if indexOf(s.state.Items, uid) < 0 {
		return apperrors.NewDomainError(apperrors.ErrNotFound, "NOT_FOUND", "Project is not in the cart")
	}
	if token.ChainID == 0 {
		return apperrors.ValidationError("chainId", "Token chain is required")
	}
	return s.mutate(ctx, "set_token", func(st *entities.CartState) error {
		st.SelectedTokens[uid] = token
		return nil
	})
}

// UpdatePayments rebuilds the payment list from amounts and selected tokens,
// in item order. Items with a missing, zero, negative or unparsable amount or
// with no token are left out.
func (s *Store) UpdatePayments(ctx context.Context) ([]entities.DonationPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payments := DerivePayments(s.state)
	err := s.mutate(ctx, "update_payments", func(st *entities.CartState) error {
		st.Payments = payments
		return nil
	})
	if err != nil {
		return nil, err
	}
	return append([]entities.DonationPayment{}, payments...), nil
}

// SetLastCompletedSession stores the outcome of the latest checkout
func (s *Store) SetLastCompletedSession(ctx context.Context, session *entities.DonationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate(ctx, "set_session", func(st *entities.CartState) error {
		st.LastCompletedSession = session
		return nil
	})
}

// LastCompletedSession returns the outcome of the latest checkout, if any
func (s *Store) LastCompletedSession() *entities.DonationSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LastCompletedSession
}

// DerivePayments computes payments from a cart state without touching the store
func DerivePayments(state entities.CartState) []entities.DonationPayment {
	payments := []entities.DonationPayment{}
	for _, item := range state.Items {
		token, ok := state.SelectedTokens[item.UID]
		if !ok {
			continue
		}
		raw, ok := state.Amounts[item.UID]
		if !ok {
			continue
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil || !amount.IsPositive() {
			continue
		}
		payments = append(payments, entities.DonationPayment{
			ProjectID: item.UID,
			Amount:    raw,
			Token:     token,
			ChainID:   token.ChainID,
		})
	}
	return payments
}

func removeUIDs(st *entities.CartState, drop map[string]bool) {
	items := st.Items[:0]
	for _, item := range st.Items {
		if !drop[item.UID] {
			items = append(items, item)
		}
	}
	st.Items = items

	for uid := range drop {
		delete(st.Amounts, uid)
		delete(st.SelectedTokens, uid)
	}

	payments := st.Payments[:0]
	for _, p := range st.Payments {
		if !drop[p.ProjectID] {
			payments = append(payments, p)
		}
	}
	st.Payments = payments
}

// prune drops keys that refer to items no longer in the cart
func prune(st *entities.CartState) {
	present := make(map[string]bool, len(st.Items))
	items := make([]entities.DonationCartItem, 0, len(st.Items))
	for _, item := range st.Items {
		if item.UID == "" || present[item.UID] {
			continue
		}
		present[item.UID] = true
		items = append(items, item)
	}
	st.Items = items

	for uid := range st.Amounts {
		if !present[uid] {
			delete(st.Amounts, uid)
		}
	}
	for uid := range st.SelectedTokens {
		if !present[uid] {
			delete(st.SelectedTokens, uid)
		}
	}
}
