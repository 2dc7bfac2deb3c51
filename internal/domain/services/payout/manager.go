package payout

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gap-service/donation_service/internal/domain/entities"
	apperrors "github.com/gap-service/donation_service/internal/domain/errors"
	"github.com/gap-service/donation_service/pkg/logger"
	"github.com/gap-service/donation_service/pkg/metrics"
)

// ProjectFetcher loads the funding metadata of one project
type ProjectFetcher interface {
	GetProject(ctx context.Context, uid string) (*entities.ProjectFunding, error)
}

const (
	defaultFetchConcurrency = 8
	// DefaultTTL bounds how long a completed refresh satisfies an identical one
	DefaultTTL              = time.Minute
)

// Manager tracks resolved payout addresses for the projects in the cart
type Manager struct {
	fetcher     ProjectFetcher
	logger      *logger.Logger
	concurrency int
	ttl         time.Duration
	now         func() time.Time

	mu          sync.RWMutex
	generation  uint64
	lastKey     string
	refreshedAt time.Time
	loading     map[string]bool
	addresses   map[string]string
	missing     map[string]bool
}

// NewManager creates a payout address manager
func NewManager(fetcher ProjectFetcher, log *logger.Logger) *Manager {
	return &Manager{
		fetcher:     fetcher,
		logger:      log,
		concurrency: defaultFetchConcurrency,
		ttl:         DefaultTTL,
		now:         time.Now,
		loading:     map[string]bool{},
		addresses:   map[string]string{},
		missing:     map[string]bool{},
	}
}

// WithTTL sets how long a completed refresh is reused. Zero always refetches.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	m.ttl = ttl
	return m
}

type fetchResult struct {
	uid     string
	address string
	ok      bool
	// transient is set when the backend could not answer
	transient bool
}

func refreshKey(items []entities.DonationCartItem, communityID string) string {
	uids := make([]string, 0, len(items))
	for _, item := range items {
		uids = append(uids, item.UID)
	}
	sort.Strings(uids)
	return communityID + "|" + strings.Join(uids, ",")
}

// Refresh resolves payout addresses for every item. An empty list, or a list
// matching the last completed refresh within the TTL, is a no-op. A refresh
// that hit a backend error is never reused. When refreshes overlap only the
// most recent one updates the state.
func (m *Manager) Refresh(ctx context.Context, items []entities.DonationCartItem, communityID string) error {
	if len(items) == 0 {
		return nil
	}
	key := refreshKey(items, communityID)

	m.mu.Lock()
	if key == m.lastKey && m.now().Sub(m.refreshedAt) < m.ttl {
		m.mu.Unlock()
		return nil
	}
	m.generation++
	gen := m.generation
	m.loading = map[string]bool{}
	for _, item := range items {
		m.loading[item.UID] = true
	}
	m.mu.Unlock()

	results := make([]fetchResult, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, item := range items {
		i, uid := i, item.UID
		g.Go(func() error {
			results[i] = m.resolveOne(gctx, uid, communityID)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		m.mu.Lock()
		if gen == m.generation {
			m.loading = map[string]bool{}
		}
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		m.logger.Debug("Discarding superseded payout refresh", "generation", gen)
		return nil
	}

	addresses := make(map[string]string, len(results))
	missing := map[string]bool{}
	transient := false
	for _, r := range results {
		if r.ok {
			addresses[r.uid] = r.address
		} else {
			missing[r.uid] = true
		}
		transient = transient || r.transient
	}
	m.addresses = addresses
	m.missing = missing
	m.loading = map[string]bool{}
	if transient {
		m.lastKey = ""
	} else {
		m.lastKey = key
		m.refreshedAt = m.now()
	}

	if len(missing) > 0 {
		m.logger.Warn("Projects without a valid payout address", "count", len(missing))
	}
	return nil
}

func (m *Manager) resolveOne(ctx context.Context, uid, communityID string) fetchResult {
	project, err := m.fetcher.GetProject(ctx, uid)
	if apperrors.IsNotFound(err) {
		m.logger.Warn("Project not found", "project_id", uid)
		metrics.PayoutLookupsTotal.WithLabelValues("not_found").Inc()
		return fetchResult{uid: uid}
	}
	if err != nil {
		m.logger.Warn("Failed to fetch project funding", "project_id", uid, "error", err)
		metrics.PayoutLookupsTotal.WithLabelValues("fetch_error").Inc()
		return fetchResult{uid: uid, transient: true}
	}

	r := Explain(project, communityID)
	if !r.Valid {
		if r.Source != SourceNone {
			m.logger.Warn("Rejected invalid payout address",
				"project_id", uid,
				"source", string(r.Source))
			metrics.PayoutLookupsTotal.WithLabelValues("invalid").Inc()
		} else {
			metrics.PayoutLookupsTotal.WithLabelValues("missing").Inc()
		}
		return fetchResult{uid: uid}
	}

	metrics.PayoutLookupsTotal.WithLabelValues(string(r.Source)).Inc()
	return fetchResult{uid: uid, address: r.Address.Hex(), ok: true}
}

// Invalidate forgets the last refresh so the next one always fetches
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastKey = ""
}

// Status returns the resolution state for one project
func (m *Manager) Status(projectID string) entities.PayoutStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return entities.PayoutStatus{
		Address:   m.addresses[projectID],
		IsLoading: m.loading[projectID],
		IsMissing: m.missing[projectID],
	}
}

// Addresses returns a copy of the resolved project → address map
func (m *Manager) Addresses() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.addresses))
	for k, v := range m.addresses {
		out[k] = v
	}
	return out
}

// Missing returns the projects with no valid payout address, sorted
func (m *Manager) Missing() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.missing))
	for uid := range m.missing {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

// HasMissing reports whether any project is unresolved
func (m *Manager) HasMissing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.missing) > 0
}

// IsLoading reports whether a refresh is in flight
func (m *Manager) IsLoading() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.loading) > 0
}
