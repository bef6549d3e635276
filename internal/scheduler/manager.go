package scheduler

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"agproxy/internal/account"
	"agproxy/internal/proxyerr"
	"agproxy/internal/ratelimit"
)

// ZaiAccountID is the synthetic account id used for the built-in API-key provider
const ZaiAccountID = "zai"

// weightBase sets the repeat count of a zero-failure account in the
// round-robin ring; an account with n consecutive failures gets
// weightBase/(1+n) slots, floored at one.
const weightBase = 12

// ZaiDispatchMode controls when the built-in z.ai key is dispatched
type ZaiDispatchMode string

const (
	ZaiOff      ZaiDispatchMode = "off"
	ZaiFallback ZaiDispatchMode = "fallback"
	ZaiPrimary  ZaiDispatchMode = "primary"
)

// ZaiSettings holds the built-in API-key provider configuration
type ZaiSettings struct {
	Enabled      bool            `mapstructure:"enabled" json:"enabled"`
	BaseURL      string          `mapstructure:"base_url" json:"base_url"`
	APIKey       string          `mapstructure:"api_key" json:"api_key"`
	DispatchMode ZaiDispatchMode `mapstructure:"dispatch_mode" json:"dispatch_mode"`
}

func (z ZaiSettings) usable() bool {
	return z.Enabled && z.APIKey != "" && z.DispatchMode != ZaiOff
}

// TokenRefresher refreshes an OAuth pair. Implementations must collapse
// concurrent refreshes for the same account and persist the new pair before
// returning it.
type TokenRefresher interface {
	Refresh(ctx context.Context, acc *account.Account) (account.Token, error)
}

// SelectRequest describes one account selection
type SelectRequest struct {
	Provider  account.Provider
	SessionID string
	Exclude   []string
}

// Selection is the outcome of a successful account selection
type Selection struct {
	Account    *account.Account
	SessionID  string
	FromSticky bool
}

// IsZai reports whether the synthetic z.ai account was selected
func (s *Selection) IsZai() bool {
	return s.Account != nil && s.Account.ID == ZaiAccountID
}

// ManagerConfig holds token manager configuration
type ManagerConfig struct {
	Sticky             StickyConfig  `mapstructure:"sticky"`
	PreferredAccountID string        `mapstructure:"preferred_account_id"`
	Zai                ZaiSettings   `mapstructure:"zai"`
	RefreshSkew        time.Duration `mapstructure:"refresh_skew"`
	EvictInterval      time.Duration `mapstructure:"evict_interval"`
}

// DefaultManagerConfig returns the default manager configuration
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Sticky:        DefaultStickyConfig(),
		Zai:           ZaiSettings{BaseURL: "https://api.z.ai/api/anthropic", DispatchMode: ZaiOff},
		RefreshSkew:   60 * time.Second,
		EvictInterval: 1 * time.Minute,
	}
}

// ManagerStats contains scheduler statistics
type ManagerStats struct {
	TotalSelections    int64 `json:"total_selections"`
	StickyHits         int64 `json:"sticky_hits"`
	StickyMisses       int64 `json:"sticky_misses"`
	NoAccountAvailable int64 `json:"no_account_available"`
	TokenRefreshes     int64 `json:"token_refreshes"`
	ActiveBindings     int   `json:"active_bindings"`
}

// schedState is the hot-swappable part of the manager configuration
type schedState struct {
	sticky    StickyConfig
	preferred string
	zai       ZaiSettings
}

// Manager picks an eligible account per request. Selection is lock-free on
// the hot path apart from one sticky-shard lock and one cursor increment.
type Manager struct {
	store     account.Store
	tracker   ratelimit.Tracker
	refresher TokenRefresher
	sticky    *stickyMap

	state       atomic.Pointer[schedState]
	cursor      atomic.Uint64
	refreshSkew time.Duration

	totalSelections    atomic.Int64
	stickyHits         atomic.Int64
	stickyMisses       atomic.Int64
	noAccountAvailable atomic.Int64
	tokenRefreshes     atomic.Int64

	done chan struct{}
}

// NewManager creates a token manager and starts the sticky-map eviction task
func NewManager(cfg ManagerConfig, store account.Store, tracker ratelimit.Tracker, refresher TokenRefresher) *Manager {
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = DefaultManagerConfig().RefreshSkew
	}
	if cfg.EvictInterval <= 0 {
		cfg.EvictInterval = DefaultManagerConfig().EvictInterval
	}

	m := &Manager{
		store:       store,
		tracker:     tracker,
		refresher:   refresher,
		sticky:      newStickyMap(),
		refreshSkew: cfg.RefreshSkew,
		done:        make(chan struct{}),
	}
	m.state.Store(&schedState{
		sticky:    cfg.Sticky,
		preferred: cfg.PreferredAccountID,
		zai:       cfg.Zai,
	})

	go m.evictLoop(cfg.EvictInterval)
	return m
}

// Select picks an account for a request per the scheduling rules:
// preferred account, then sticky binding, then weighted round-robin over the
// eligible pool, with the z.ai key as primary or fallback per dispatch mode.
func (m *Manager) Select(ctx context.Context, req SelectRequest) (*Selection, error) {
	m.totalSelections.Add(1)
	return m.selectOnce(ctx, req, false)
}

func (m *Manager) selectOnce(ctx context.Context, req SelectRequest, retried bool) (*Selection, error) {
	st := m.state.Load()
	excluded := toSet(req.Exclude)
	provider := req.Provider
	if provider == "" {
		provider = account.ProviderGoogleOAuth
	}

	// Fixed-account mode wins over everything; it never falls back to the
	// pool, only to z.ai when dispatch_mode permits.
	if st.preferred != "" {
		if acc := m.findAccount(st.preferred); acc != nil && m.tracker.IsEligible(acc.ID) && !excluded[acc.ID] {
			return m.finish(ctx, req, st, acc, false, retried)
		}
		if sel := m.zaiSelection(st, excluded, ZaiFallback, ZaiPrimary); sel != nil {
			return sel, nil
		}
		m.noAccountAvailable.Add(1)
		return nil, proxyerr.Newf(proxyerr.KindNoEligibleAccount, "preferred account %s not eligible", st.preferred)
	}

	// Requests routed explicitly at the API-key provider bypass the pool
	if provider == account.ProviderZaiAPIKey {
		if sel := m.zaiSelection(st, excluded, ZaiFallback, ZaiPrimary); sel != nil {
			return sel, nil
		}
		m.noAccountAvailable.Add(1)
		return nil, proxyerr.New(proxyerr.KindNoEligibleAccount, "z.ai provider not configured")
	}

	if sel := m.zaiSelection(st, excluded, ZaiPrimary); sel != nil {
		return sel, nil
	}

	// Sticky binding
	if req.SessionID != "" && st.sticky.Enabled {
		if boundID, ok := m.sticky.Lookup(req.SessionID, st.sticky.TTL); ok {
			acc := m.findAccount(boundID)
			if acc != nil && !excluded[acc.ID] &&
				(m.tracker.IsEligible(acc.ID) || !st.sticky.FallbackOnUnhealthy) {
				m.stickyHits.Add(1)
				m.sticky.Touch(req.SessionID)
				sel, err := m.finish(ctx, req, st, acc, true, retried)
				if err == nil {
					return sel, nil
				}
				// refresh failed; fall through to a fresh pick
			}
			m.sticky.Delete(req.SessionID)
		}
		m.stickyMisses.Add(1)
	}

	candidates := m.eligibleCandidates(provider, excluded)
	if len(candidates) == 0 {
		if sel := m.zaiSelection(st, excluded, ZaiFallback); sel != nil {
			return sel, nil
		}
		m.noAccountAvailable.Add(1)
		return nil, proxyerr.New(proxyerr.KindNoEligibleAccount, "no eligible accounts")
	}

	winner := m.pickWeighted(candidates)
	return m.finish(ctx, req, st, winner, false, retried)
}

// finish refreshes the winner's token when needed and records the sticky
// binding. A failed refresh excludes the account and re-runs selection once.
func (m *Manager) finish(ctx context.Context, req SelectRequest, st *schedState, acc *account.Account, fromSticky bool, retried bool) (*Selection, error) {
	if acc.ExpiresWithin(m.refreshSkew) {
		tok, err := m.refresher.Refresh(ctx, acc)
		if err != nil {
			m.tracker.MarkFailure(acc.ID, ratelimit.FailureAuth)
			log.Warn().Err(err).Str("account_id", acc.ID).Msg("token refresh failed")
			if retried {
				return nil, proxyerr.Newf(proxyerr.KindAuthFailure, "token refresh failed for %s", acc.ID)
			}
			next := req
			next.Exclude = append(append([]string{}, req.Exclude...), acc.ID)
			return m.selectOnce(ctx, next, true)
		}
		m.tokenRefreshes.Add(1)
		fresh := *acc
		fresh.Token = tok
		acc = &fresh
	}

	if req.SessionID != "" && st.sticky.Enabled && !fromSticky {
		m.sticky.Bind(req.SessionID, acc.ID, st.sticky.MaxBindings)
	}

	return &Selection{Account: acc, SessionID: req.SessionID, FromSticky: fromSticky}, nil
}

// zaiSelection returns the synthetic z.ai selection when the current dispatch
// mode is one of the given modes and the key is usable
func (m *Manager) zaiSelection(st *schedState, excluded map[string]bool, modes ...ZaiDispatchMode) *Selection {
	if !st.zai.usable() || excluded[ZaiAccountID] {
		return nil
	}
	for _, mode := range modes {
		if st.zai.DispatchMode == mode {
			return &Selection{Account: &account.Account{
				ID:       ZaiAccountID,
				Email:    "z.ai",
				Provider: account.ProviderZaiAPIKey,
				APIKey:   st.zai.APIKey,
			}}
		}
	}
	return nil
}

func (m *Manager) findAccount(id string) *account.Account {
	for _, acc := range m.store.Snapshot() {
		if acc.ID == id {
			return acc
		}
	}
	return nil
}

func (m *Manager) eligibleCandidates(provider account.Provider, excluded map[string]bool) []*account.Account {
	snapshot := m.store.Snapshot()
	candidates := make([]*account.Account, 0, len(snapshot))
	for _, acc := range snapshot {
		if acc.Provider != provider || excluded[acc.ID] {
			continue
		}
		if !m.tracker.IsEligible(acc.ID) {
			continue
		}
		candidates = append(candidates, acc)
	}
	return candidates
}

// pickWeighted runs one weighted round-robin step. Candidates are ordered
// least-recently-successful first, each occupying weightBase/(1+failures)
// ring slots; the shared cursor advances exactly once per selection.
func (m *Manager) pickWeighted(candidates []*account.Account) *account.Account {
	type weighted struct {
		acc  *account.Account
		last time.Time
		reps int
	}
	ws := make([]weighted, 0, len(candidates))
	for _, acc := range candidates {
		h := m.tracker.Health(acc.ID)
		reps := weightBase / (1 + h.ConsecutiveFailures)
		if reps < 1 {
			reps = 1
		}
		ws = append(ws, weighted{acc: acc, last: h.LastSuccessAt, reps: reps})
	}
	sort.SliceStable(ws, func(i, j int) bool {
		if !ws[i].last.Equal(ws[j].last) {
			return ws[i].last.Before(ws[j].last)
		}
		if ws[i].acc.CreatedOrder != ws[j].acc.CreatedOrder {
			return ws[i].acc.CreatedOrder < ws[j].acc.CreatedOrder
		}
		return ws[i].acc.ID < ws[j].acc.ID
	})

	// interleave the slots so consecutive cursor values cycle through the
	// pool instead of draining one account's slots first
	total, maxReps := 0, 0
	for _, w := range ws {
		total += w.reps
		if w.reps > maxReps {
			maxReps = w.reps
		}
	}
	ring := make([]*account.Account, 0, total)
	for r := 0; r < maxReps; r++ {
		for _, w := range ws {
			if w.reps > r {
				ring = append(ring, w.acc)
			}
		}
	}

	pos := int((m.cursor.Add(1) - 1) % uint64(len(ring)))
	return ring[pos]
}

// UpdateStickyConfig swaps the sticky-session configuration for subsequent
// selections; in-flight requests keep the state they captured
func (m *Manager) UpdateStickyConfig(cfg StickyConfig) {
	for {
		old := m.state.Load()
		next := *old
		next.sticky = cfg
		if m.state.CompareAndSwap(old, &next) {
			return
		}
	}
}

// SetPreferredAccount pins (or with "" unpins) a fixed account
func (m *Manager) SetPreferredAccount(id string) {
	for {
		old := m.state.Load()
		next := *old
		next.preferred = id
		if m.state.CompareAndSwap(old, &next) {
			log.Info().Str("account_id", id).Msg("preferred account updated")
			return
		}
	}
}

// UpdateZai swaps the z.ai dispatch settings
func (m *Manager) UpdateZai(z ZaiSettings) {
	for {
		old := m.state.Load()
		next := *old
		next.zai = z
		if m.state.CompareAndSwap(old, &next) {
			return
		}
	}
}

// StickyConfig returns the currently active sticky configuration
func (m *Manager) StickyConfig() StickyConfig {
	return m.state.Load().sticky
}

// Zai returns the currently active z.ai dispatch settings
func (m *Manager) Zai() ZaiSettings {
	return m.state.Load().zai
}

// PreferredAccount returns the currently pinned account id, if any
func (m *Manager) PreferredAccount() string {
	return m.state.Load().preferred
}

// ClearAllSessions drops every sticky binding
func (m *Manager) ClearAllSessions() {
	m.sticky.ClearAll()
	log.Info().Msg("cleared all sticky session bindings")
}

// Stats returns scheduler statistics
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		TotalSelections:    m.totalSelections.Load(),
		StickyHits:         m.stickyHits.Load(),
		StickyMisses:       m.stickyMisses.Load(),
		NoAccountAvailable: m.noAccountAvailable.Load(),
		TokenRefreshes:     m.tokenRefreshes.Load(),
		ActiveBindings:     m.sticky.Len(),
	}
}

// Close stops the background eviction task
func (m *Manager) Close() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}

func (m *Manager) evictLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			ttl := m.state.Load().sticky.TTL
			if n := m.sticky.EvictExpired(time.Now(), ttl); n > 0 {
				log.Debug().Int("evicted", n).Msg("expired sticky sessions evicted")
			}
		}
	}
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
