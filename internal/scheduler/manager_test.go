package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agproxy/internal/account"
	"agproxy/internal/proxyerr"
	"agproxy/internal/ratelimit"
)

type testStore struct {
	mu       sync.Mutex
	accounts []*account.Account
	updates  int
}

func (s *testStore) Snapshot() []*account.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts
}

func (s *testStore) Reload() (int, error) {
	return len(s.accounts), nil
}

func (s *testStore) UpdateTokens(id string, tok account.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	for _, acc := range s.accounts {
		if acc.ID == id {
			acc.Token = tok
		}
	}
	return nil
}

type testRefresher struct {
	err   error
	calls atomic.Int32
}

func (r *testRefresher) Refresh(ctx context.Context, acc *account.Account) (account.Token, error) {
	r.calls.Add(1)
	if r.err != nil {
		return account.Token{}, r.err
	}
	return account.Token{
		AccessToken:  "fresh-" + acc.ID,
		RefreshToken: acc.Token.RefreshToken,
		ExpiryUnix:   time.Now().Add(time.Hour).Unix(),
	}, nil
}

func oauthAccounts(n int) []*account.Account {
	accounts := make([]*account.Account, 0, n)
	for i := 0; i < n; i++ {
		accounts = append(accounts, &account.Account{
			ID:           fmt.Sprintf("acc-%d", i),
			Email:        fmt.Sprintf("user%d@example.com", i),
			Provider:     account.ProviderGoogleOAuth,
			CreatedOrder: i,
		})
	}
	return accounts
}

func newTestManager(t *testing.T, cfg ManagerConfig, accounts []*account.Account) (*Manager, ratelimit.Tracker) {
	t.Helper()
	store := &testStore{accounts: accounts}
	tracker := ratelimit.NewTracker(ratelimit.DefaultTrackerConfig())
	m := NewManager(cfg, store, tracker, &testRefresher{})
	t.Cleanup(func() {
		m.Close()
		tracker.Close()
	})
	return m, tracker
}

func TestManager_RoundRobinEvenDistribution(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.Sticky.Enabled = false
	m, _ := newTestManager(t, cfg, oauthAccounts(3))

	counts := make(map[string]int)
	for i := 0; i < 6; i++ {
		sel, err := m.Select(context.Background(), SelectRequest{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		counts[sel.Account.ID]++
	}

	for id, c := range counts {
		if c != 2 {
			t.Errorf("account %s selected %d times, want 2", id, c)
		}
	}
}

func TestManager_RateLimitedAccountNotSelected(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.Sticky.Enabled = false
	m, tracker := newTestManager(t, cfg, oauthAccounts(3))

	tracker.MarkRateLimited("acc-0", 60*time.Millisecond)

	for i := 0; i < 10; i++ {
		sel, err := m.Select(context.Background(), SelectRequest{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sel.Account.ID == "acc-0" {
			t.Fatal("rate limited account must not be selected")
		}
	}

	time.Sleep(80 * time.Millisecond)
	found := false
	for i := 0; i < 10; i++ {
		sel, err := m.Select(context.Background(), SelectRequest{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sel.Account.ID == "acc-0" {
			found = true
			break
		}
	}
	if !found {
		t.Error("account should rejoin rotation after the window passes")
	}
}

func TestManager_StickyBinding(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.Sticky = StickyConfig{
		Enabled:             true,
		TTL:                 10 * time.Minute,
		Source:              SessionKeySource{Kind: SessionKeyHeader, Name: "x-session-id"},
		FallbackOnUnhealthy: true,
		MaxBindings:         128,
	}
	m, _ := newTestManager(t, cfg, oauthAccounts(3))

	first, err := m.Select(context.Background(), SelectRequest{SessionID: "S1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 4; i++ {
		sel, err := m.Select(context.Background(), SelectRequest{SessionID: "S1"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sel.Account.ID != first.Account.ID {
			t.Fatalf("sticky session moved from %s to %s", first.Account.ID, sel.Account.ID)
		}
		if !sel.FromSticky {
			t.Error("expected FromSticky on repeat selections")
		}
	}

	// distinct sessions may land elsewhere but stay self-consistent
	other, err := m.Select(context.Background(), SelectRequest{SessionID: "S2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	again, _ := m.Select(context.Background(), SelectRequest{SessionID: "S2"})
	if other.Account.ID != again.Account.ID {
		t.Error("second session should be sticky too")
	}

	m.ClearAllSessions()
	if m.Stats().ActiveBindings != 0 {
		t.Error("expected no bindings after clear")
	}
}

func TestManager_StickySkipsIneligibleAccount(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.Sticky.Enabled = true
	cfg.Sticky.FallbackOnUnhealthy = true
	m, tracker := newTestManager(t, cfg, oauthAccounts(2))

	first, err := m.Select(context.Background(), SelectRequest{SessionID: "S1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tracker.MarkRateLimited(first.Account.ID, time.Hour)

	sel, err := m.Select(context.Background(), SelectRequest{SessionID: "S1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Account.ID == first.Account.ID {
		t.Error("binding to an ineligible account must be dropped when fallback is on")
	}
}

func TestManager_PreferredAccount(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.Sticky.Enabled = false
	m, tracker := newTestManager(t, cfg, oauthAccounts(3))

	m.SetPreferredAccount("acc-1")
	for i := 0; i < 5; i++ {
		sel, err := m.Select(context.Background(), SelectRequest{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sel.Account.ID != "acc-1" {
			t.Fatalf("expected preferred account, got %s", sel.Account.ID)
		}
	}

	// a rate-limited preferred account fails rather than falling back
	tracker.MarkRateLimited("acc-1", time.Hour)
	_, err := m.Select(context.Background(), SelectRequest{})
	perr, ok := err.(*proxyerr.Error)
	if !ok || perr.Kind != proxyerr.KindNoEligibleAccount {
		t.Fatalf("expected NoEligibleAccount, got %v", err)
	}

	m.SetPreferredAccount("")
	sel, err := m.Select(context.Background(), SelectRequest{})
	if err != nil {
		t.Fatalf("unexpected error after unpin: %v", err)
	}
	if sel.Account.ID == "acc-1" {
		t.Error("rate limited account selected after unpin")
	}
}

func TestManager_PreferredFallsBackToZai(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.Sticky.Enabled = false
	cfg.Zai = ZaiSettings{Enabled: true, BaseURL: "https://api.z.ai/api/anthropic", APIKey: "zk", DispatchMode: ZaiFallback}
	m, tracker := newTestManager(t, cfg, oauthAccounts(1))

	m.SetPreferredAccount("acc-0")
	tracker.MarkRateLimited("acc-0", time.Hour)

	sel, err := m.Select(context.Background(), SelectRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sel.IsZai() {
		t.Errorf("expected z.ai fallback, got %s", sel.Account.ID)
	}
}

func TestManager_ZaiDispatchModes(t *testing.T) {
	ctx := context.Background()

	// fallback: only when the pool is exhausted
	cfg := DefaultManagerConfig()
	cfg.Sticky.Enabled = false
	cfg.Zai = ZaiSettings{Enabled: true, BaseURL: "u", APIKey: "k", DispatchMode: ZaiFallback}
	m, tracker := newTestManager(t, cfg, oauthAccounts(1))

	sel, err := m.Select(ctx, SelectRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.IsZai() {
		t.Error("fallback mode must prefer the OAuth pool")
	}

	tracker.MarkRateLimited("acc-0", time.Hour)
	sel, err = m.Select(ctx, SelectRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sel.IsZai() {
		t.Error("fallback mode should dispatch z.ai when the pool is empty")
	}

	// primary: z.ai wins even with a healthy pool
	cfg2 := DefaultManagerConfig()
	cfg2.Sticky.Enabled = false
	cfg2.Zai = ZaiSettings{Enabled: true, BaseURL: "u", APIKey: "k", DispatchMode: ZaiPrimary}
	m2, _ := newTestManager(t, cfg2, oauthAccounts(2))

	sel, err = m2.Select(ctx, SelectRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sel.IsZai() {
		t.Error("primary mode should dispatch z.ai first")
	}

	// off: never dispatched
	cfg3 := DefaultManagerConfig()
	cfg3.Sticky.Enabled = false
	cfg3.Zai = ZaiSettings{Enabled: true, BaseURL: "u", APIKey: "k", DispatchMode: ZaiOff}
	m3, tracker3 := newTestManager(t, cfg3, oauthAccounts(1))
	tracker3.MarkRateLimited("acc-0", time.Hour)

	_, err = m3.Select(ctx, SelectRequest{})
	if err == nil {
		t.Error("off mode must not fall back to z.ai")
	}
}

func TestManager_ConcurrentSelectionFairness(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.Sticky.Enabled = false
	m, _ := newTestManager(t, cfg, oauthAccounts(10))

	const total = 1000
	var mu sync.Mutex
	counts := make(map[string]int)

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sel, err := m.Select(context.Background(), SelectRequest{})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			mu.Lock()
			counts[sel.Account.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for id, c := range counts {
		if c < 90 || c > 110 {
			t.Errorf("account %s received %d selections, want 100 +/- 10", id, c)
		}
	}
}

func TestManager_RefreshFailureRetriesWithExclusion(t *testing.T) {
	store := &testStore{accounts: oauthAccounts(2)}
	// acc-0 has an expiring token and a refresher that always fails
	store.accounts[0].Token = account.Token{
		AccessToken:  "stale",
		RefreshToken: "r",
		ExpiryUnix:   time.Now().Add(10 * time.Second).Unix(),
	}

	tracker := ratelimit.NewTracker(ratelimit.DefaultTrackerConfig())
	defer tracker.Close()
	refresher := &testRefresher{err: fmt.Errorf("refresh rejected")}

	cfg := DefaultManagerConfig()
	cfg.Sticky.Enabled = false
	m := NewManager(cfg, store, tracker, refresher)
	defer m.Close()

	// selection must recover on the other account
	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		sel, err := m.Select(context.Background(), SelectRequest{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen[sel.Account.ID] = true
	}
	if seen["acc-0"] {
		t.Error("account with failing refresh should be excluded")
	}
	if !seen["acc-1"] {
		t.Error("healthy account should be selected")
	}
	if refresher.calls.Load() == 0 {
		t.Error("expected refresh attempts")
	}
}

func TestManager_RefreshUpdatesToken(t *testing.T) {
	store := &testStore{accounts: oauthAccounts(1)}
	store.accounts[0].Token = account.Token{
		AccessToken:  "stale",
		RefreshToken: "r",
		ExpiryUnix:   time.Now().Add(10 * time.Second).Unix(),
	}

	tracker := ratelimit.NewTracker(ratelimit.DefaultTrackerConfig())
	defer tracker.Close()

	cfg := DefaultManagerConfig()
	cfg.Sticky.Enabled = false
	m := NewManager(cfg, store, tracker, &testRefresher{})
	defer m.Close()

	sel, err := m.Select(context.Background(), SelectRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Account.Token.AccessToken != "fresh-acc-0" {
		t.Errorf("expected refreshed token, got %q", sel.Account.Token.AccessToken)
	}
}
