package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"agproxy/internal/account"
)

// System is the host-environment hook the core calls for account-switch side
// effects and user-facing notifications. The core never knows which variant
// is live.
type System interface {
	OnAccountSwitch(ctx context.Context, acc *account.Account) error
	Notify(title, body string)
}

// Kind selects a System variant
type Kind string

const (
	KindDesktop  Kind = "desktop"
	KindHeadless Kind = "headless"
)

// New returns the System variant for the given kind; unknown kinds fall back
// to headless
func New(kind Kind, profileDir string) System {
	switch kind {
	case KindDesktop:
		return &Desktop{ProfileDir: profileDir}
	default:
		return &Headless{}
	}
}

// Desktop applies switch side effects on the local machine: it materializes
// the account's device profile for the companion IDE to pick up.
type Desktop struct {
	ProfileDir string
}

func (d *Desktop) OnAccountSwitch(ctx context.Context, acc *account.Account) error {
	log.Info().Str("email", acc.Email).Msg("applying desktop account switch")

	if len(acc.DeviceProfile) == 0 || d.ProfileDir == "" {
		return nil
	}
	if err := os.MkdirAll(d.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	path := filepath.Join(d.ProfileDir, "device_profile.json")
	if err := os.WriteFile(path, acc.DeviceProfile, 0o600); err != nil {
		return fmt.Errorf("write device profile: %w", err)
	}
	return nil
}

func (d *Desktop) Notify(title, body string) {
	log.Info().Str("title", title).Str("body", body).Msg("notification")
}

// Headless performs no host-level side effects; switches only matter in memory
type Headless struct{}

func (h *Headless) OnAccountSwitch(ctx context.Context, acc *account.Account) error {
	log.Info().Str("email", acc.Email).Msg("account switched in memory")
	return nil
}

func (h *Headless) Notify(title, body string) {
	log.Debug().Str("title", title).Str("body", body).Msg("notification suppressed")
}

// Recorder captures calls for tests
type Recorder struct {
	mu       sync.Mutex
	Switches []string
	Notices  []string
}

func (r *Recorder) OnAccountSwitch(ctx context.Context, acc *account.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Switches = append(r.Switches, acc.ID)
	return nil
}

func (r *Recorder) Notify(title, body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Notices = append(r.Notices, title+": "+body)
}
