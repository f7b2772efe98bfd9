package store

import (
    "context"
    "errors"
    "testing"

    "github.com/radscheduler/core/internal/models"
)

var errOrgConfigNotFound = errors.New("org config not found")

type stubOrgConfigLoader struct {
    calls int
    cfg   *models.OrganizationSMSConfig
    err   error
}

func (s *stubOrgConfigLoader) Get(ctx context.Context, organizationID string) (*models.OrganizationSMSConfig, error) {
    s.calls++
    return s.cfg, s.err
}

func TestCachedOrgConfigStoreFallsThroughOnMiss(t *testing.T) {
    inner := &stubOrgConfigLoader{cfg: &models.OrganizationSMSConfig{OrganizationID: "org-1", PrimaryProvider: "twilio"}}
    // A Cache with no client behaves as an always-miss, always-no-op cache
    // (the same "nil client never errors" shape GetCache() returns before
    // InitializeCache runs), so this exercises the fall-through path without
    // a real Redis connection.
    cached := NewCachedOrgConfigStore(&Cache{}, inner, 0)

    cfg, err := cached.Get(context.Background(), "org-1")
    if err != nil {
        t.Fatalf("Get: %v", err)
    }
    if cfg.PrimaryProvider != "twilio" {
        t.Errorf("PrimaryProvider = %q, want twilio", cfg.PrimaryProvider)
    }
    if inner.calls != 1 {
        t.Errorf("inner.calls = %d, want 1", inner.calls)
    }
}

func TestCachedOrgConfigStorePropagatesInnerError(t *testing.T) {
    inner := &stubOrgConfigLoader{err: errOrgConfigNotFound}
    cached := NewCachedOrgConfigStore(&Cache{}, inner, 0)

    _, err := cached.Get(context.Background(), "missing-org")
    if err != errOrgConfigNotFound {
        t.Fatalf("Get err = %v, want %v", err, errOrgConfigNotFound)
    }
}
