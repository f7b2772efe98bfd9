package sms

import (
    "context"
    "errors"
    "testing"
    "time"

    "github.com/sony/gobreaker/v2"

    "github.com/radscheduler/core/internal/audit"
    "github.com/radscheduler/core/internal/models"
)

var errSend = errors.New("send failed")

type stubProvider struct {
    name    string
    results []ProviderResult
    errs    []error
    calls   int
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Send(ctx context.Context, to, body, from string) (ProviderResult, error) {
    i := p.calls
    p.calls++
    if i >= len(p.results) {
        i = len(p.results) - 1
    }
    return p.results[i], p.errs[i]
}

type stubOrgConfig struct {
    cfg *models.OrganizationSMSConfig
}

func (s *stubOrgConfig) Get(ctx context.Context, organizationID string) (*models.OrganizationSMSConfig, error) {
    return s.cfg, nil
}

type stubConsent struct {
    active bool
}

func (s *stubConsent) IsConsentActive(ctx context.Context, phoneHash string) (bool, error) {
    return s.active, nil
}

type stubAuditStore struct {
    rows []models.AuditEntry
}

func (s *stubAuditStore) InsertAuditEntry(ctx context.Context, row models.AuditEntry) error {
    s.rows = append(s.rows, row)
    return nil
}

func breakerSettings() gobreaker.Settings {
    return gobreaker.Settings{
        MaxRequests: 5,
        Interval:    time.Minute,
        Timeout:     time.Second,
    }
}

func auditRecorder(t *testing.T) *audit.Recorder {
    t.Helper()
    recorder, _ := auditRecorderWithStore(t)
    return recorder
}

func auditRecorderWithStore(t *testing.T) (*audit.Recorder, *stubAuditStore) {
    t.Helper()
    store := &stubAuditStore{}
    return audit.New(store), store
}

func TestSelectFromNumberStickyIsDeterministic(t *testing.T) {
    d := &Dispatcher{rrCounters: make(map[string]*uint64)}
    pool := []string{"+15550000001", "+15550000002", "+15550000003"}

    a := d.selectFromNumber("hash-1", "primary", pool, true)
    b := d.selectFromNumber("hash-1", "primary", pool, true)
    if a != b {
        t.Errorf("sticky selection not deterministic: %q != %q", a, b)
    }
}

func TestSelectFromNumberRoundRobinRotates(t *testing.T) {
    d := &Dispatcher{rrCounters: make(map[string]*uint64)}
    pool := []string{"+15550000001", "+15550000002"}

    first := d.selectFromNumber("hash-1", "primary", pool, false)
    second := d.selectFromNumber("hash-1", "primary", pool, false)
    if first == second {
        t.Errorf("round-robin selection did not rotate: %q == %q", first, second)
    }
}

func TestSendRefusesWithoutConsent(t *testing.T) {
    primary := &stubProvider{name: "primary", results: []ProviderResult{{}}, errs: []error{nil}}
    cfg := &models.OrganizationSMSConfig{
        PrimaryProvider:     "primary",
        PrimaryPhoneNumbers: []string{"+15550000001"},
        StickySender:        true,
    }

    recorder, store := auditRecorderWithStore(t)
    d := NewDispatcher([]Provider{primary}, breakerSettings(), &stubOrgConfig{cfg: cfg}, &stubConsent{active: false}, recorder)

    _, err := d.Send(context.Background(), "conv-1", "org-1", "hash-1", "+15551234567", "BOOKING_CONFIRMATION", "your appointment is set")
    if err == nil {
        t.Fatal("expected consent-missing error")
    }
    if len(store.rows) != 1 || store.rows[0].Action != models.AuditActionOutboundError {
        t.Fatalf("expected one OUTBOUND_ERROR audit row for the consent-blocked attempt, got %+v", store.rows)
    }
}

func TestSendFailsOverToSecondaryProvider(t *testing.T) {
    primary := &stubProvider{
        name:    "primary",
        results: []ProviderResult{{Class: ErrorClassProviderError}},
        errs:    []error{errSend},
    }
    failover := &stubProvider{
        name:    "failover",
        results: []ProviderResult{{MessageID: "m1"}},
        errs:    []error{nil},
    }

    cfg := &models.OrganizationSMSConfig{
        PrimaryProvider:       "primary",
        PrimaryPhoneNumbers:   []string{"+15550000001"},
        FailoverProvider:      "failover",
        FailoverPhoneNumbers:  []string{"+15550000099"},
        StickySender:          true,
    }

    d := NewDispatcher([]Provider{primary, failover}, breakerSettings(), &stubOrgConfig{cfg: cfg}, &stubConsent{active: true}, auditRecorder(t))

    result, err := d.Send(context.Background(), "conv-1", "org-1", "hash-1", "+15551234567", OutboundConsentRequest, "reply YES")
    if err != nil {
        t.Fatalf("Send: %v", err)
    }
    if !result.FailoverUsed {
        t.Errorf("expected failover to be used")
    }
    if result.ProviderUsed != "failover" {
        t.Errorf("ProviderUsed = %q, want failover", result.ProviderUsed)
    }
}
